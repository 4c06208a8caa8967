package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/quotesync/internal/cryptox"
	"github.com/agentworkforce/quotesync/internal/httpapi"
	"github.com/agentworkforce/quotesync/internal/library"
	"github.com/agentworkforce/quotesync/internal/logging"
	"github.com/agentworkforce/quotesync/internal/notion"
	"github.com/agentworkforce/quotesync/internal/quotesync"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	logger, closer, err := logging.New(logging.Options{
		Level:      os.Getenv("QUOTESYNC_LOG_LEVEL"),
		Format:     os.Getenv("QUOTESYNC_LOG_FORMAT"),
		File:       os.Getenv("QUOTESYNC_LOG_FILE"),
		MaxSizeMB:  intEnv("QUOTESYNC_LOG_MAX_SIZE_MB", 0),
		MaxBackups: intEnv("QUOTESYNC_LOG_MAX_BACKUPS", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntimeFromEnv(ctx, logger, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("failed to initialize quotesync: %v", err)
	}
	defer rt.Close()

	if err := rt.workers.Start(ctx); err != nil {
		log.Fatalf("failed to start shard workers: %v", err)
	}
	if rt.watcher != nil {
		go func() {
			if err := rt.watcher.Run(ctx, rt.reloadSnapshot); err != nil {
				logger.Error(ctx, "snapshot watcher stopped", "error", err)
			}
		}()
	}

	addr := envOrDefault("QUOTESYNC_ADDR", ":8080")
	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(rt.service, rt.events, httpapi.ServerConfig{
			JWTSecret:          os.Getenv("QUOTESYNC_JWT_SECRET"),
			RateLimitPerSecond: floatEnv("QUOTESYNC_RATE_LIMIT_PER_SECOND", 0),
			RateLimitBurst:     intEnv("QUOTESYNC_RATE_LIMIT_BURST", 5),
			Logger:             logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "quotesync listening", "addr", addr, "profile", rt.profile, "shards", rt.jobs.Shards())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

// runtime is the wired engine for one process.
type runtime struct {
	profile  string
	service  *quotesync.Service
	jobs     quotesync.JobStore
	workers  *quotesync.WorkerPool
	events   *quotesync.EventHub
	watcher  *quotesync.SnapshotWatcher
	snapshot string
	memory   *quotesync.MemoryLibrary
	log      logging.Logger
	closers  []io.Closer
}

func (rt *runtime) Close() error {
	var errs []error
	if rt.workers != nil {
		errs = append(errs, rt.workers.Stop())
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i].Close())
	}
	return errors.Join(errs...)
}

// reloadSnapshot replaces the in-memory library after the snapshot file
// changes. A file that fails validation keeps the previous library.
func (rt *runtime) reloadSnapshot(ctx context.Context) {
	snapshot, err := quotesync.LoadSnapshotFile(rt.snapshot)
	if err != nil {
		rt.log.Warn(ctx, "snapshot reload rejected", "path", rt.snapshot, "error", err)
		return
	}
	rt.memory.Put(snapshot)
	rt.log.Info(ctx, "snapshot reloaded", "user_id", snapshot.UserID, "sources", len(snapshot.Sources))
}

func buildRuntimeFromEnv(ctx context.Context, logger logging.Logger, reg prometheus.Registerer) (*runtime, error) {
	profile, libraryDSN, jobsDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	if override := strings.TrimSpace(os.Getenv("QUOTESYNC_JOBS_DSN")); override != "" {
		jobsDSN = override
	}
	rt := &runtime{profile: profile, events: quotesync.NewEventHub(), log: logger}

	opts := quotesync.ServiceOptions{
		Remotes: quotesync.NotionRemoteFactory(notion.ClientOptions{
			BaseURL:           os.Getenv("QUOTESYNC_NOTION_BASE_URL"),
			MaxRetries:        intEnv("QUOTESYNC_NOTION_MAX_RETRIES", 0),
			BaseDelay:         durationEnv("QUOTESYNC_NOTION_RETRY_DELAY", 0),
			RequestsPerSecond: floatEnv("QUOTESYNC_NOTION_REQUESTS_PER_SECOND", 0),
		}),
		Container: quotesync.ContainerSpec{
			PageTitle:     os.Getenv("QUOTESYNC_CONTAINER_PAGE_TITLE"),
			DatabaseTitle: os.Getenv("QUOTESYNC_CONTAINER_DATABASE_TITLE"),
			CoverURL:      os.Getenv("QUOTESYNC_CONTAINER_COVER_URL"),
		},
		Logger:  logger,
		Events:  rt.events,
		Metrics: quotesync.NewMetrics(reg),
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("QUOTESYNC_SCAN_FAILURE")), "create-only") {
		opts.ScanFailure = quotesync.ScanFailureCreateOnly
	}
	if master := strings.TrimSpace(os.Getenv("QUOTESYNC_NOTE_MASTER_KEY")); master != "" {
		keys, err := cryptox.NewHKDFKeyResolver(master)
		if err != nil {
			return nil, fmt.Errorf("QUOTESYNC_NOTE_MASTER_KEY: %w", err)
		}
		opts.Keys = keys
		opts.Decrypter = cryptox.AESGCM{}
	}

	if libraryDSN != "" {
		db, err := sql.Open("postgres", libraryDSN)
		if err != nil {
			return nil, fmt.Errorf("open library database: %w", err)
		}
		rt.closers = append(rt.closers, db)
		if boolEnv("QUOTESYNC_AUTO_MIGRATE", true) {
			if err := library.Migrate(ctx, db); err != nil {
				_ = rt.Close()
				return nil, fmt.Errorf("migrate library database: %w", err)
			}
		}
		opts.Library = library.NewSourceRepository(db)
		opts.Connections = library.NewConnectionRepository(db)
		if boolEnv("QUOTESYNC_REQUIRE_ENTITLEMENT", false) {
			opts.Entitlements = library.NewEntitlementRepository(db)
		}
	} else {
		rt.memory = quotesync.NewMemoryLibrary()
		if path := strings.TrimSpace(os.Getenv("QUOTESYNC_SNAPSHOT_FILE")); path != "" {
			snapshot, err := quotesync.LoadSnapshotFile(path)
			if err != nil {
				return nil, err
			}
			rt.memory.Put(snapshot)
			rt.snapshot = path
			rt.watcher = quotesync.NewSnapshotWatcher(path, durationEnv("QUOTESYNC_SNAPSHOT_DEBOUNCE", 0), logger)
		}
		opts.Library = rt.memory
		if path := strings.TrimSpace(os.Getenv("QUOTESYNC_CONNECTIONS_FILE")); path != "" {
			store, err := quotesync.NewFileConnectionStore(path)
			if err != nil {
				return nil, err
			}
			opts.Connections = store
		} else {
			opts.Connections = quotesync.NewMemoryConnectionStore()
		}
	}

	jobs, err := quotesync.BuildJobStoreFromDSN(jobsDSN, intEnv("QUOTESYNC_SHARDS", quotesync.DefaultShardCount))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("build job store: %w", err)
	}
	rt.jobs = jobs
	rt.closers = append(rt.closers, jobs)
	opts.Jobs = jobs

	service, err := quotesync.NewService(opts)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.service = service

	workers, err := quotesync.NewWorkerPool(quotesync.WorkerPoolOptions{
		Store:        jobs,
		Runner:       service,
		PollInterval: durationEnv("QUOTESYNC_WORKER_POLL_INTERVAL", quotesync.DefaultPollInterval),
		Logger:       logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.workers = workers
	return rt, nil
}

// storageProfileDefaultsFromEnv resolves QUOTESYNC_BACKEND_PROFILE into the
// library and job store DSNs. An empty library DSN selects the in-memory
// library.
func storageProfileDefaultsFromEnv() (profile, libraryDSN, jobsDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(os.Getenv("QUOTESYNC_BACKEND_PROFILE")))
	switch profile {
	case "", "memory", "inmemory":
		return "memory", "", "memory://", nil
	case "custom":
		return profile, strings.TrimSpace(os.Getenv("QUOTESYNC_POSTGRES_DSN")), "", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("QUOTESYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", "", "", fmt.Errorf("QUOTESYNC_POSTGRES_DSN is required when QUOTESYNC_BACKEND_PROFILE=%s", profile)
		}
		return "production", dsn, dsn, nil
	default:
		return "", "", "", fmt.Errorf("unsupported QUOTESYNC_BACKEND_PROFILE: %s", profile)
	}
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
