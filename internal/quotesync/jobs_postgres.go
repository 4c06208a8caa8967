package quotesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresJobTablePrefix   = "quotesync_sync_jobs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJobStore keeps one table per shard. Tables are created on first use.
type PostgresJobStore struct {
	dsn         string
	shards      int
	tablePrefix string
	openDB      sqlOpenFunc

	// initMu guards db; a failed init leaves db nil so the next call retries.
	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresJobStore(dsn string, shards int) (*PostgresJobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if shards <= 0 {
		shards = DefaultShardCount
	}
	return &PostgresJobStore{
		dsn:         dsn,
		shards:      shards,
		tablePrefix: postgresJobTablePrefix,
		openDB:      sql.Open,
	}, nil
}

func (s *PostgresJobStore) Shards() int {
	return s.shards
}

func (s *PostgresJobStore) table(shard int) string {
	return postgresQuoteIdentifier(fmt.Sprintf("%s_%d", s.tablePrefix, shard))
}

func (s *PostgresJobStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	for shard := 0; shard < s.shards; shard++ {
		createTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				user_id TEXT NOT NULL,
				source_id TEXT NOT NULL,
				status TEXT NOT NULL,
				is_new_connection BOOLEAN NOT NULL DEFAULT FALSE,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, s.table(shard))
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			return fmt.Errorf("create job table for shard %d: %w", shard, err)
		}
		createIndex := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (user_id, source_id)",
			postgresQuoteIdentifier(fmt.Sprintf("%s_%d_user_source_idx", s.tablePrefix, shard)),
			s.table(shard))
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			return fmt.Errorf("create job index for shard %d: %w", shard, err)
		}
	}
	s.db = db
	return nil
}

// ReplacePending holds a per-user advisory lock so concurrent enqueues for the
// same user serialize instead of interleaving their deletes and inserts.
func (s *PostgresJobStore) ReplacePending(ctx context.Context, userID string, sourceIDs []string, jobs []SyncJob) error {
	for _, job := range jobs {
		if job.Shard < 0 || job.Shard >= s.shards {
			return fmt.Errorf("%w: shard %d out of range", ErrInvalidInput, job.Shard)
		}
	}
	return s.withUserLock(ctx, userID, func(tx *sql.Tx) error {
		running := make(map[string]int)
		for shard := 0; shard < s.shards; shard++ {
			query := fmt.Sprintf(
				"DELETE FROM %s WHERE user_id = $1 AND source_id = ANY($2) AND status <> $3",
				s.table(shard))
			if _, err := tx.ExecContext(ctx, query, userID, pq.Array(sourceIDs), string(JobRunning)); err != nil {
				return fmt.Errorf("purge pending jobs on shard %d: %w", shard, err)
			}
			if err := s.collectRunning(ctx, tx, shard, userID, sourceIDs, running); err != nil {
				return err
			}
		}
		for i := range jobs {
			if shard, ok := running[jobs[i].SourceID]; ok {
				jobs[i].Shard = shard
			}
		}
		for _, job := range jobs {
			query := fmt.Sprintf(`
				INSERT INTO %s (id, user_id, source_id, status, is_new_connection, error, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table(job.Shard))
			if _, err := tx.ExecContext(ctx, query,
				job.ID, job.UserID, job.SourceID, string(job.Status), job.IsNewConnection, job.Error,
				job.CreatedAt, job.UpdatedAt); err != nil {
				return fmt.Errorf("insert job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// collectRunning records which of sourceIDs are RUNNING on shard.
func (s *PostgresJobStore) collectRunning(ctx context.Context, tx *sql.Tx, shard int, userID string, sourceIDs []string, running map[string]int) error {
	query := fmt.Sprintf(
		"SELECT source_id FROM %s WHERE user_id = $1 AND source_id = ANY($2) AND status = $3",
		s.table(shard))
	rows, err := tx.QueryContext(ctx, query, userID, pq.Array(sourceIDs), string(JobRunning))
	if err != nil {
		return fmt.Errorf("list running jobs on shard %d: %w", shard, err)
	}
	defer rows.Close()
	for rows.Next() {
		var sourceID string
		if err := rows.Scan(&sourceID); err != nil {
			return err
		}
		running[sourceID] = shard
	}
	return rows.Err()
}

func (s *PostgresJobStore) Claim(ctx context.Context, shard int) (SyncJob, error) {
	if shard < 0 || shard >= s.shards {
		return SyncJob{}, fmt.Errorf("%w: shard %d out of range", ErrInvalidInput, shard)
	}
	if err := s.ensureReady(ctx); err != nil {
		return SyncJob{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncJob{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, user_id, source_id, status, is_new_connection, error, created_at, updated_at
		FROM %s
		WHERE status = $1
		ORDER BY seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, s.table(shard))
	job, err := scanJob(tx.QueryRowContext(ctx, query, string(JobReady)), shard)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncJob{}, ErrNotFound
	}
	if err != nil {
		return SyncJob{}, err
	}
	update := fmt.Sprintf("UPDATE %s SET status = $2, updated_at = NOW() WHERE id = $1", s.table(shard))
	if _, err := tx.ExecContext(ctx, update, job.ID, string(JobRunning)); err != nil {
		return SyncJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncJob{}, err
	}
	committed = true
	job.Status = JobRunning
	return job, nil
}

func (s *PostgresJobStore) Finish(ctx context.Context, job SyncJob, status JobStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrInvalidInput, status)
	}
	if job.Shard < 0 || job.Shard >= s.shards {
		return fmt.Errorf("%w: shard %d out of range", ErrInvalidInput, job.Shard)
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET status = $2, error = $3, updated_at = NOW() WHERE id = $1", s.table(job.Shard))
	result, err := s.db.ExecContext(ctx, query, job.ID, string(status), errMsg)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresJobStore) List(ctx context.Context, userID string) ([]SyncJob, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	out := make([]SyncJob, 0)
	for shard := 0; shard < s.shards; shard++ {
		query := fmt.Sprintf(`
			SELECT id, user_id, source_id, status, is_new_connection, error, created_at, updated_at
			FROM %s
			WHERE user_id = $1
			ORDER BY seq ASC`, s.table(shard))
		rows, err := s.db.QueryContext(ctx, query, userID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			job, err := scanJob(rows, shard)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out = append(out, job)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresJobStore) PurgeUser(ctx context.Context, userID string) error {
	return s.withUserLock(ctx, userID, func(tx *sql.Tx) error {
		for shard := 0; shard < s.shards; shard++ {
			query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND status <> $2", s.table(shard))
			if _, err := tx.ExecContext(ctx, query, userID, string(JobRunning)); err != nil {
				return fmt.Errorf("purge jobs on shard %d: %w", shard, err)
			}
		}
		return nil
	})
}

func (s *PostgresJobStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresJobStore) withUserLock(ctx context.Context, userID string, fn func(tx *sql.Tx) error) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresUserLockKey(s.tablePrefix, userID)); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, shard int) (SyncJob, error) {
	var job SyncJob
	var status string
	if err := row.Scan(&job.ID, &job.UserID, &job.SourceID, &status, &job.IsNewConnection,
		&job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return SyncJob{}, err
	}
	job.Shard = shard
	job.Status = JobStatus(status)
	return job, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresUserLockKey(tablePrefix, userID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(tablePrefix))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(userID))
	return int64(hasher.Sum64())
}
