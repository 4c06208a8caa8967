package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agentworkforce/quotesync/internal/quotesync"
)

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

func newRunCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync a snapshot file into the user's Notion container",
		Long: `Sync every active source of a library snapshot into Notion.

The connection (token, parent page, container) is kept in <state-dir>/connections.json.
Without --token the stored token is used, or the token is read from the terminal.

  quotesync-sync run --snapshot library.json --parent-page <page-id>
  quotesync-sync run --snapshot library.json --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), cmd.InOrStdin())
		},
	}
	flags := cmd.Flags()
	flags.String("snapshot", "", "library snapshot JSON file")
	flags.String("token", "", "Notion integration token")
	flags.String("parent-page", "", "page under which a new container is created")
	flags.Bool("new-container", false, "provision a fresh container instead of reusing the current one")
	flags.Bool("watch", false, "re-sync when the snapshot file changes")
	flags.Duration("interval", 0, "also re-sync on this interval while watching")
	flags.Float64("interval-jitter", 0.2, "interval jitter ratio (0.0-1.0)")
	flags.Duration("timeout", 10*time.Minute, "per-sync timeout")
	flags.Bool("create-only", false, "on a failed scan, create documents only instead of aborting")
	return cmd
}

func (c *cli) run(ctx context.Context, in io.Reader) error {
	path := strings.TrimSpace(c.v.GetString("snapshot"))
	if path == "" {
		return errors.New("snapshot is required (--snapshot or QUOTESYNC_SNAPSHOT)")
	}
	snapshot, err := quotesync.LoadSnapshotFile(path)
	if err != nil {
		return err
	}
	connections, err := quotesync.NewFileConnectionStore(c.connectionsPath())
	if err != nil {
		return err
	}
	if err := c.ensureConnection(ctx, connections, snapshot.UserID, in); err != nil {
		return err
	}

	lib := quotesync.NewMemoryLibrary(snapshot)
	opts, err := c.serviceOptions()
	if err != nil {
		return err
	}
	opts.Library = lib
	opts.Connections = connections
	if c.v.GetBool("create-only") {
		opts.ScanFailure = quotesync.ScanFailureCreateOnly
	}
	service, err := quotesync.NewService(opts)
	if err != nil {
		return err
	}

	timeout := c.v.GetDuration("timeout")
	var mu sync.Mutex
	syncOnce := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		run := service.Sync(ctx, snapshot.UserID)
		c.report(run)
		if !run.Success() {
			return run.Err
		}
		return nil
	}

	if err := syncOnce(ctx); err != nil && !c.v.GetBool("watch") {
		return err
	}
	if !c.v.GetBool("watch") {
		return nil
	}

	reload := func(ctx context.Context) {
		next, err := quotesync.LoadSnapshotFile(path)
		if err != nil {
			c.log.Warn(ctx, "snapshot rejected", "path", path, "error", err)
			return
		}
		if next.UserID != snapshot.UserID {
			c.log.Warn(ctx, "snapshot user changed; restart to sync another user", "path", path)
			return
		}
		lib.Put(next)
		_ = syncOnce(ctx)
	}
	if interval := c.v.GetDuration("interval"); interval > 0 {
		go c.tick(ctx, interval, c.v.GetFloat64("interval-jitter"), func() { _ = syncOnce(ctx) })
	}
	watcher := quotesync.NewSnapshotWatcher(path, 0, c.log)
	return watcher.Run(ctx, reload)
}

// ensureConnection stores a token and parent page for userID when given, or
// prompts for a token when none is stored.
func (c *cli) ensureConnection(ctx context.Context, store quotesync.ConnectionStore, userID string, in io.Reader) error {
	conn, err := store.GetConnection(ctx, userID)
	if err != nil && !errors.Is(err, quotesync.ErrNotFound) {
		return err
	}
	conn.UserID = userID
	changed := false
	if token := strings.TrimSpace(c.v.GetString("token")); token != "" && token != conn.AccessToken {
		conn.AccessToken = token
		changed = true
	}
	if conn.AccessToken == "" {
		token, err := promptToken(in, c.errOut)
		if err != nil {
			return err
		}
		conn.AccessToken = token
		changed = true
	}
	if parent := strings.TrimSpace(c.v.GetString("parent-page")); parent != "" && parent != conn.ParentPageID {
		conn.ParentPageID = parent
		changed = true
	}
	if c.v.GetBool("new-container") {
		conn.CreateNewContainer = true
		changed = true
	}
	if !changed {
		return nil
	}
	return store.SaveConnection(ctx, conn)
}

func promptToken(in io.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "Notion integration token: ")
	var raw string
	if f, ok := in.(*os.File); ok && isTerminal(int(f.Fd())) {
		b, err := readPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		raw = string(b)
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read token: %w", err)
		}
		raw = line
	}
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", errors.New("a Notion token is required (--token or QUOTESYNC_TOKEN)")
	}
	return token, nil
}

func (c *cli) report(run *quotesync.Run) {
	if !run.Success() {
		c.printf("sync %s failed: %s\n", run.ID, quotesync.PublicError(run.Err))
		return
	}
	s := run.Stats
	c.printf("sync %s done: %d sources, %d created, %d appended, %d quotes, %d append calls\n",
		run.ID, s.SourcesPlanned, s.DocumentsCreated, s.DocumentsAppended, s.QuotesWritten, s.AppendCalls)
	if run.ContainerCreated {
		c.printf("created container %s\n", run.ContainerID)
	}
}

func (c *cli) tick(ctx context.Context, interval time.Duration, jitter float64, fn func()) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±jitterRatio using sample in [0,1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = clampJitterRatio(sample)
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
