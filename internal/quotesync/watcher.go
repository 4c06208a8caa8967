package quotesync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/quotesync/internal/logging"
)

const defaultWatchDebounce = 250 * time.Millisecond

// SnapshotWatcher calls a handler whenever a snapshot file changes. It
// watches the parent directory so editors that replace the file by rename
// are still seen. Bursts of events within the debounce window collapse into
// one call.
type SnapshotWatcher struct {
	path     string
	debounce time.Duration
	log      logging.Logger
}

func NewSnapshotWatcher(path string, debounce time.Duration, log logging.Logger) *SnapshotWatcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if log == nil {
		log = logging.Nop()
	}
	return &SnapshotWatcher{path: filepath.Clean(path), debounce: debounce, log: log}
}

// Run blocks until ctx is done. onChange runs on the watcher goroutine, so a
// slow handler delays but never overlaps the next call.
func (w *SnapshotWatcher) Run(ctx context.Context, onChange func(ctx context.Context)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn(ctx, "snapshot watcher error", "path", w.path, "error", err)
		case <-timer.C:
			onChange(ctx)
		}
	}
}

func (w *SnapshotWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
