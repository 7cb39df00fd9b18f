package wake

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
)

// DirWatcher fires when a file in a spool directory is created or written.
// Local producers touch a file there after writing to the SQLite store.
type DirWatcher struct {
	dir     string
	fn      func()
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewDirWatcher starts watching dir, creating it when missing.
func NewDirWatcher(dir string, fn func(), logger *slog.Logger) (*DirWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &DirWatcher{dir: dir, fn: fn, watcher: w, logger: logger.With("component", "wake")}, nil
}

// Run delivers events until ctx is done, then closes the watcher.
func (d *DirWatcher) Run(ctx context.Context) {
	defer d.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				d.fn()
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watch error", "dir", d.dir, "error", err)
		}
	}
}
