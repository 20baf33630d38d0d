package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the bursts of events editors produce on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// ServicesWatcher reloads the services file when it changes on disk.
type ServicesWatcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
}

// NewServicesWatcher watches path. The parent directory is watched so a file
// replaced by rename, as most editors save, is still seen.
func NewServicesWatcher(path string, debounce time.Duration) (*ServicesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &ServicesWatcher{path: filepath.Clean(abs), debounce: debounce, watcher: w}, nil
}

// Path returns the watched file.
func (w *ServicesWatcher) Path() string { return w.path }

// Run calls onChange after each settled change with the reloaded file, or
// with the load or watch error. A removed file reloads as empty. Run closes
// the watcher and returns when ctx ends.
func (w *ServicesWatcher) Run(ctx context.Context, onChange func(*ServicesConfig, error)) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	stopTimer(timer)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			stopTimer(timer)
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			onChange(nil, err)
		case <-timer.C:
			onChange(LoadServicesConfigOrDefault(w.path))
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
