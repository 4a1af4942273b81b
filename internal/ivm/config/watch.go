package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ivmcore/ivmcore/internal/ivm/schema"
)

// watchDebounce matches the teacher's cmd/bd/list.go file-watch debounce
// window: editors commonly emit several write events per save.
const watchDebounce = 500 * time.Millisecond

// WatchSchema watches path's containing directory and calls onChange with
// a freshly reloaded schema.Metadata every time the fixture file changes
// (SPEC_FULL.md §2 "Schema hot-reload" ambient concern). onChange is
// called with a non-nil error instead if reloading fails; the previous
// Metadata remains whatever the caller last accepted. The returned stop
// func closes the watcher; it is safe to call more than once.
func WatchSchema(path string, log *slog.Logger, onChange func(schema.Metadata, error)) (stop func(), err error) {
	if log == nil {
		log = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var debounceTimer *time.Timer
		for {
			select {
			case <-done:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) || !event.Has(fsnotify.Write) {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(watchDebounce, func() {
					meta, err := LoadSchema(path)
					if err != nil {
						log.Warn("schema hot-reload failed", "path", path, "error", err)
					}
					onChange(meta, err)
				})
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("schema watcher error", "error", werr)
			}
		}
	}()

	var closeOnce bool
	return func() {
		if closeOnce {
			return
		}
		closeOnce = true
		close(done)
		_ = watcher.Close()
	}, nil
}
