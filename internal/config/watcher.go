package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the parsed result to the registered callback. Editors that replace the file
// (rename+create) and editors that write in place are both handled; rapid
// event bursts are debounced.
type Watcher struct {
	path     string
	onChange func(*Config)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewWatcher creates a watcher for the config file at path. onChange runs on
// the watcher goroutine with the freshly parsed config; an unparseable or
// invalid file is logged and skipped so the running service keeps its last
// good configuration.
func NewWatcher(path string, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// Run watches until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	w.mu.Lock()
	w.watcher = fsw
	w.mu.Unlock()

	// Watch the directory, not the file: most editors replace the file and
	// a file watch dies with the old inode.
	if err = fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(500*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.WithError(err).Warn("config reload skipped: file unreadable or unparseable")
		return
	}
	if _, err = ValidateConfig(cfg); err != nil {
		log.WithError(err).Warn("config reload skipped: validation failed")
		return
	}
	log.Info("configuration file changed, applying")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
