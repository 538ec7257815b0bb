package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write to a
// file before firing its callback. Editors and `cp` often produce several
// write events for one save.
const DefaultDebounce = 200 * time.Millisecond

// WatchTargets holds callbacks that fire when files in the config
// directory change.
type WatchTargets struct {
	// OnPoliciesChange fires when policies.yaml is written or created.
	// The server re-applies the declared policies.
	OnPoliciesChange func()

	// OnConfigChange fires when config.yaml is written or created.
	OnConfigChange func()
}

func (t WatchTargets) callback(name string) func() {
	switch name {
	case PoliciesFile:
		return t.OnPoliciesChange
	case ConfigFile:
		return t.OnConfigChange
	}
	return nil
}

// Watcher monitors the config directory and fires the matching callback,
// at most once per burst of changes. Callbacks run on the watcher's
// goroutine, one at a time.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	targets   WatchTargets
	debounce  time.Duration

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWatcher starts watching dir with DefaultDebounce.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	return NewWatcherWithDebounce(dir, targets, DefaultDebounce)
}

// NewWatcherWithDebounce starts watching dir. A non-positive debounce
// fires on every event.
func NewWatcherWithDebounce(dir string, targets WatchTargets, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// Saves by rename replace the inode, so the directory is watched
	// instead of the files themselves.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		targets:   targets,
		debounce:  debounce,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go w.loop()

	slog.Info("config watcher started", "dir", dir, "debounce", debounce)
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.exited)

	pending := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if w.targets.callback(name) == nil {
				continue
			}
			pending[name] = true
			if w.debounce <= 0 {
				w.fire(pending)
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.fire(pending)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			timer.Stop()
			return
		}
	}
}

// fire runs the callbacks of every pending file and clears the set.
func (w *Watcher) fire(pending map[string]bool) {
	for name := range pending {
		delete(pending, name)
		slog.Info("config file changed", "file", name)
		w.targets.callback(name)()
	}
}

// Close stops the watcher and waits for a running callback to return.
// Safe to call multiple times.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.closeErr = w.fsWatcher.Close()
		<-w.exited
	})
	return w.closeErr
}
