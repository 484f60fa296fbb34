package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the current Config behind an atomic pointer so a reload swaps
// it in one step (copy-on-write, spec §5): in-flight requests that already
// captured a *Config keep using that exact value, never a half-applied one.
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore creates a Store seeded with cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.ptr.Store(cfg)
	return s
}

// Current returns the Config in effect at the moment of the call.
func (s *Store) Current() *Config { return s.ptr.Load() }

// Swap atomically replaces the stored Config.
func (s *Store) Swap(cfg *Config) { s.ptr.Store(cfg) }

// WatchTargets holds the callback invoked when config.yaml changes on disk.
type WatchTargets struct {
	// OnConfigChange fires when config.yaml is written or created. It
	// receives the changed file's path and is responsible for reloading
	// and swapping the Store itself; a reload failure here is exit-code-2
	// territory (spec §6), not a fatal error — the process keeps serving
	// the previous config.
	OnConfigChange func(path string)
}

// Watcher monitors the gateway's config directory for file changes using
// fsnotify, the same single-goroutine dispatch-by-filename design the
// teacher uses for rules.yaml/killed.yaml, applied here to config.yaml.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory. It
// immediately starts processing events in a background goroutine. Events
// are debounced naturally by fsnotify — rapid successive writes typically
// produce a single event.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

// processEvents reads fsnotify events and dispatches to the appropriate
// callback. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// We only care about write and create events — not remove or
			// rename, which would indicate the file was deleted.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if filepath.Base(event.Name) == "config.yaml" {
				slog.Info("config.yaml changed, triggering reload")
				if targets.OnConfigChange != nil {
					targets.OnConfigChange(event.Name)
				}
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
