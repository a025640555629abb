package workspace

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher caches the existence of files under watched directories
// (in this module, a feature's spec directory under .specify/specs/),
// refreshed by fsnotify events rather than by polling on every
// gate check. It is optional: a gate that finds no cache entry falls back
// to a direct stat.
type Watcher struct {
	mu     sync.RWMutex
	fsw    *fsnotify.Watcher
	exists map[string]bool
	done   chan struct{}
}

// NewWatcher starts watching dir (non-recursively) for create/remove
// events. Callers should Close it when the workspace is torn down.
func NewWatcher(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, exists: map[string]bool{}, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.mu.Lock()
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.exists[ev.Name] = true
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.exists[ev.Name] = false
			}
			w.mu.Unlock()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Exists reports cached existence for path, and whether the cache has an
// opinion at all (false, false means "unknown, go stat it").
func (w *Watcher) Exists(path string) (exists bool, known bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.exists[path]
	return v, ok
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
