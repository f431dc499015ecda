package pyenv

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher notices virtual environments being created after the fact.
//
// Documents keep their venv assignment from open time, but a project
// whose .venv did not exist yet resolves to None and stays that way in
// the resolver cache. The watcher observes directories that resolved
// to None and resets the cache when a .venv/pyvenv.cfg shows up, so
// documents opened afterwards pick up the new environment.
type Watcher struct {
	fsw      *fsnotify.Watcher
	resolver *Resolver
	onVenv   func(venv Venv)

	mu    sync.Mutex
	roots map[string]struct{}

	closeOnce sync.Once
}

// NewWatcher starts a watcher. onVenv, if non-nil, is invoked from the
// watcher goroutine whenever a new venv is detected.
func NewWatcher(resolver *Resolver, onVenv func(venv Venv)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		resolver: resolver,
		onVenv:   onVenv,
		roots:    make(map[string]struct{}),
	}
	go w.run()
	return w, nil
}

// AddRoot watches dir for a .venv directory being created. Duplicate
// adds are no-ops.
func (w *Watcher) AddRoot(dir string) {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	_, seen := w.roots[dir]
	if !seen {
		w.roots[dir] = struct{}{}
	}
	w.mu.Unlock()
	if seen {
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		slog.Warn("pyenv: watch failed", "dir", dir, "error", err)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fsw.Close() })
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(ev.Name)
			switch base {
			case ".venv":
				// The marker may land later; watch inside the new dir.
				if err := w.fsw.Add(ev.Name); err != nil {
					slog.Warn("pyenv: watch failed", "dir", ev.Name, "error", err)
				}
				w.checkVenv(ev.Name)
			case "pyvenv.cfg":
				if filepath.Base(filepath.Dir(ev.Name)) == ".venv" {
					w.checkVenv(filepath.Dir(ev.Name))
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("pyenv: watcher error", "error", err)
		}
	}
}

func (w *Watcher) checkVenv(venvDir string) {
	v, ok := probe(filepath.Dir(venvDir))
	if !ok {
		return
	}
	slog.Info("pyenv: virtual environment appeared", "venv", string(v))
	w.resolver.Reset()
	if w.onVenv != nil {
		w.onVenv(v)
	}
}
