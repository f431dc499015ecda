// Package pyenv locates the Python virtual environment a file belongs
// to. A virtual environment is a directory named .venv containing a
// regular pyvenv.cfg marker file.
package pyenv

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Venv is a handle to a virtual environment: the absolute path of its
// root directory. The zero value None means "no virtual environment";
// a backend bound to None runs without a VIRTUAL_ENV override.
type Venv string

// None is the no-venv sentinel.
const None Venv = ""

// ProjectRoot returns the directory the venv lives in, or "" for None.
func (v Venv) ProjectRoot() string {
	if v == None {
		return ""
	}
	return filepath.Dir(string(v))
}

// DefaultMaxDepth bounds the upward walk.
const DefaultMaxDepth = 32

// Resolver maps file paths to virtual environments. Results are cached
// per starting directory; the walk itself is cheap but editors open
// many files from the same few directories.
type Resolver struct {
	mu       sync.Mutex
	cache    map[string]Venv
	maxDepth int
}

// NewResolver returns a resolver with the default depth limit.
func NewResolver() *Resolver {
	return &Resolver{
		cache:    make(map[string]Venv),
		maxDepth: DefaultMaxDepth,
	}
}

// Resolve returns the venv governing path, or None.
//
// Starting at the path's parent directory it walks upward, probing
// <dir>/.venv/pyvenv.cfg at each level. The walk stops at the
// filesystem root, at a directory containing a .git entry (file or
// directory), or after the depth limit. A .git entry is only a stop
// condition: the directory carrying it is still probed.
func (r *Resolver) Resolve(path string) Venv {
	if !filepath.IsAbs(path) {
		slog.Warn("pyenv: non-absolute path, treating as no venv", "path", path)
		return None
	}
	dir := filepath.Dir(filepath.Clean(path))

	r.mu.Lock()
	cached, ok := r.cache[dir]
	r.mu.Unlock()
	if ok {
		return cached
	}

	found := r.walk(dir)

	r.mu.Lock()
	r.cache[dir] = found
	r.mu.Unlock()
	return found
}

func (r *Resolver) walk(start string) Venv {
	dir := start
	for depth := 0; depth < r.maxDepth; depth++ {
		if v, ok := probe(dir); ok {
			return v
		}
		if hasGitEntry(dir) {
			return None
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return None // filesystem root
		}
		dir = parent
	}
	return None
}

// probe checks dir/.venv/pyvenv.cfg. Lstat is deliberate: a symlinked
// .venv or marker is not followed.
func probe(dir string) (Venv, bool) {
	marker := filepath.Join(dir, ".venv", "pyvenv.cfg")
	fi, err := os.Lstat(marker)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("pyenv: probe failed", "path", marker, "error", err)
		}
		return None, false
	}
	if !fi.Mode().IsRegular() {
		return None, false
	}
	return Venv(filepath.Join(dir, ".venv")), true
}

func hasGitEntry(dir string) bool {
	_, err := os.Lstat(filepath.Join(dir, ".git"))
	return err == nil
}

// Reset drops the cache. Called when a watcher observes a new venv
// appearing; stickiness of already-assigned documents is unaffected.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.cache = make(map[string]Venv)
	r.mu.Unlock()
}
