package pyenv_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"github.com/venvoy/venvoy/internal/pyenv"
)

func TestWatcherNoticesNewVenv(t *testing.T) {
	root := t.TempDir()
	proj := filepath.Join(root, "proj")
	mkdirs(t, proj)

	r := pyenv.NewResolver()
	be.Equal(t, r.Resolve(filepath.Join(proj, "a.py")), pyenv.None)

	appeared := make(chan pyenv.Venv, 1)
	w, err := pyenv.NewWatcher(r, func(v pyenv.Venv) { appeared <- v })
	be.Err(t, err, nil)
	defer w.Close()

	w.AddRoot(proj)
	venv := mkvenv(t, proj)

	select {
	case got := <-appeared:
		be.Equal(t, got, pyenv.Venv(venv))
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never noticed the venv")
	}

	// The cache was reset; fresh resolutions see the venv.
	be.Equal(t, r.Resolve(filepath.Join(proj, "b.py")), pyenv.Venv(venv))
}

func TestWatcherDuplicateRootsAreNoops(t *testing.T) {
	root := t.TempDir()
	r := pyenv.NewResolver()
	w, err := pyenv.NewWatcher(r, nil)
	be.Err(t, err, nil)
	defer w.Close()

	w.AddRoot(root)
	w.AddRoot(root)
	w.AddRoot(filepath.Join(root) + string(os.PathSeparator))
}
