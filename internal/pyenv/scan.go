package pyenv

import (
	"os"
	"path/filepath"
	"strings"
)

// ScanLimit caps the total directory entries a Scan visits.
const ScanLimit = 4096

// Scan walks root's subtree breadth-first looking for the first
// .venv/pyvenv.cfg. It is the startup fallback: the first backend is
// spawned against the result so the initial didOpen usually lands on
// an already-warm backend.
//
// Hidden directories other than .venv are skipped, and the walk does
// not descend into nested repositories (directories below root that
// carry their own .git entry).
func Scan(root string) Venv {
	root = filepath.Clean(root)
	visited := 0
	queue := []string{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if dir != root && containsGit(entries) {
			continue
		}
		for _, e := range entries {
			visited++
			if visited > ScanLimit {
				return None
			}
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			if name == ".venv" {
				if v, ok := probe(dir); ok {
					return v
				}
				continue
			}
			if strings.HasPrefix(name, ".") {
				continue
			}
			queue = append(queue, filepath.Join(dir, name))
		}
	}
	return None
}

func containsGit(entries []os.DirEntry) bool {
	for _, e := range entries {
		if e.Name() == ".git" {
			return true
		}
	}
	return false
}
