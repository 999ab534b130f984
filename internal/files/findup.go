package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for an entry with the given name in dir and its ancestors, returning its path or "" if there is none.
// Directories that can't be read end the search.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return ""
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name)
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
