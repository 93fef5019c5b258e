package files

import (
	"os"
	"path/filepath"
)

// FindUp walks from dir toward the filesystem root looking for an entry
// named name, returning its full path or "" when nothing matches. Used to
// locate the backend script when no working directory is configured.
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
