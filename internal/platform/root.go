package platform

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrRootNotFound is returned by FindRoot when no ancestor holds a marker.
var ErrRootNotFound = errors.New("tillage root not found")

// FindRoot walks upwards from startDir looking for a project root, marked
// by a tillage.yaml file or a .tillage directory. It returns the absolute
// path of the first match.
func FindRoot(startDir string) (string, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	dir := abs
	for {
		if hasFile(dir, ConfigFile) || hasFile(dir, ".tillage") {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", ErrRootNotFound
}

func hasFile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
