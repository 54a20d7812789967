package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp searches dir and its ancestors for an entry called name, returning its path or "" if there is none.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}

// FindUpFromWD is FindUp starting at the working directory.
func FindUpFromWD(name string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return FindUp(name, wd)
}
