package fsext

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parley-ai/parley/internal/home"
)

// ProjectFiles returns the regular files called one of names in dir and its
// parents. Paths are ordered from the outermost directory down to dir, and
// within a directory in the order of names, so merging them in order lets
// the closest file win. The walk stops at the home directory and before the
// first directory owned by someone else.
func ProjectFiles(dir string, names ...string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var found []string
	err := walkUp(dir, func(cwd string) bool {
		var here []string
		for _, name := range names {
			path := filepath.Join(cwd, name)
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				here = append(here, path)
			}
		}
		found = append(here, found...)
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ClosestDir returns the nearest directory called name in dir or one of its
// parents. A match directly inside the home directory is not a project
// directory and is ignored.
func ClosestDir(dir, name string) (string, bool) {
	var found string
	homeDir := home.Dir()
	_ = walkUp(dir, func(cwd string) bool {
		if cwd == homeDir {
			return false
		}
		path := filepath.Join(cwd, name)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			found = path
			return false
		}
		return true
	})
	return found, found != ""
}

// walkUp calls fn for dir and each parent until fn returns false, the home
// directory or filesystem root has been visited, or a directory belongs to a
// different owner than dir.
func walkUp(dir string, fn func(dir string) bool) error {
	cwd, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("cannot convert %s to an absolute path: %w", dir, err)
	}
	owner, err := Owner(cwd)
	if err != nil {
		return fmt.Errorf("cannot get ownership of %s: %w", cwd, err)
	}

	homeDir := home.Dir()
	for {
		if o, err := Owner(cwd); err != nil || (owner != -1 && o != owner) {
			return nil
		}
		if !fn(cwd) || cwd == homeDir {
			return nil
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return nil
		}
		cwd = parent
	}
}
