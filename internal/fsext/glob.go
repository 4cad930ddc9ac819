package fsext

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
)

type fileInfo struct {
	path    string
	modTime time.Time
}

// GlobWithDoubleStar returns the paths below searchPath matching pattern,
// newest first. Ignored and hidden paths are never returned.
func GlobWithDoubleStar(pattern, searchPath string, limit int) ([]string, bool, error) {
	// Accept backslashes in patterns written on Windows.
	pattern = filepath.ToSlash(pattern)

	dl := NewDirectoryLister(searchPath)
	var (
		mu    sync.Mutex
		found []fileInfo
	)
	conf := fastwalk.Config{
		Follow:  true,
		ToSlash: fastwalk.DefaultToSlash(),
		Sort:    fastwalk.SortFilesFirst,
	}
	err := fastwalk.Walk(&conf, searchPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if dl.ShouldIgnore(path, nil) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(searchPath, path)
		if err != nil {
			relPath = path
		}
		matched, err := doublestar.Match(pattern, filepath.ToSlash(relPath))
		if err != nil || !matched {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		mu.Lock()
		defer mu.Unlock()
		found = append(found, fileInfo{path: path, modTime: info.ModTime()})
		// Walk order is not mtime order, so collect some slack before stopping.
		if limit > 0 && len(found) >= limit*2 {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) {
		return nil, false, fmt.Errorf("fastwalk error: %w", err)
	}

	slices.SortStableFunc(found, func(a, b fileInfo) int {
		return b.modTime.Compare(a.modTime)
	})
	truncated := errors.Is(err, filepath.SkipAll)
	if limit > 0 && len(found) > limit {
		found = found[:limit]
		truncated = true
	}

	results := make([]string, len(found))
	for i, f := range found {
		results[i] = f.path
	}
	return results, truncated, nil
}
