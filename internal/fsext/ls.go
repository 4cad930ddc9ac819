package fsext

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charlievieth/fastwalk"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the project-level ignore file honoured next to .gitignore.
const IgnoreFileName = ".parleyignore"

// CommonIgnorePatterns contains commonly ignored files and directories
var CommonIgnorePatterns = []string{
	// Version control
	".git",
	".svn",
	".hg",

	// IDE and editor files
	".vscode",
	".idea",
	"*.swp",
	"*~",
	".DS_Store",

	// Build artifacts and dependencies
	"node_modules",
	"target",
	"dist",
	"bin",
	"*.o",
	"*.so",
	"*.exe",

	// Logs and temporary files
	"*.log",
	"*.tmp",
	".cache",

	// Language-specific
	"__pycache__",
	"*.pyc",
	"vendor",

	// Parley data directory
	".parley",
}

// DirectoryLister decides which paths under a root are hidden from the
// model: common patterns plus the root's .parleyignore and .gitignore.
type DirectoryLister struct {
	ignores  *ignore.GitIgnore
	rootPath string
}

func NewDirectoryLister(rootPath string) *DirectoryLister {
	lines := append([]string{}, CommonIgnorePatterns...)
	lines = append(lines, strings.Split(readIgnoreFiles(rootPath), "\n")...)
	return &DirectoryLister{
		rootPath: rootPath,
		ignores:  ignore.CompileIgnoreLines(lines...),
	}
}

func readIgnoreFiles(path string) string {
	var b bytes.Buffer
	for _, name := range []string{IgnoreFileName, ".gitignore"} {
		p := filepath.Join(path, name)
		f, err := os.Open(p)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Error("Failed to open ignore file", "path", p, "error", err)
			}
			continue
		}
		if _, err := io.Copy(&b, f); err != nil {
			slog.Error("Failed to read ignore file", "path", p, "error", err)
		}
		b.WriteByte('\n')
		_ = f.Close()
	}
	return b.String()
}

// ShouldIgnore reports whether path is excluded by the ignore rules or by
// one of the extra base-name patterns.
func (dl *DirectoryLister) ShouldIgnore(path string, extra []string) bool {
	relPath, err := filepath.Rel(dl.rootPath, path)
	if err != nil {
		relPath = path
	}
	if relPath == "." {
		return false
	}
	if dl.ignores.MatchesPath(relPath) {
		return true
	}

	base := filepath.Base(path)
	if base != "." && strings.HasPrefix(base, ".") {
		return true
	}
	for _, pattern := range extra {
		if matched, err := filepath.Match(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}

// ListDirectory lists files and directories below initialPath, directories
// first. Directories carry a trailing separator. depth limits how many
// levels are descended (0 means unlimited); limit caps the number of
// entries and reports truncation.
func ListDirectory(initialPath string, ignorePatterns []string, depth, limit int) ([]string, bool, error) {
	var results []string
	truncated := false
	dl := NewDirectoryLister(initialPath)

	conf := fastwalk.Config{
		Follow:     true,
		ToSlash:    fastwalk.DefaultToSlash(),
		Sort:       fastwalk.SortDirsFirst,
		NumWorkers: 1,
	}

	err := fastwalk.Walk(&conf, initialPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if path == initialPath {
			return nil
		}

		if dl.ShouldIgnore(path, ignorePatterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		level := levelOf(initialPath, path)
		if depth > 0 && level > depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if limit > 0 && len(results) >= limit {
			truncated = true
			return filepath.SkipAll
		}

		entry := path
		if d.IsDir() {
			entry += string(filepath.Separator)
		}
		results = append(results, entry)

		if d.IsDir() && depth > 0 && level == depth {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && len(results) == 0 {
		return nil, truncated, err
	}
	return results, truncated, nil
}

func levelOf(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}
