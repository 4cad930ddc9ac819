package fsext

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/parley-ai/parley/internal/home"
)

// Expand resolves a leading ~ and environment variables in path.
func Expand(path string) string {
	return home.Long(os.ExpandEnv(path))
}

func PrettyPath(path string) string {
	return home.Short(path)
}

// HasPrefix checks if the given path starts with the specified prefix.
// Uses filepath.Rel to determine if path is within prefix.
func HasPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
