package fsext

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGlobWithDoubleStar(t *testing.T) {
	t.Parallel()

	t.Run("finds files matching pattern", func(t *testing.T) {
		t.Parallel()
		testDir := t.TempDir()

		mainGo := filepath.Join(testDir, "src", "main.go")
		writeTree(t, testDir, map[string]string{
			"src/main.go":    "test content",
			"src/utils.go":   "test content",
			"pkg/helper.go":  "test content",
			"README.md":      "test content",
			".git/HEAD":      "ref",
			"vendor/main.go": "ignored",
		})

		matches, truncated, err := GlobWithDoubleStar("**/main.go", testDir, 0)
		require.NoError(t, err)
		require.False(t, truncated)
		require.Equal(t, []string{mainGo}, matches)
	})

	t.Run("respects limit parameter", func(t *testing.T) {
		t.Parallel()
		testDir := t.TempDir()

		files := map[string]string{}
		for i := range 10 {
			files[fmt.Sprintf("file/test%d.txt", i)] = "test"
		}
		writeTree(t, testDir, files)

		matches, truncated, err := GlobWithDoubleStar("**/*.txt", testDir, 5)
		require.NoError(t, err)
		require.True(t, truncated)
		require.Len(t, matches, 5)
	})

	t.Run("returns newest first", func(t *testing.T) {
		t.Parallel()
		testDir := t.TempDir()

		var paths []string
		base := time.Now()
		for i := range 3 {
			p := filepath.Join(testDir, fmt.Sprintf("file%d.txt", i))
			require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
			m := base.Add(time.Duration(i) * time.Hour)
			require.NoError(t, os.Chtimes(p, m, m))
			paths = append(paths, p)
		}

		matches, truncated, err := GlobWithDoubleStar("*.txt", testDir, 0)
		require.NoError(t, err)
		require.False(t, truncated)
		require.Equal(t, []string{paths[2], paths[1], paths[0]}, matches)
	})

	t.Run("honours ignore file", func(t *testing.T) {
		t.Parallel()
		testDir := t.TempDir()
		writeTree(t, testDir, map[string]string{
			IgnoreFileName:   "generated\n",
			"generated/a.go": "x",
			"src/b.go":       "x",
		})

		matches, _, err := GlobWithDoubleStar("**/*.go", testDir, 0)
		require.NoError(t, err)
		require.Equal(t, []string{filepath.Join(testDir, "src", "b.go")}, matches)
	})

	t.Run("fails for missing search path", func(t *testing.T) {
		t.Parallel()
		missing := filepath.Join(t.TempDir(), "does", "not", "exist")

		matches, truncated, err := GlobWithDoubleStar("**", missing, 0)
		require.Error(t, err)
		require.False(t, truncated)
		require.Empty(t, matches)
	})
}
