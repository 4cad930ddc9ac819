package fsext

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
}

func TestProjectFiles(t *testing.T) {
	t.Parallel()

	t.Run("outermost first and names in order", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		nested := filepath.Join(root, "repo", "service")
		require.NoError(t, os.MkdirAll(nested, 0o755))
		outer := filepath.Join(root, "parley.json")
		repoHidden := filepath.Join(root, "repo", ".parley.json")
		repoPlain := filepath.Join(root, "repo", "parley.json")
		inner := filepath.Join(nested, "parley.json")
		for _, p := range []string{outer, repoHidden, repoPlain, inner} {
			writeFile(t, p)
		}

		found, err := ProjectFiles(nested, "parley.json", ".parley.json")
		require.NoError(t, err)
		require.Equal(t, []string{outer, repoPlain, repoHidden, inner}, found)
	})

	t.Run("directories with a config name are skipped", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(root, "parley.json"), 0o755))

		found, err := ProjectFiles(root, "parley.json")
		require.NoError(t, err)
		require.Empty(t, found)
	})

	t.Run("no names", func(t *testing.T) {
		t.Parallel()

		found, err := ProjectFiles(t.TempDir())
		require.NoError(t, err)
		require.Nil(t, found)
	})

	t.Run("missing directory", func(t *testing.T) {
		t.Parallel()

		_, err := ProjectFiles(filepath.Join(t.TempDir(), "missing"), "parley.json")
		require.Error(t, err)
	})
}

func TestClosestDir(t *testing.T) {
	t.Parallel()

	t.Run("nearest data directory wins", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		nested := filepath.Join(root, "a", "b")
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".parley"), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "a", ".parley"), 0o755))
		require.NoError(t, os.MkdirAll(nested, 0o755))

		path, ok := ClosestDir(nested, ".parley")
		require.True(t, ok)
		require.Equal(t, filepath.Join(root, "a", ".parley"), path)
	})

	t.Run("files are not data directories", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()
		nested := filepath.Join(root, "a")
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".parley"), 0o755))
		writeFile(t, filepath.Join(nested, ".parley"))

		path, ok := ClosestDir(nested, ".parley")
		require.True(t, ok)
		require.Equal(t, filepath.Join(root, ".parley"), path)
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()

		path, ok := ClosestDir(t.TempDir(), ".parley-missing")
		require.False(t, ok)
		require.Empty(t, path)
	})
}
