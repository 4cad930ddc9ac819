package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHistory_AddAndRecent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	h, err := Open(dir, 3)
	require.NoError(t, err)

	require.NoError(t, h.Add("run", "first"))
	require.NoError(t, h.Add("run", "first"))
	require.NoError(t, h.Add("run", "   "))
	require.NoError(t, h.Add("compare", "multi\nline"))
	require.NoError(t, h.Add("council", "third"))
	require.NoError(t, h.Add("delegate", "fourth"))

	recent := h.Recent(10)
	require.Len(t, recent, 3)
	require.Equal(t, "fourth", recent[0].Prompt)
	require.Equal(t, "delegate", recent[0].Kind)
	require.Equal(t, "multi\nline", recent[2].Prompt)
	require.Empty(t, h.Recent(0))

	reopened, err := Open(dir, 3)
	require.NoError(t, err)
	require.Equal(t, prompts(recent), prompts(reopened.Recent(3)))
}

func prompts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Kind + ":" + e.Prompt
	}
	return out
}

func TestHistory_Search(t *testing.T) {
	t.Parallel()

	h, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	h.now = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, h.Add("run", "Explain Context"))
	require.NoError(t, h.Add("run", "write docs"))
	require.NoError(t, h.Add("compare", "context or channels?"))

	matches := h.Search("CONTEXT")
	require.Len(t, matches, 2)
	require.Equal(t, "context or channels?", matches[0].Prompt)
	require.Equal(t, "Explain Context", matches[1].Prompt)
	require.Equal(t, 2025, matches[0].Time.Year())
}
