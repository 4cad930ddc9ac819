package stringext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapitalize(t *testing.T) {
	t.Parallel()
	require.Equal(t, "Orchestrator", Capitalize("orchestrator"))
	require.Equal(t, "Task Reviewer", Capitalize("task reviewer"))
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	require.Equal(t, "short", Truncate("short", 10))
	require.Equal(t, "héll...", Truncate("héllo world", 4))
}
