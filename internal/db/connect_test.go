package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnect_MigratesAndCountsMessages(t *testing.T) {
	t.Parallel()

	conn, err := Connect(t.Context(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	q := New(conn)
	s, err := q.CreateSession(t.Context(), CreateSessionParams{ID: "s1", Title: "first"})
	require.NoError(t, err)
	require.Equal(t, "first", s.Title)

	for _, id := range []string{"m1", "m2"} {
		_, err := q.CreateMessage(t.Context(), CreateMessageParams{
			ID:        id,
			SessionID: "s1",
			Role:      "user",
			Content:   id,
			ToolUses:  "[]",
		})
		require.NoError(t, err)
	}

	s, err = q.GetSessionByID(t.Context(), "s1")
	require.NoError(t, err)
	require.Equal(t, int64(2), s.MessageCount)

	msgs, err := q.ListMessagesBySession(t.Context(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)
}

func TestConnect_RequiresDataDir(t *testing.T) {
	t.Parallel()

	_, err := Connect(t.Context(), "")
	require.Error(t, err)
}

func TestConnect_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	conn, err := Connect(t.Context(), dir)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = Connect(t.Context(), dir)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
