package message

import (
	"testing"

	"github.com/parley-ai/parley/internal/db"
	"github.com/parley-ai/parley/internal/pubsub"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (Service, string) {
	t.Helper()
	conn, err := db.Connect(t.Context(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	q := db.New(conn)
	sess, err := q.CreateSession(t.Context(), db.CreateSessionParams{ID: "session", Title: "test"})
	require.NoError(t, err)
	return NewService(q), sess.ID
}

func TestService_CreateListUpdate(t *testing.T) {
	t.Parallel()

	svc, sessionID := newTestService(t)
	events := svc.Subscribe(t.Context())

	_, err := svc.Create(t.Context(), sessionID, CreateMessageParams{Role: User, Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, pubsub.CreatedEvent, (<-events).Type)

	reply, err := svc.Create(t.Context(), sessionID, CreateMessageParams{
		Role:    Assistant,
		Content: "hello",
		Model:   "claude",
		Origin:  TaskOrigin("t1"),
		ToolUses: []ToolUse{
			{ID: "call-1", Name: "view", Input: `{"file_path":"a.go"}`, Output: "package a"},
		},
		FinishReason: FinishReasonEndTurn,
	})
	require.NoError(t, err)
	<-events

	msgs, err := svc.List(t.Context(), sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, User, msgs[0].Role)
	require.Equal(t, "hello", msgs[1].Content)
	require.Len(t, msgs[1].ToolUses, 1)
	require.Equal(t, "view", msgs[1].ToolUses[0].Name)

	taskID, ok := TaskID(msgs[1].Origin)
	require.True(t, ok)
	require.Equal(t, "t1", taskID)

	reply.Content = "hello again"
	reply.FinishReason = FinishReasonError
	reply.Error = "boom"
	require.NoError(t, svc.Update(t.Context(), reply))
	require.Equal(t, pubsub.UpdatedEvent, (<-events).Type)

	got, err := svc.Get(t.Context(), reply.ID)
	require.NoError(t, err)
	require.Equal(t, "hello again", got.Content)
	require.True(t, got.IsFailed())
}

func TestService_DeleteSessionMessages(t *testing.T) {
	t.Parallel()

	svc, sessionID := newTestService(t)
	for _, text := range []string{"a", "b"} {
		_, err := svc.Create(t.Context(), sessionID, CreateMessageParams{Role: User, Content: text})
		require.NoError(t, err)
	}
	require.NoError(t, svc.DeleteSessionMessages(t.Context(), sessionID))

	msgs, err := svc.List(t.Context(), sessionID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestService_GetMissing(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	_, err := svc.Get(t.Context(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOrigins(t *testing.T) {
	t.Parallel()

	require.Equal(t, "compare:openai/gpt-4o", CompareOrigin("openai/gpt-4o"))
	require.Equal(t, "council:anthropic/claude", CouncilOrigin("anthropic/claude"))
	require.Equal(t, "council:chairman", ChairmanOrigin())
	_, ok := TaskID(CompareOrigin("x"))
	require.False(t, ok)
}
