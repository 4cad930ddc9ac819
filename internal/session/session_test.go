package session

import (
	"testing"

	"github.com/parley-ai/parley/internal/db"
	"github.com/parley-ai/parley/internal/pubsub"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	conn, err := db.Connect(t.Context(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewService(db.New(conn))
}

func TestService_CreateSaveDelete(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	events := svc.Subscribe(t.Context())

	sess, err := svc.Create(t.Context(), "hello")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	ev := <-events
	require.Equal(t, pubsub.CreatedEvent, ev.Type)
	require.Equal(t, sess.ID, ev.Payload.ID)

	sess.PromptTokens = 10
	sess.CompletionTokens = 20
	sess.Cost = 0.5
	saved, err := svc.Save(t.Context(), sess)
	require.NoError(t, err)
	require.Equal(t, int64(10), saved.PromptTokens)
	require.InDelta(t, 0.5, saved.Cost, 1e-9)

	ev = <-events
	require.Equal(t, pubsub.UpdatedEvent, ev.Type)

	list, err := svc.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.Delete(t.Context(), sess.ID))
	_, err = svc.Get(t.Context(), sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_SaveUnknown(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	_, err := svc.Save(t.Context(), Session{ID: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}
