package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/pubsub"
	"github.com/stretchr/testify/require"
)

func TestRegistry_StartInitializesState(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	h := r.StartStreaming(t.Context(), "conv")

	st, ok := r.Get("conv")
	require.True(t, ok)
	require.True(t, st.IsStreaming)
	require.Empty(t, st.Content)
	require.Nil(t, st.Subagents)
	require.True(t, h.Active())
	require.Equal(t, []string{"conv"}, r.Streaming())
}

func TestRegistry_RestartHasNoCrossTalk(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	first := r.StartStreaming(t.Context(), "conv")
	first.UpdateContent("old ")

	second := r.StartStreaming(t.Context(), "conv")
	require.ErrorIs(t, first.Context().Err(), context.Canceled)
	require.NoError(t, second.Context().Err())
	require.False(t, first.Active())

	// late callbacks from the first stream
	first.UpdateContent("late")
	first.AddToolUse(message.ToolUse{ID: "t1", Name: "view"})
	first.Complete(true)
	first.Fail(errors.New("boom"))
	first.Stop()

	second.UpdateContent("new")

	st, ok := r.Get("conv")
	require.True(t, ok)
	require.Equal(t, "new", st.Content)
	require.Empty(t, st.ToolUses)
	require.True(t, st.IsStreaming)
	require.Empty(t, st.Error)
}

func TestRegistry_MutatorsAreNoOpsWhenAbsent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	h := r.StartStreaming(t.Context(), "conv")
	h.UpdateContent("hello")
	r.CompleteStreaming("conv", true)

	st, ok := r.Get("conv")
	require.True(t, ok)
	require.False(t, st.IsStreaming)
	require.Equal(t, "hello", st.Content)

	r.ClearStreamingContent("conv")
	_, ok = r.Get("conv")
	require.False(t, ok)
	require.ErrorIs(t, h.Context().Err(), context.Canceled)

	version := r.Version()
	r.UpdateStreamingContent("conv", "late")
	r.AddToolUse("conv", message.ToolUse{ID: "t"})
	r.CompleteStreaming("conv", false)
	r.FailStreaming("conv", errors.New("late"))
	r.StartSubagents("conv", []SubagentSpec{{ID: "a"}})
	r.UpdateSubagentContent("conv", "a", "x")
	r.CompleteSubagent("conv", "a", nil)
	r.ClearSubagents("conv")

	_, ok = r.Get("conv")
	require.False(t, ok)
	require.False(t, r.IsUnread("conv"))
	require.Equal(t, version, r.Version())
}

func TestRegistry_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	h := r.StartStreaming(t.Context(), "conv")
	h.UpdateContent("partial")

	r.StopStreaming("conv")
	require.ErrorIs(t, h.Context().Err(), context.Canceled)
	_, ok := r.Get("conv")
	require.False(t, ok)

	require.NotPanics(t, func() { r.StopStreaming("conv") })
	_, ok = r.Get("conv")
	require.False(t, ok)
	require.Empty(t, r.Streaming())

	require.NotPanics(t, h.Stop)
}

func TestRegistry_CompleteMarksUnread(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)

	r.StartStreaming(t.Context(), "viewed")
	r.CompleteStreaming("viewed", true)
	require.False(t, r.IsUnread("viewed"))

	r.StartStreaming(t.Context(), "hidden")
	r.CompleteStreaming("hidden", false)
	require.True(t, r.IsUnread("hidden"))
	require.Equal(t, []string{"hidden"}, r.Unread())

	r.MarkRead("hidden")
	require.False(t, r.IsUnread("hidden"))

	r.CompleteStreaming("hidden", false)
	require.False(t, r.IsUnread("hidden"), "completing twice is a no-op")

	r.StartStreaming(t.Context(), "other")
	r.CompleteStreaming("other", false)
	r.StartStreaming(t.Context(), "other")
	require.False(t, r.IsUnread("other"), "a new stream clears the unread flag")
}

func TestRegistry_FailKeepsContent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	h := r.StartStreaming(t.Context(), "conv")
	h.UpdateContent("half")
	h.Fail(errors.New(""))

	st, _ := r.Get("conv")
	require.False(t, st.IsStreaming)
	require.Equal(t, "half", st.Content)
	require.Equal(t, defaultFailure, st.Error)
}

func TestRegistry_Subagents(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	h := r.StartStreaming(t.Context(), "conv")
	h.UpdateContent("Let me split this up.")

	h.StartSubagents([]SubagentSpec{
		{ID: "a", Name: "first", Model: "p/m", Prompt: "do a"},
		{ID: "b", Name: "second", Model: "p/m", Prompt: "do b"},
	})
	h.UpdateContent(" more")

	st, _ := r.Get("conv")
	require.Equal(t, "Let me split this up.", st.PreSubagentContent)
	require.Len(t, st.Subagents, 2)
	require.Equal(t, StatusPending, st.Subagents["a"].Status)

	h.UpdateSubagentContent("a", "alpha")
	h.AddSubagentToolUse("b", message.ToolUse{ID: "t", Name: "ls"})
	h.CompleteSubagent("a", nil)
	h.CompleteSubagent("b", errors.New("model exploded"))
	h.UpdateSubagentContent("a", "ignored")
	h.UpdateSubagentContent("missing", "ignored")

	st, _ = r.Get("conv")
	require.Equal(t, "alpha", st.Subagents["a"].Content)
	require.Equal(t, StatusComplete, st.Subagents["a"].Status)
	require.Equal(t, StatusError, st.Subagents["b"].Status)
	require.Equal(t, "model exploded", st.Subagents["b"].Error)
	require.Len(t, st.Subagents["b"].ToolUses, 1)

	// a second batch keeps the originally captured content
	h.StartSubagents([]SubagentSpec{{ID: "c", Name: "third"}})
	st, _ = r.Get("conv")
	require.Equal(t, "Let me split this up.", st.PreSubagentContent)
	require.Len(t, st.Subagents, 3)

	r.ClearSubagents("conv")
	st, _ = r.Get("conv")
	require.Nil(t, st.Subagents)
	require.Empty(t, st.PreSubagentContent)
	require.Equal(t, "Let me split this up. more", st.Content)
}

func TestRegistry_SnapshotsDoNotAlias(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	h := r.StartStreaming(t.Context(), "conv")
	h.AddToolUse(message.ToolUse{ID: "1"})
	h.StartSubagents([]SubagentSpec{{ID: "a"}})

	st, _ := r.Get("conv")
	st.ToolUses[0].ID = "mutated"
	st.Subagents["a"] = SubagentState{Name: "mutated"}

	again, _ := r.Get("conv")
	require.Equal(t, "1", again.ToolUses[0].ID)
	require.Empty(t, again.Subagents["a"].Name)
}

func TestRegistry_ConcurrentChunks(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	h := r.StartStreaming(t.Context(), "conv")

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			h.UpdateContent("x")
		})
	}
	wg.Wait()

	st, _ := r.Get("conv")
	require.Len(t, st.Content, 50)
}

func TestRegistry_PublishesEvents(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	defer r.Shutdown()
	events := r.Subscribe(t.Context())

	h := r.StartStreaming(t.Context(), "conv")
	h.UpdateContent("hi")
	h.Stop()

	want := []pubsub.EventType{pubsub.CreatedEvent, pubsub.UpdatedEvent, pubsub.DeletedEvent}
	for _, typ := range want {
		select {
		case ev := <-events:
			require.Equal(t, typ, ev.Type)
			require.Equal(t, "conv", ev.Payload.ID)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}
}

func TestRegistry_Metrics(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetrics()
	r := NewRegistry(m)

	r.StartStreaming(t.Context(), "a")
	r.StartStreaming(t.Context(), "a")
	r.StartStreaming(t.Context(), "b")
	r.CompleteStreaming("b", true)
	r.StopStreaming("a")

	require.Equal(t, int64(3), m.StreamsStarted.Load())
	require.Equal(t, int64(2), m.StreamsCancelled.Load())
	require.Equal(t, int64(0), m.ActiveStreams.Load())
}

func TestRegistry_StopAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	a := r.StartStreaming(t.Context(), "a")
	b := r.StartStreaming(t.Context(), "b")

	r.StopAll()
	require.Error(t, a.Context().Err())
	require.Error(t, b.Context().Err())
	require.Empty(t, r.States())
}
