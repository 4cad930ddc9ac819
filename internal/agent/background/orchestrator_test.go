package background

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"charm.land/fantasy"
	"github.com/google/uuid"
	"github.com/parley-ai/parley/internal/agent/tools"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/provider/providertest"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type memStore struct {
	mu   sync.Mutex
	msgs []message.Message
	fail bool
}

func (s *memStore) Create(_ context.Context, sessionID string, p message.CreateMessageParams) (message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return message.Message{}, errors.New("disk full")
	}
	m := message.Message{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Role:         p.Role,
		Content:      p.Content,
		Model:        p.Model,
		Provider:     p.Provider,
		Origin:       p.Origin,
		ToolUses:     p.ToolUses,
		FinishReason: p.FinishReason,
		Error:        p.Error,
	}
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memStore) List(_ context.Context, _ string) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs), nil
}

func (s *memStore) withOrigin(prefix string) []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, m := range s.msgs {
		if strings.HasPrefix(m.Origin, prefix) {
			out = append(out, m)
		}
	}
	return out
}

func delegateCall(id, name, prompt string) provider.ToolCall {
	return provider.ToolCall{
		ID:    id,
		Name:  tools.DelegateToolName,
		Input: fmt.Sprintf(`{"name":%q,"prompt":%q}`, name, prompt),
	}
}

func echoTool() fantasy.AgentTool {
	return fantasy.NewAgentTool("echo", "Echo",
		func(ctx context.Context, params struct{}, call fantasy.ToolCall) (fantasy.ToolResponse, error) {
			return fantasy.NewTextResponse("echo"), nil
		})
}

type harness struct {
	orch   *Orchestrator
	store  *memStore
	master *providertest.Fake
	worker *providertest.Fake
	m      *metrics.Metrics
}

func newHarness(t *testing.T, settings Settings, master, worker *providertest.Fake) *harness {
	t.Helper()
	cfg := providertest.Config(map[*providertest.Fake][]string{master: {"m"}, worker: {"m"}})
	h := &harness{store: &memStore{}, master: master, worker: worker, m: metrics.NewMetrics()}
	h.orch = New(Options{
		SessionID: "session",
		Resolver:  providertest.Resolver(cfg, master, worker),
		Messages:  h.store,
		Settings:  func() Settings { return settings },
		Tools: []fantasy.AgentTool{
			echoTool(),
			tools.NewDelegateTool(func(context.Context, string, string) (string, error) { return "", nil }),
		},
		OrchestratorPrompt: "orchestrate",
		TaskPrompt:         "work",
		Metrics:            h.m,
	})
	t.Cleanup(h.orch.Shutdown)
	return h
}

func defaultSettings() Settings {
	return Settings{OrchestratorModel: "orch/m", TaskModel: "worker/m", HistoryWindow: 20}
}

func lastContent(req provider.Request) string {
	return req.Messages[len(req.Messages)-1].Content
}

func toolNames(req provider.Request) []string {
	var names []string
	for _, d := range req.Tools {
		names = append(names, d.Name)
	}
	return names
}

func TestOrchestrator_DispatchesInOrder(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	started := make(chan struct{}, 3)
	master := providertest.New("orch",
		providertest.Gated(gate, started, providertest.Text("ack a")),
		providertest.Text("ack"),
	)
	h := newHarness(t, defaultSettings(), master, providertest.New("worker"))

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, h.orch.SendMessage(text))
	}

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("first dispatch never started")
	}
	require.True(t, h.orch.IsDispatching())
	require.Len(t, master.Calls(), 1)
	require.Equal(t, []string{"b", "c"}, h.orch.Queued())

	close(gate)
	require.Eventually(t, func() bool { return len(master.Calls()) == 3 && h.orch.Idle() }, waitFor, 5*time.Millisecond)

	calls := master.Calls()
	require.Equal(t, "a", lastContent(calls[0]))
	require.Equal(t, "b", lastContent(calls[1]))
	require.Equal(t, "c", lastContent(calls[2]))
	for _, c := range calls {
		require.Equal(t, []string{tools.DelegateToolName}, toolNames(c))
		require.Equal(t, "orchestrate", c.SystemPrompt)
	}
}

func TestOrchestrator_TasksDoNotBlockQueue(t *testing.T) {
	t.Parallel()

	master := providertest.New("orch",
		providertest.ToolCalls("On it.", delegateCall("c1", "research", "dig deep")),
		providertest.Text("ack b"),
	)
	worker := providertest.New("worker", providertest.Partial("working..."))
	h := newHarness(t, defaultSettings(), master, worker)

	require.NoError(t, h.orch.SendMessage("a"))
	require.NoError(t, h.orch.SendMessage("b"))

	require.Eventually(t, func() bool {
		return len(master.Calls()) == 2 && !h.orch.IsDispatching() && len(h.orch.Queued()) == 0
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		tasks := h.orch.Tasks()
		return len(tasks) == 1 && tasks[0].Content == "working..."
	}, waitFor, 5*time.Millisecond)

	task := h.orch.Tasks()[0]
	require.Equal(t, TaskRunning, task.Status)
	require.Equal(t, "research", task.Name)
	require.Equal(t, "worker/m", task.ModelKey)
	require.False(t, h.orch.Idle())

	acks := h.store.withOrigin(message.OrchestratorOrigin)
	require.Len(t, acks, 2)
	require.Equal(t, "On it.", acks[0].Content)
	require.Equal(t, "ack b", acks[1].Content)

	workerCalls := worker.Calls()
	require.Len(t, workerCalls, 1)
	require.Equal(t, "dig deep", lastContent(workerCalls[0]))
	require.Equal(t, []string{"echo"}, toolNames(workerCalls[0]))
	require.Equal(t, "work", workerCalls[0].SystemPrompt)

	require.NoError(t, h.orch.CancelTask(task.ID))
	cancelled, ok := h.orch.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, TaskError, cancelled.Status)
	require.True(t, cancelled.Canceled)
	require.Equal(t, cancelledReason, cancelled.Error)
	require.False(t, cancelled.CompletedAt.IsZero())

	require.Eventually(t, func() bool {
		return len(h.store.withOrigin(message.TaskOrigin(task.ID))) == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.orch.CancelTask(task.ID))
	h.orch.Shutdown()

	turns := h.store.withOrigin(message.TaskOrigin(task.ID))
	require.Len(t, turns, 1)
	require.Equal(t, message.FinishReasonCanceled, turns[0].FinishReason)
	require.Equal(t, "working...", turns[0].Content)
	require.Equal(t, int64(1), h.m.TasksCancelled.Load())
}

func TestOrchestrator_TaskCompletionCommitsOneTurn(t *testing.T) {
	t.Parallel()

	master := providertest.New("orch",
		providertest.ToolCalls("", delegateCall("c1", "one", "first"), delegateCall("c2", "two", "second")),
	)
	worker := providertest.New("worker", providertest.Text("task output"))
	h := newHarness(t, defaultSettings(), master, worker)

	require.NoError(t, h.orch.SendMessage("split this"))
	require.NoError(t, h.orch.WaitIdle(t.Context()))

	tasks := h.orch.Tasks()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.Equal(t, TaskCompleted, task.Status)
		require.Equal(t, "task output", task.Content)

		turns := h.store.withOrigin(message.TaskOrigin(task.ID))
		require.Len(t, turns, 1)
		require.Equal(t, message.Assistant, turns[0].Role)
		require.Equal(t, "task output", turns[0].Content)
		require.Equal(t, message.FinishReasonEndTurn, turns[0].FinishReason)
		require.Equal(t, "worker", turns[0].Provider)
		require.Equal(t, "m", turns[0].Model)
	}

	// no acknowledgement text, so only the user turn and the two task turns
	msgs, _ := h.store.List(t.Context(), "session")
	require.Len(t, msgs, 3)
	require.Equal(t, message.User, msgs[0].Role)
}

func TestOrchestrator_TaskFailure(t *testing.T) {
	t.Parallel()

	master := providertest.New("orch", providertest.ToolCalls("ok", delegateCall("c1", "t", "p")))
	worker := providertest.New("worker", providertest.Fail(errors.New("quota exceeded")))
	h := newHarness(t, defaultSettings(), master, worker)

	require.NoError(t, h.orch.SendMessage("go"))
	require.NoError(t, h.orch.WaitIdle(t.Context()))

	task := h.orch.Tasks()[0]
	require.Equal(t, TaskError, task.Status)
	require.False(t, task.Canceled)
	require.Equal(t, "quota exceeded", task.Error)

	turns := h.store.withOrigin(message.TaskOrigin(task.ID))
	require.Len(t, turns, 1)
	require.Equal(t, message.FinishReasonError, turns[0].FinishReason)
	require.Equal(t, "quota exceeded", turns[0].Error)
}

func TestOrchestrator_MissingModelIsDiagnosed(t *testing.T) {
	t.Parallel()

	for name, settings := range map[string]Settings{
		"unset":   {},
		"unknown": {OrchestratorModel: "ghost/m"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			master := providertest.New("orch", providertest.Text("never"))
			h := newHarness(t, settings, master, providertest.New("worker"))

			require.NoError(t, h.orch.SendMessage("first"))
			require.NoError(t, h.orch.SendMessage("second"))
			require.NoError(t, h.orch.WaitIdle(t.Context()))

			diags := h.store.withOrigin(message.OrchestratorOrigin)
			require.Len(t, diags, 2)
			for _, d := range diags {
				require.True(t, d.IsFailed())
				require.NotEmpty(t, d.Content)
				require.NotEmpty(t, d.Error)
			}
			require.Empty(t, master.Calls())
		})
	}
}

func TestOrchestrator_DispatchFailureDoesNotStopQueue(t *testing.T) {
	t.Parallel()

	master := providertest.New("orch",
		providertest.Fail(errors.New("503 service unavailable")),
		providertest.Text("second worked"),
	)
	h := newHarness(t, defaultSettings(), master, providertest.New("worker"))

	require.NoError(t, h.orch.SendMessage("one"))
	require.NoError(t, h.orch.SendMessage("two"))
	require.NoError(t, h.orch.WaitIdle(t.Context()))

	turns := h.store.withOrigin(message.OrchestratorOrigin)
	require.Len(t, turns, 2)
	require.Equal(t, "Dispatch failed: 503 service unavailable", turns[0].Content)
	require.Equal(t, message.FinishReasonError, turns[0].FinishReason)
	require.Equal(t, "second worked", turns[1].Content)
}

func TestOrchestrator_HistoryWindow(t *testing.T) {
	t.Parallel()

	master := providertest.New("orch", providertest.Text("ack"))
	settings := defaultSettings()
	settings.HistoryWindow = 3
	h := newHarness(t, settings, master, providertest.New("worker"))

	for i := range 4 {
		_, _ = h.store.Create(t.Context(), "session", message.CreateMessageParams{Role: message.User, Content: fmt.Sprintf("old %d", i)})
		_, _ = h.store.Create(t.Context(), "session", message.CreateMessageParams{Role: message.Assistant, Content: fmt.Sprintf("reply %d", i)})
	}

	require.NoError(t, h.orch.SendMessage("now"))
	require.NoError(t, h.orch.WaitIdle(t.Context()))

	msgs := master.Calls()[0].Messages
	require.Len(t, msgs, 3)
	require.Equal(t, "old 3", msgs[0].Content)
	require.Equal(t, "reply 3", msgs[1].Content)
	require.Equal(t, "now", msgs[2].Content)
}

func TestOrchestrator_StorageFailureDoesNotBlock(t *testing.T) {
	t.Parallel()

	master := providertest.New("orch", providertest.ToolCalls("ok", delegateCall("c1", "t", "p")))
	worker := providertest.New("worker", providertest.Text("done"))
	h := newHarness(t, defaultSettings(), master, worker)
	h.store.fail = true

	require.NoError(t, h.orch.SendMessage("go"))
	require.NoError(t, h.orch.WaitIdle(t.Context()))

	require.Len(t, master.Calls(), 1)
	require.Equal(t, TaskCompleted, h.orch.Tasks()[0].Status)
	require.Positive(t, h.m.CommitErrors.Load())
}

func TestOrchestrator_CancelAllAndShutdown(t *testing.T) {
	t.Parallel()

	master := providertest.New("orch",
		providertest.ToolCalls("", delegateCall("c1", "a", "x"), delegateCall("c2", "b", "y")),
	)
	worker := providertest.New("worker", providertest.Partial("busy"))
	h := newHarness(t, defaultSettings(), master, worker)

	require.NoError(t, h.orch.SendMessage("go"))
	require.Eventually(t, func() bool { return len(worker.Calls()) == 2 }, waitFor, 5*time.Millisecond)

	h.orch.CancelAllTasks()
	for _, task := range h.orch.Tasks() {
		require.Equal(t, TaskError, task.Status)
		require.True(t, task.Canceled)
	}

	err := h.orch.CancelTask("missing")
	require.ErrorIs(t, err, ErrTaskNotFound)

	h.orch.Shutdown()
	require.ErrorIs(t, h.orch.SendMessage("late"), ErrClosed)
	require.Len(t, h.store.withOrigin("task:"), 2)
}
