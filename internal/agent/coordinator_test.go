package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/agent/background"
	"github.com/parley-ai/parley/internal/agent/compare"
	"github.com/parley-ai/parley/internal/agent/council"
	"github.com/parley-ai/parley/internal/agent/prompt"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/db"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/provider/providertest"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type env struct {
	coord    *Coordinator
	cfg      *config.Config
	sessions session.Service
	messages message.Service
	metrics  *metrics.Metrics
	session  string
}

// newEnv wires a coordinator to a fresh database. Every fake serves model
// "m"; the chat model is the first fake.
func newEnv(t *testing.T, setup func(cfg *config.Config), fakes ...*providertest.Fake) *env {
	t.Helper()
	conn, err := db.Connect(t.Context(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	q := db.New(conn)
	sessions := session.NewService(q)
	messages := message.NewService(q)
	sess, err := sessions.Create(t.Context(), "test")
	require.NoError(t, err)

	models := make(map[*providertest.Fake][]string, len(fakes))
	for _, f := range fakes {
		models[f] = []string{"m"}
	}
	cfg := providertest.Config(models)
	if len(fakes) > 0 {
		cfg.Models[config.SelectedModelTypeChat] = config.SelectedModel{Provider: fakes[0].Name(), Model: "m"}
	}
	if setup != nil {
		setup(cfg)
	}

	m := metrics.NewMetrics()
	coord, err := NewCoordinator(Options{
		Resolver:      providertest.Resolver(cfg, fakes...),
		Sessions:      sessions,
		Messages:      messages,
		Metrics:       m,
		PromptOptions: []prompt.Option{prompt.WithTime(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)

	return &env{
		coord:    coord,
		cfg:      cfg,
		sessions: sessions,
		messages: messages,
		metrics:  m,
		session:  sess.ID,
	}
}

func (e *env) list(t *testing.T) []message.Message {
	t.Helper()
	msgs, err := e.messages.List(t.Context(), e.session)
	require.NoError(t, err)
	return msgs
}

func TestChat_CommitsTurnAndAccountsUsage(t *testing.T) {
	t.Parallel()

	chat := providertest.New("a", providertest.Text("hello there"))
	e := newEnv(t, nil, chat)
	e.coord.SetViewed("elsewhere")

	res, err := e.coord.Chat(t.Context(), e.session, "hi")
	require.NoError(t, err)
	require.Equal(t, "hello there", res.Content)
	require.False(t, res.Truncated)

	msgs := e.list(t)
	require.Len(t, msgs, 2)
	require.Equal(t, message.User, msgs[0].Role)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, message.Assistant, msgs[1].Role)
	require.Equal(t, "hello there", msgs[1].Content)
	require.Equal(t, "a", msgs[1].Provider)
	require.Equal(t, "m", msgs[1].Model)
	require.Equal(t, message.FinishReasonEndTurn, msgs[1].FinishReason)
	require.Empty(t, msgs[1].Origin)

	sess, err := e.sessions.Get(t.Context(), e.session)
	require.NoError(t, err)
	require.Equal(t, res.Usage.InputTokens, sess.PromptTokens)
	require.Equal(t, res.Usage.OutputTokens, sess.CompletionTokens)

	_, streaming := e.coord.Streams().Get(e.session)
	require.False(t, streaming, "finished chats leave no stream state")
	require.True(t, e.coord.Streams().IsUnread(e.session))

	e.coord.SetViewed(e.session)
	require.False(t, e.coord.Streams().IsUnread(e.session))
}

func TestChat_SendsHistoryAndSystemPrompt(t *testing.T) {
	t.Parallel()

	chat := providertest.New("a",
		providertest.Text("first reply"),
		providertest.Fail(errors.New("overloaded")),
		providertest.Text("third reply"),
	)
	e := newEnv(t, nil, chat)

	_, err := e.coord.Chat(t.Context(), e.session, "one")
	require.NoError(t, err)
	_, err = e.coord.Chat(t.Context(), e.session, "two")
	require.EqualError(t, err, "overloaded")
	_, err = e.coord.Chat(t.Context(), e.session, "three")
	require.NoError(t, err)

	calls := chat.Calls()
	require.Len(t, calls, 3)
	require.Contains(t, calls[2].SystemPrompt, "1/2/2025")

	var got []string
	for _, m := range calls[2].Messages {
		got = append(got, string(m.Role)+":"+m.Content)
	}
	require.Equal(t, []string{"user:one", "assistant:first reply", "user:two", "user:three"}, got)

	msgs := e.list(t)
	require.Len(t, msgs, 6)
	require.True(t, msgs[3].IsFailed())
	require.Equal(t, "overloaded", msgs[3].Error)
}

func TestChat_Validation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)

	_, err := e.coord.Chat(t.Context(), "", "hi")
	require.ErrorIs(t, err, ErrSessionMissing)

	_, err = e.coord.Chat(t.Context(), e.session, "")
	require.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = e.coord.Chat(t.Context(), e.session, "hi")
	require.ErrorIs(t, err, ErrNoChatModel)
	require.Empty(t, e.list(t))
}

func TestChat_UnknownModelCommitsFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t, func(cfg *config.Config) {
		cfg.Models[config.SelectedModelTypeChat] = config.SelectedModel{Provider: "missing", Model: "m"}
	})

	_, err := e.coord.Chat(t.Context(), e.session, "hi")
	require.Error(t, err)

	msgs := e.list(t)
	require.Len(t, msgs, 2)
	require.True(t, msgs[1].IsFailed())

	state, ok := e.coord.Streams().Get(e.session)
	require.True(t, ok)
	require.False(t, state.IsStreaming)
	require.NotEmpty(t, state.Error)
}

func TestChat_BusyAndCancel(t *testing.T) {
	t.Parallel()

	chat := providertest.New("a", providertest.Partial("working on it"))
	e := newEnv(t, nil, chat)

	type outcome struct {
		res *ChatResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.coord.Chat(t.Context(), e.session, "long task")
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		state, ok := e.coord.Streams().Get(e.session)
		return ok && state.Content == "working on it"
	}, waitFor, 10*time.Millisecond)
	require.True(t, e.coord.IsSessionBusy(e.session))
	require.True(t, e.coord.IsBusy())

	_, err := e.coord.Chat(t.Context(), e.session, "again")
	require.ErrorIs(t, err, ErrSessionBusy)

	e.coord.Cancel(e.session)
	out := <-done
	require.ErrorIs(t, out.err, ErrRequestCancelled)
	require.Nil(t, out.res)
	require.False(t, e.coord.IsSessionBusy(e.session))

	msgs := e.list(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "working on it", msgs[1].Content)
	require.Equal(t, message.FinishReasonCanceled, msgs[1].FinishReason)
}

func TestChat_AgentToolRunsSubagents(t *testing.T) {
	t.Parallel()

	router := func(ctx context.Context, req provider.Request, h provider.StreamHandler) (*provider.Response, error) {
		switch req.Messages[0].Content {
		case "find bugs":
			return providertest.Text("no bugs")(ctx, req, h)
		case "write docs":
			return providertest.Text("docs written")(ctx, req, h)
		default:
			return providertest.Text("all done")(ctx, req, h)
		}
	}
	chat := providertest.New("a",
		providertest.ToolCalls("", provider.ToolCall{
			ID:    "call-1",
			Name:  AgentToolName,
			Input: `{"agents":[{"name":"review","prompt":"find bugs"},{"name":"docs","prompt":"write docs"}]}`,
		}),
		router,
	)
	e := newEnv(t, nil, chat)

	res, err := e.coord.Chat(t.Context(), e.session, "split it up")
	require.NoError(t, err)
	require.Equal(t, "all done", res.Content)
	require.Equal(t, []string{AgentToolName}, res.SkillUses)
	require.Len(t, res.ToolUses, 1)
	require.False(t, res.ToolUses[0].IsError)
	require.Equal(t, "## review\n\nno bugs\n\n## docs\n\ndocs written", res.ToolUses[0].Output)

	for _, call := range chat.Calls() {
		if call.Messages[0].Content != "find bugs" {
			continue
		}
		for _, def := range call.Tools {
			require.NotEqual(t, AgentToolName, def.Name, "sub-agents cannot spawn sub-agents")
		}
	}

	msgs := e.list(t)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].ToolUses, 1)
}

func TestChat_AgentToolDisabled(t *testing.T) {
	t.Parallel()

	chat := providertest.New("a", providertest.Text("ok"))
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Options.DisabledTools = []string{AgentToolName, "web_fetch"}
	}, chat)

	_, err := e.coord.Chat(t.Context(), e.session, "hi")
	require.NoError(t, err)

	var names []string
	for _, def := range chat.Calls()[0].Tools {
		names = append(names, def.Name)
	}
	require.NotContains(t, names, AgentToolName)
	require.NotContains(t, names, "web_fetch")
	require.Contains(t, names, "view")
}

func TestCompare_CommitsEveryModel(t *testing.T) {
	t.Parallel()

	a := providertest.New("a", providertest.Text("alpha"))
	b := providertest.New("b", providertest.Fail(errors.New("rate limited")))
	e := newEnv(t, nil, a, b)

	results, err := e.coord.Compare(t.Context(), e.session, "which?", []string{"a/m", "b/m"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, stream.StatusComplete, results[0].Status)
	require.Equal(t, stream.StatusError, results[1].Status)

	msgs := e.list(t)
	require.Len(t, msgs, 3)
	require.Equal(t, message.CompareOrigin("a/m"), msgs[1].Origin)
	require.Equal(t, "alpha", msgs[1].Content)
	require.Equal(t, message.CompareOrigin("b/m"), msgs[2].Origin)
	require.True(t, msgs[2].IsFailed())
	require.Equal(t, "rate limited", msgs[2].Error)

	_, err = e.coord.Compare(t.Context(), e.session, "again", []string{"a/m", "a/m"})
	require.Error(t, err)
}

func TestCompare_ConversationsRunIndependently(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	a := providertest.New("a",
		providertest.Gated(gate, started, providertest.Text("from first")),
		providertest.Text("from second"),
	)
	e := newEnv(t, nil, a)
	other, err := e.sessions.Create(t.Context(), "other")
	require.NoError(t, err)

	type outcome struct {
		results []compare.Result
		err     error
	}
	first := make(chan outcome, 1)
	go func() {
		results, err := e.coord.Compare(t.Context(), e.session, "slow", []string{"a/m"})
		first <- outcome{results, err}
	}()
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("first comparison never started")
	}

	results, err := e.coord.Compare(t.Context(), other.ID, "fast", []string{"a/m"})
	require.NoError(t, err)
	require.Equal(t, "from second", results[0].Content)
	require.True(t, e.coord.IsBusy())

	e.coord.StopCompare(other.ID)
	close(gate)
	var out outcome
	select {
	case out = <-first:
	case <-time.After(waitFor):
		t.Fatal("first comparison did not finish")
	}
	require.NoError(t, out.err)
	require.False(t, out.results[0].Canceled)
	require.Equal(t, "from first", out.results[0].Content)
}

func TestCouncil_CommitsMembersAndChairman(t *testing.T) {
	t.Parallel()

	a := providertest.New("a", providertest.Text("answer a"))
	b := providertest.New("b", providertest.Text("answer b"))
	chair := providertest.New("chair", providertest.Text("final answer"))
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Council = []config.SelectedModel{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}}
		cfg.Models[config.SelectedModelTypeChairman] = config.SelectedModel{Provider: "chair", Model: "m"}
	}, a, b, chair)

	res, err := e.coord.Council(t.Context(), e.session, "decide", nil, "")
	require.NoError(t, err)
	require.Equal(t, council.PhaseComplete, res.Phase)
	require.Equal(t, "final answer", res.Chairman.Content)
	require.Contains(t, chair.Calls()[0].Messages[len(chair.Calls()[0].Messages)-1].Content, "answer b")

	msgs := e.list(t)
	require.Len(t, msgs, 4)
	require.Equal(t, message.CouncilOrigin("a/m"), msgs[1].Origin)
	require.Equal(t, message.CouncilOrigin("b/m"), msgs[2].Origin)
	require.Equal(t, message.ChairmanOrigin(), msgs[3].Origin)
	require.Equal(t, "final answer", msgs[3].Content)
}

func TestCouncil_RequiresMembersAndChairman(t *testing.T) {
	t.Parallel()

	a := providertest.New("a", providertest.Text("answer a"))
	e := newEnv(t, nil, a)

	_, err := e.coord.Council(t.Context(), e.session, "decide", []string{"a/m"}, "a/m")
	require.ErrorIs(t, err, council.ErrNotEnoughMembers)

	_, err = e.coord.Council(t.Context(), e.session, "decide", []string{"a/m", "a/m"}, "")
	require.ErrorIs(t, err, council.ErrNoChairman)
	require.Empty(t, e.list(t))
}

func TestBackground_ReusesOrchestratorPerSession(t *testing.T) {
	t.Parallel()

	orch := providertest.New("orch", providertest.Text("noted"))
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Models[config.SelectedModelTypeOrchestrator] = config.SelectedModel{Provider: "orch", Model: "m"}
	}, orch)

	o, err := e.coord.Background(e.session)
	require.NoError(t, err)
	again, err := e.coord.Background(e.session)
	require.NoError(t, err)
	require.Same(t, o, again)

	_, err = e.coord.Background("")
	require.ErrorIs(t, err, ErrSessionMissing)

	require.NoError(t, o.SendMessage("remember this"))
	require.NoError(t, o.WaitIdle(t.Context()))

	msgs := e.list(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "remember this", msgs[0].Content)
	require.Equal(t, message.OrchestratorOrigin, msgs[1].Origin)
	require.Equal(t, "noted", msgs[1].Content)
	require.True(t, strings.Contains(orch.Calls()[0].SystemPrompt, "delegate"))
	require.Empty(t, e.coord.Tasks(e.session))
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	t.Parallel()

	chat := providertest.New("a", providertest.Text("hi"))
	e := newEnv(t, nil, chat)
	o, err := e.coord.Background(e.session)
	require.NoError(t, err)

	e.coord.Shutdown()

	_, err = e.coord.Chat(t.Context(), e.session, "hello")
	require.ErrorIs(t, err, ErrShutdown)
	_, err = e.coord.Background("other")
	require.ErrorIs(t, err, ErrShutdown)
	require.ErrorIs(t, o.SendMessage("late"), background.ErrClosed)
	require.False(t, e.coord.IsBusy())
}
