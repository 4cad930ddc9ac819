// Package agent ties the streaming engines to conversations: it commits
// turns, accounts usage, and routes requests to the single chat path,
// comparisons, councils or a conversation's background orchestrator.
package agent

import (
	"cmp"
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"charm.land/fantasy"
	"github.com/parley-ai/parley/internal/agent/background"
	"github.com/parley-ai/parley/internal/agent/compare"
	"github.com/parley-ai/parley/internal/agent/council"
	"github.com/parley-ai/parley/internal/agent/prompt"
	"github.com/parley-ai/parley/internal/agent/tools"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/csync"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/pubsub"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/stream"
)

type Options struct {
	Resolver *provider.Resolver
	Sessions session.Service
	Messages message.Service
	Metrics  *metrics.Metrics
	// HTTPClient is used by the web_fetch tool.
	HTTPClient *http.Client
	// PromptOptions are applied to every system prompt.
	PromptOptions []prompt.Option
}

// Coordinator is the entry point for every kind of request.
type Coordinator struct {
	resolver   *provider.Resolver
	sessions   session.Service
	messages   message.Service
	metrics    *metrics.Metrics
	httpClient *http.Client

	streams    *stream.Registry
	compare    *csync.Map[string, *compare.Coordinator]
	council    *csync.Map[string, *council.Coordinator]
	background *csync.Map[string, *background.Orchestrator]
	// bgMu guards creation of per-conversation engines against Shutdown.
	bgMu sync.Mutex

	chatPrompt         *prompt.Prompt
	orchestratorPrompt *prompt.Prompt
	taskPrompt         *prompt.Prompt

	viewMu  sync.Mutex
	viewing string

	ctx      context.Context
	cancel   context.CancelFunc
	watchers sync.WaitGroup
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	chat, err := chatPrompt(opts.PromptOptions...)
	if err != nil {
		return nil, err
	}
	orchestrator, err := orchestratorPrompt(opts.PromptOptions...)
	if err != nil {
		return nil, err
	}
	task, err := taskPrompt(opts.PromptOptions...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		resolver:           opts.Resolver,
		sessions:           opts.Sessions,
		messages:           opts.Messages,
		metrics:            opts.Metrics,
		httpClient:         opts.HTTPClient,
		streams:            stream.NewRegistry(opts.Metrics),
		compare:            csync.NewMap[string, *compare.Coordinator](),
		council:            csync.NewMap[string, *council.Coordinator](),
		background:         csync.NewMap[string, *background.Orchestrator](),
		chatPrompt:         chat,
		orchestratorPrompt: orchestrator,
		taskPrompt:         task,
		ctx:                ctx,
		cancel:             cancel,
	}, nil
}

func (c *Coordinator) cfg() *config.Config {
	return c.resolver.Config()
}

// Streams exposes the registry of single-chat streams for subscribers.
func (c *Coordinator) Streams() *stream.Registry {
	return c.streams
}

// Comparisons returns the comparison engine of a conversation, creating it
// on first use. Each conversation runs at most one comparison; comparisons
// in different conversations do not interfere.
func (c *Coordinator) Comparisons(sessionID string) (*compare.Coordinator, error) {
	return engineFor(c, c.compare, sessionID, func() *compare.Coordinator {
		return compare.New(c.resolver, c.metrics)
	})
}

// Councils returns the council engine of a conversation, creating it on
// first use.
func (c *Coordinator) Councils(sessionID string) (*council.Coordinator, error) {
	return engineFor(c, c.council, sessionID, func() *council.Coordinator {
		return council.New(c.resolver, c.metrics)
	})
}

func engineFor[T any](c *Coordinator, engines *csync.Map[string, T], sessionID string, create func() T) (T, error) {
	var zero T
	if sessionID == "" {
		return zero, ErrSessionMissing
	}
	if c.ctx.Err() != nil {
		return zero, ErrShutdown
	}
	if e, ok := engines.Get(sessionID); ok {
		return e, nil
	}

	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.ctx.Err() != nil {
		return zero, ErrShutdown
	}
	if e, ok := engines.Get(sessionID); ok {
		return e, nil
	}
	e := create()
	engines.Set(sessionID, e)
	return e, nil
}

// SetViewed records which conversation the user is looking at. Chats that
// finish elsewhere are marked unread.
func (c *Coordinator) SetViewed(sessionID string) {
	c.viewMu.Lock()
	c.viewing = sessionID
	c.viewMu.Unlock()
	c.streams.MarkRead(sessionID)
}

func (c *Coordinator) isViewed(sessionID string) bool {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.viewing == sessionID
}

// Compare sends one prompt to several models at once and commits one
// assistant turn per model.
func (c *Coordinator) Compare(ctx context.Context, sessionID, text string, modelKeys []string) ([]compare.Result, error) {
	if err := validateRequest(sessionID, text); err != nil {
		return nil, err
	}
	if err := compare.Validate(modelKeys); err != nil {
		return nil, err
	}
	engine, err := c.Comparisons(sessionID)
	if err != nil {
		return nil, err
	}

	cfg := c.cfg()
	commitCtx := context.WithoutCancel(ctx)
	history := c.history(commitCtx, sessionID)
	c.commit(commitCtx, sessionID, message.CreateMessageParams{Role: message.User, Content: text})

	results, err := engine.StartStreaming(ctx, compare.Request{
		Prompt:        text,
		History:       history,
		ModelKeys:     modelKeys,
		SystemPrompt:  c.systemPrompt(c.chatPrompt, "", "", cfg),
		Tools:         c.tools(cfg),
		MaxIterations: cfg.Options.MaxIterations,
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		c.commitResult(commitCtx, sessionID, message.CompareOrigin(r.ModelKey), r)
	}
	c.eventComparisonFinished(sessionID, results)
	return results, nil
}

func (c *Coordinator) StopCompare(sessionID string) {
	if engine, ok := c.compare.Get(sessionID); ok {
		engine.StopAll()
	}
}

// Council runs the configured council on a prompt. Members and chairman
// default to the configuration when empty.
func (c *Coordinator) Council(ctx context.Context, sessionID, text string, members []string, chairman string) (*council.Result, error) {
	if err := validateRequest(sessionID, text); err != nil {
		return nil, err
	}
	engine, err := c.Councils(sessionID)
	if err != nil {
		return nil, err
	}

	cfg := c.cfg()
	if len(members) == 0 {
		members = cfg.CouncilKeys()
	}
	if chairman == "" {
		chairman, _ = cfg.ModelKey(config.SelectedModelTypeChairman)
	}
	if len(members) < council.MinMembers {
		return nil, council.ErrNotEnoughMembers
	}
	if chairman == "" {
		return nil, council.ErrNoChairman
	}

	commitCtx := context.WithoutCancel(ctx)
	history := c.history(commitCtx, sessionID)
	c.commit(commitCtx, sessionID, message.CreateMessageParams{Role: message.User, Content: text})

	res, err := engine.StartCouncilStreaming(ctx, council.Request{
		Prompt:        text,
		History:       history,
		Members:       members,
		Chairman:      chairman,
		SystemPrompt:  c.systemPrompt(c.chatPrompt, "", "", cfg),
		Tools:         c.tools(cfg),
		MaxIterations: cfg.Options.MaxIterations,
	})
	if err != nil {
		return nil, err
	}

	for _, m := range res.Members {
		c.commitResult(commitCtx, sessionID, message.CouncilOrigin(m.ModelKey), m)
	}
	if res.Phase == council.PhaseComplete {
		c.commitResult(commitCtx, sessionID, message.ChairmanOrigin(), res.Chairman)
	}
	c.eventCouncilFinished(sessionID, *res)
	return res, nil
}

func (c *Coordinator) StopCouncil(sessionID string) {
	if engine, ok := c.council.Get(sessionID); ok {
		engine.StopAll()
	}
}

// Background returns the orchestrator of a conversation, creating it on
// first use.
func (c *Coordinator) Background(sessionID string) (*background.Orchestrator, error) {
	if sessionID == "" {
		return nil, ErrSessionMissing
	}
	if o, ok := c.background.Get(sessionID); ok {
		return o, nil
	}

	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	if o, ok := c.background.Get(sessionID); ok {
		return o, nil
	}

	cfg := c.cfg()
	orchestratorKey, _ := cfg.ModelKey(config.SelectedModelTypeOrchestrator)
	taskKey, _ := cfg.ModelKey(config.SelectedModelTypeTask)
	o := background.New(background.Options{
		SessionID:          sessionID,
		Resolver:           c.resolver,
		Messages:           c.messages,
		Settings:           c.backgroundSettings,
		Tools:              c.tools(cfg),
		OrchestratorPrompt: c.systemPrompt(c.orchestratorPrompt, "", orchestratorKey, cfg),
		TaskPrompt:         c.systemPrompt(c.taskPrompt, "", cmp.Or(taskKey, orchestratorKey), cfg),
		Metrics:            c.metrics,
	})
	c.background.Set(sessionID, o)

	events := o.Subscribe(c.ctx)
	c.watchers.Go(func() {
		c.watchTasks(sessionID, events)
	})
	return o, nil
}

func (c *Coordinator) backgroundSettings() background.Settings {
	cfg := c.cfg()
	orchestrator, _ := cfg.ModelKey(config.SelectedModelTypeOrchestrator)
	task, _ := cfg.ModelKey(config.SelectedModelTypeTask)
	return background.Settings{
		OrchestratorModel: orchestrator,
		TaskModel:         task,
		HistoryWindow:     cfg.Options.HistoryWindow,
		MaxIterations:     cfg.Options.MaxIterations,
	}
}

func (c *Coordinator) watchTasks(sessionID string, events <-chan pubsub.Event[background.Event]) {
	launched := make(map[string]bool)
	for ev := range events {
		if ev.Payload.Kind != background.EventTask {
			continue
		}
		task := ev.Payload.Task
		if !launched[task.ID] {
			launched[task.ID] = true
			c.eventTaskLaunched(sessionID, task)
		}
		if !task.IsRunning() {
			c.eventTaskFinished(sessionID, task)
		}
	}
}

// CancelAll stops every chat stream, comparison, council and background
// task. Queued background messages are kept.
func (c *Coordinator) CancelAll() {
	c.streams.StopAll()
	for _, e := range c.compare.Seq2() {
		e.StopAll()
	}
	for _, e := range c.council.Seq2() {
		e.StopAll()
	}
	for _, o := range c.background.Seq2() {
		o.CancelAllTasks()
	}
}

// IsBusy reports whether anything is still running.
func (c *Coordinator) IsBusy() bool {
	if len(c.streams.Streaming()) > 0 {
		return true
	}
	for _, e := range c.compare.Seq2() {
		if e.Running() {
			return true
		}
	}
	for _, e := range c.council.Seq2() {
		if e.Running() {
			return true
		}
	}
	for _, o := range c.background.Seq2() {
		if !o.Idle() {
			return true
		}
	}
	return false
}

// Shutdown cancels all work, waits for background tasks to commit their
// final turns and releases every subscriber.
func (c *Coordinator) Shutdown() {
	c.bgMu.Lock()
	c.cancel()
	c.bgMu.Unlock()

	c.CancelAll()
	var wg sync.WaitGroup
	for _, o := range c.background.Seq2() {
		wg.Go(o.Shutdown)
	}
	wg.Wait()
	c.watchers.Wait()

	c.streams.Shutdown()
	for _, e := range c.compare.Seq2() {
		e.Shutdown()
	}
	for _, e := range c.council.Seq2() {
		e.Shutdown()
	}
}

// Tasks returns the background tasks of a conversation.
func (c *Coordinator) Tasks(sessionID string) []background.Task {
	o, ok := c.background.Get(sessionID)
	if !ok {
		return nil
	}
	return o.Tasks()
}

func (c *Coordinator) tools(cfg *config.Config) []fantasy.AgentTool {
	depth, items := cfg.Tools.Ls.Limits()
	enabled := cfg.EnabledTools()
	all := tools.Default(tools.Config{
		WorkingDir: cfg.WorkingDir(),
		Ls:         tools.LsLimits{Depth: depth, MaxFiles: items},
		HTTPClient: c.httpClient,
	})
	return slices.DeleteFunc(all, func(t fantasy.AgentTool) bool {
		return !slices.Contains(enabled, t.Info().Name)
	})
}

func (c *Coordinator) systemPrompt(p *prompt.Prompt, providerID, model string, cfg *config.Config) string {
	s, err := p.Build(providerID, model, cfg)
	if err != nil {
		slog.Error("Failed to build system prompt", "prompt", p.Name(), "error", err)
		return ""
	}
	return s
}

// history returns the plain chat turns of a conversation as model input.
// Failed turns and turns tagged by comparisons, councils or background
// work are left out.
func (c *Coordinator) history(ctx context.Context, sessionID string) []provider.Message {
	msgs, err := c.messages.List(ctx, sessionID)
	if err != nil {
		slog.Error("Failed to load history", "session_id", sessionID, "error", err)
		return nil
	}
	var out []provider.Message
	for _, m := range msgs {
		if m.Origin != "" || m.IsFailed() || m.Content == "" {
			continue
		}
		switch m.Role {
		case message.User:
			out = append(out, provider.UserMessage(m.Content))
		case message.Assistant:
			out = append(out, provider.AssistantMessage(m.Content))
		}
	}
	return out
}

// commitResult appends the turn of one comparison or council entry.
func (c *Coordinator) commitResult(ctx context.Context, sessionID, origin string, r compare.Result) {
	params := message.CreateMessageParams{
		Role:         message.Assistant,
		Content:      r.Content,
		Model:        r.ModelID,
		Provider:     r.ProviderID,
		Origin:       origin,
		ToolUses:     r.ToolUses,
		FinishReason: message.FinishReasonEndTurn,
	}
	switch {
	case r.Status == stream.StatusError:
		params.FinishReason = message.FinishReasonError
		params.Error = r.Error
	case r.Canceled:
		params.FinishReason = message.FinishReasonCanceled
	}
	c.commit(ctx, sessionID, params)
	c.addUsage(ctx, sessionID, r.Usage, r.Cost)
}

// commit appends a turn. Failures are logged and never interrupt the
// request that produced the turn.
func (c *Coordinator) commit(ctx context.Context, sessionID string, params message.CreateMessageParams) {
	_, err := c.messages.Create(ctx, sessionID, params)
	c.metrics.RecordCommit(err == nil)
	if err != nil {
		slog.Error("Failed to commit message", "session_id", sessionID, "role", params.Role, "origin", params.Origin, "error", err)
	}
}

func (c *Coordinator) addUsage(ctx context.Context, sessionID string, usage provider.Usage, cost float64) {
	if usage == (provider.Usage{}) && cost == 0 {
		return
	}
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		slog.Error("Failed to load session for usage", "session_id", sessionID, "error", err)
		return
	}
	sess.PromptTokens += usage.InputTokens + usage.CacheCreationTokens + usage.CacheReadTokens
	sess.CompletionTokens += usage.OutputTokens
	sess.Cost += cost
	if _, err := c.sessions.Save(ctx, sess); err != nil {
		slog.Error("Failed to save session usage", "session_id", sessionID, "error", err)
	}
}

func validateRequest(sessionID, text string) error {
	if sessionID == "" {
		return ErrSessionMissing
	}
	if text == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// errorText returns a displayable message for a failed request.
func errorText(err error) string {
	if isCancelledErr(err) {
		return ErrRequestCancelled.Error()
	}
	return stream.ErrorText(err, "request failed")
}
