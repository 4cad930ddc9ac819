// Package background serializes user requests through an orchestrator model
// and runs the work it delegates as concurrent background tasks.
package background

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"charm.land/fantasy"
	"github.com/google/uuid"
	"github.com/parley-ai/parley/internal/agent/toolloop"
	"github.com/parley-ai/parley/internal/agent/tools"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/log"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/pubsub"
	"github.com/parley-ai/parley/internal/stream"
)

const defaultHistoryWindow = 20

var ErrClosed = errors.New("orchestrator is shut down")

// MessageStore is where the orchestrator and its tasks append turns.
type MessageStore interface {
	Create(ctx context.Context, sessionID string, params message.CreateMessageParams) (message.Message, error)
	List(ctx context.Context, sessionID string) ([]message.Message, error)
}

// Settings are read once per dispatch and once per task launch so that
// configuration reloads apply to the next request.
type Settings struct {
	OrchestratorModel string
	// TaskModel defaults to OrchestratorModel.
	TaskModel     string
	HistoryWindow int
	MaxIterations int
}

type Options struct {
	SessionID string
	Resolver  provider.TargetResolver
	Messages  MessageStore
	Settings  func() Settings
	// Tools is the task tool set. The delegate tool is never given to tasks.
	Tools              []fantasy.AgentTool
	OrchestratorPrompt string
	TaskPrompt         string
	Metrics            *metrics.Metrics
}

type EventKind string

const (
	EventQueued           EventKind = "queued"
	EventDispatchStarted  EventKind = "dispatch_started"
	EventDispatchFinished EventKind = "dispatch_finished"
	EventTask             EventKind = "task"
)

type Event struct {
	Kind      EventKind
	SessionID string
	// Text is the queued message for queue and dispatch events.
	Text string
	// Task is set for task events.
	Task Task
}

type queued struct {
	id   string
	text string
}

// Orchestrator owns the message queue of one conversation. Queued messages
// are dispatched strictly one at a time in arrival order; tasks spawned by a
// dispatch run concurrently and never hold up the queue.
type Orchestrator struct {
	*pubsub.Broker[Event]

	opts     Options
	tasks    *taskRegistry
	delegate fantasy.AgentTool

	mu          sync.Mutex
	queue       []queued
	dispatching bool
	closed      bool

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	drainDone chan struct{}
	taskWG    sync.WaitGroup
	// live counts tasks that have not yet committed their final turn.
	live atomic.Int64
}

func New(opts Options) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		Broker:    pubsub.NewBroker[Event](),
		opts:      opts,
		tasks:     newTaskRegistry(),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		drainDone: make(chan struct{}),
	}
	o.delegate = tools.NewDelegateTool(o.launch)
	go o.drain()
	return o
}

func (o *Orchestrator) SessionID() string {
	return o.opts.SessionID
}

// SendMessage appends text to the queue. It never blocks on dispatching.
func (o *Orchestrator) SendMessage(text string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.queue = append(o.queue, queued{id: uuid.NewString(), text: text})
	o.mu.Unlock()

	o.publish(Event{Kind: EventQueued, Text: text})
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// CancelTask aborts a running task and marks it as failed with a
// cancellation reason. Cancelling a finished task does nothing.
func (o *Orchestrator) CancelTask(id string) error {
	_, cancel, ok := o.tasks.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	o.endTask(id, func(t *Task) {
		t.Status = TaskError
		t.Error = cancelledReason
		t.Canceled = true
	})
	cancel()
	return nil
}

func (o *Orchestrator) CancelAllTasks() {
	for _, id := range o.tasks.running() {
		_ = o.CancelTask(id)
	}
}

// Tasks returns every task ordered by start time.
func (o *Orchestrator) Tasks() []Task {
	return o.tasks.list()
}

func (o *Orchestrator) Task(id string) (Task, bool) {
	t, _, ok := o.tasks.get(id)
	return t, ok
}

// Queued returns the messages waiting for dispatch, oldest first.
func (o *Orchestrator) Queued() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	texts := make([]string, len(o.queue))
	for i, q := range o.queue {
		texts[i] = q.text
	}
	return texts
}

func (o *Orchestrator) IsDispatching() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dispatching
}

// Idle reports whether nothing is queued, dispatching or running.
func (o *Orchestrator) Idle() bool {
	o.mu.Lock()
	busy := o.dispatching || len(o.queue) > 0
	o.mu.Unlock()
	return !busy && o.live.Load() == 0
}

// WaitIdle blocks until the orchestrator is idle or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := o.Subscribe(ctx)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if o.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				if o.Idle() {
					return nil
				}
				return ErrClosed
			}
		case <-ticker.C:
		}
	}
}

// Shutdown stops draining, cancels every task and waits for all of them to
// commit their final turn.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.queue = nil
	o.mu.Unlock()

	o.cancel()
	<-o.drainDone
	o.CancelAllTasks()
	o.taskWG.Wait()
	o.Broker.Shutdown()
}

func (o *Orchestrator) drain() {
	defer close(o.drainDone)
	defer log.RecoverPanic("background.drain", nil)

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.wake:
		}
		for {
			item, ok := o.next()
			if !ok {
				break
			}
			o.dispatch(item)
			o.settle(item)
			if o.ctx.Err() != nil {
				return
			}
		}
	}
}

// next pops the head of the queue and marks a dispatch in progress.
func (o *Orchestrator) next() (queued, bool) {
	o.mu.Lock()
	if o.closed || len(o.queue) == 0 {
		o.mu.Unlock()
		return queued{}, false
	}
	item := o.queue[0]
	o.queue = slices.Delete(o.queue, 0, 1)
	o.dispatching = true
	o.mu.Unlock()

	o.publish(Event{Kind: EventDispatchStarted, Text: item.text})
	return item, true
}

func (o *Orchestrator) settle(item queued) {
	o.mu.Lock()
	o.dispatching = false
	o.mu.Unlock()
	o.publish(Event{Kind: EventDispatchFinished, Text: item.text})
}

// dispatch handles one queued message. Every failure is reported as an
// assistant turn; none of them stop the queue.
func (o *Orchestrator) dispatch(item queued) {
	ctx := o.ctx
	commitCtx := context.WithoutCancel(ctx)
	o.opts.Metrics.RecordDispatch()
	slog.Info("Dispatching message", "session_id", o.opts.SessionID, "queued_id", item.id)

	user, _ := o.commit(commitCtx, message.CreateMessageParams{
		Role:    message.User,
		Content: item.text,
	})

	settings := o.settings()
	key := settings.OrchestratorModel
	if key == "" {
		o.diagnose(commitCtx, "", "No orchestrator model is configured. Set models.orchestrator in parley.json to use background mode.")
		return
	}
	target, err := o.opts.Resolver.Resolve(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.diagnose(commitCtx, key, fmt.Sprintf("The orchestrator model %s is unavailable: %s", key, err))
		return
	}

	start := time.Now()
	resp, err := target.Provider.SendMessage(ctx, provider.Request{
		Model:        target.ModelID,
		SystemPrompt: o.opts.OrchestratorPrompt,
		Messages:     o.history(commitCtx, user.ID, item.text, settings.HistoryWindow),
		Tools:        provider.ToolDefs([]fantasy.AgentTool{o.delegate}),
		MaxTokens:    target.MaxTokens(),
	})
	if err == nil {
		resp, err = provider.CheckResponse(resp)
	}
	o.opts.Metrics.RecordRequest(time.Since(start), err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Dispatch failed", "session_id", o.opts.SessionID, "model", key, "error", err)
		o.diagnose(commitCtx, key, "Dispatch failed: "+stream.ErrorText(err, "the orchestrator returned an error"))
		return
	}

	if resp.Content != "" {
		finish := message.FinishReasonEndTurn
		if len(resp.ToolCalls) > 0 {
			finish = message.FinishReasonToolUse
		}
		o.commit(commitCtx, message.CreateMessageParams{
			Role:         message.Assistant,
			Content:      resp.Content,
			Model:        target.ModelID,
			Provider:     target.ProviderID,
			Origin:       message.OrchestratorOrigin,
			FinishReason: finish,
		})
	}

	var failures []string
	for _, call := range resp.ToolCalls {
		if call.Name != tools.DelegateToolName {
			slog.Warn("Orchestrator called an unknown tool", "tool", call.Name)
			failures = append(failures, fmt.Sprintf("unknown tool %q", call.Name))
			continue
		}
		res, err := o.delegate.Run(ctx, fantasy.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input})
		switch {
		case err != nil:
			failures = append(failures, err.Error())
		case res.IsError:
			failures = append(failures, res.Content)
		}
	}
	if len(failures) > 0 {
		o.diagnose(commitCtx, key, "Some tasks could not be started:\n- "+strings.Join(failures, "\n- "))
	}
}

// history returns the most recent window turns ending with the message
// being dispatched.
func (o *Orchestrator) history(ctx context.Context, userID, text string, window int) []provider.Message {
	if window <= 0 {
		window = defaultHistoryWindow
	}
	msgs, err := o.opts.Messages.List(ctx, o.opts.SessionID)
	if err != nil {
		slog.Error("Failed to load history", "session_id", o.opts.SessionID, "error", err)
	}

	var out []provider.Message
	for _, m := range msgs {
		if m.ID == userID || m.Content == "" || m.IsFailed() {
			continue
		}
		switch m.Role {
		case message.User:
			out = append(out, provider.UserMessage(m.Content))
		case message.Assistant:
			out = append(out, provider.AssistantMessage(m.Content))
		}
	}
	out = append(out, provider.UserMessage(text))
	if len(out) > window {
		out = out[len(out)-window:]
	}
	return out
}

// launch starts a task. It is only reached from dispatch, on the drain
// goroutine.
func (o *Orchestrator) launch(_ context.Context, name, prompt string) (string, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	settings := o.settings()
	t := Task{
		ID:        uuid.NewString(),
		Name:      name,
		Prompt:    prompt,
		ModelKey:  cmp.Or(settings.TaskModel, settings.OrchestratorModel),
		Status:    TaskRunning,
		StartedAt: time.Now(),
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.tasks.add(t, cancel)
	o.opts.Metrics.RecordTaskLaunched()
	o.publish(Event{Kind: EventTask, Task: t.clone()})
	slog.Info("Launched background task", "session_id", o.opts.SessionID, "task_id", t.ID, "name", name, "model", t.ModelKey)

	o.live.Add(1)
	o.taskWG.Go(func() {
		defer o.live.Add(-1)
		o.runTask(ctx, t, settings)
	})
	return t.ID, nil
}

func (o *Orchestrator) runTask(ctx context.Context, t Task, settings Settings) {
	defer log.RecoverPanic("background.task", func() {
		o.endTask(t.ID, func(task *Task) {
			task.Status = TaskError
			task.Error = "task crashed"
		})
	})

	var out *toolloop.Result
	target, err := o.opts.Resolver.Resolve(ctx, t.ModelKey)
	if err == nil {
		out, err = toolloop.Execute(ctx, target.Provider, target.ModelID, []provider.Message{provider.UserMessage(t.Prompt)}, toolloop.Options{
			MaxIterations: settings.MaxIterations,
			MaxTokens:     target.MaxTokens(),
			Tools:         tools.Without(o.opts.Tools, tools.DelegateToolName),
			SystemPrompt:  o.opts.TaskPrompt,
			Metrics:       o.opts.Metrics,
			OnChunk: func(text string) {
				o.updateTask(t.ID, func(task *Task) { task.Content += text })
			},
			OnToolUse: func(tu message.ToolUse) {
				o.updateTask(t.ID, func(task *Task) { task.ToolUses = append(task.ToolUses, tu) })
			},
		})
	}

	o.endTask(t.ID, func(task *Task) {
		switch {
		case err == nil:
			task.Status = TaskCompleted
			task.Content = out.FinalContent
			task.ToolUses = out.ToolUses
		case ctx.Err() != nil && errors.Is(err, context.Canceled):
			task.Status = TaskError
			task.Error = cancelledReason
			task.Canceled = true
		default:
			slog.Warn("Background task failed", "task_id", t.ID, "error", err)
			task.Status = TaskError
			task.Error = stream.ErrorText(err, "task failed")
		}
	})

	final, cancel, ok := o.tasks.get(t.ID)
	if !ok {
		return
	}
	cancel()
	o.commitTask(final)
}

// commitTask appends the single turn a task produces when it ends.
func (o *Orchestrator) commitTask(t Task) {
	providerID, modelID, _ := config.ParseModelKey(t.ModelKey)
	params := message.CreateMessageParams{
		Role:     message.Assistant,
		Content:  t.Content,
		Model:    modelID,
		Provider: providerID,
		Origin:   message.TaskOrigin(t.ID),
		ToolUses: t.ToolUses,
	}
	switch {
	case t.Status == TaskCompleted:
		params.FinishReason = message.FinishReasonEndTurn
	case t.Canceled:
		params.FinishReason = message.FinishReasonCanceled
	default:
		params.FinishReason = message.FinishReasonError
		params.Error = t.Error
	}
	o.commit(context.WithoutCancel(o.ctx), params)
}

func (o *Orchestrator) updateTask(id string, fn func(*Task)) {
	if t, ok := o.tasks.update(id, fn); ok {
		o.publish(Event{Kind: EventTask, Task: t})
	}
}

// endTask moves a running task to a terminal status. Later calls for the
// same task do nothing.
func (o *Orchestrator) endTask(id string, fn func(*Task)) {
	t, ok := o.tasks.update(id, func(t *Task) {
		fn(t)
		t.CompletedAt = time.Now()
	})
	if !ok {
		return
	}
	o.opts.Metrics.RecordTaskEnded(t.Canceled, t.Status == TaskError)
	slog.Info("Background task ended", "task_id", id, "status", t.Status, "canceled", t.Canceled)
	o.publish(Event{Kind: EventTask, Task: t})
}

func (o *Orchestrator) diagnose(ctx context.Context, modelKey, text string) {
	providerID, modelID, _ := config.ParseModelKey(modelKey)
	o.commit(ctx, message.CreateMessageParams{
		Role:         message.Assistant,
		Content:      text,
		Model:        modelID,
		Provider:     providerID,
		Origin:       message.OrchestratorOrigin,
		FinishReason: message.FinishReasonError,
		Error:        text,
	})
}

// commit appends a turn. Failures are logged and otherwise ignored.
func (o *Orchestrator) commit(ctx context.Context, params message.CreateMessageParams) (message.Message, bool) {
	msg, err := o.opts.Messages.Create(ctx, o.opts.SessionID, params)
	o.opts.Metrics.RecordCommit(err == nil)
	if err != nil {
		slog.Error("Failed to commit message", "session_id", o.opts.SessionID, "role", params.Role, "origin", params.Origin, "error", err)
		return message.Message{}, false
	}
	return msg, true
}

func (o *Orchestrator) settings() Settings {
	if o.opts.Settings == nil {
		return Settings{}
	}
	return o.opts.Settings()
}

func (o *Orchestrator) publish(ev Event) {
	ev.SessionID = o.opts.SessionID
	o.Publish(pubsub.UpdatedEvent, ev)
}
