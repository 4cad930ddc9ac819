// Package compare fans one prompt out to several models at once and collects
// their independent responses.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"charm.land/fantasy"
	"github.com/parley-ai/parley/internal/agent/toolloop"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/pubsub"
	"github.com/parley-ai/parley/internal/stream"
)

var (
	ErrNoModels       = errors.New("no models selected for comparison")
	ErrDuplicateModel = errors.New("model selected more than once")
)

type Request struct {
	Prompt        string
	History       []provider.Message
	ModelKeys     []string
	SystemPrompt  string
	Tools         []fantasy.AgentTool
	MaxIterations int
}

// Result is the state of one model in a run. Entries returned by
// StartStreaming are final; entries returned by Snapshot may still change.
type Result struct {
	ModelKey   string
	ProviderID string
	ModelID    string
	Content    string
	Status     stream.Status
	Error      string
	// Canceled is set when the entry ended because of StopAll. Such entries
	// are complete and keep their partial content.
	Canceled  bool
	ToolUses  []message.ToolUse
	SkillUses []string
	Usage     provider.Usage
	Cost      float64
	Truncated bool
}

// Clone returns a copy that shares no slices with r.
func (r Result) Clone() Result {
	r.ToolUses = slices.Clone(r.ToolUses)
	r.SkillUses = slices.Clone(r.SkillUses)
	return r
}

// Event reports a change to one entry of a run.
type Event struct {
	RunID  uint64
	Index  int
	Result Result
}

// Coordinator runs comparisons. Only one run is live at a time; starting a
// new one stops the previous run first.
type Coordinator struct {
	*pubsub.Broker[Event]

	resolver provider.TargetResolver
	metrics  *metrics.Metrics

	startMu sync.Mutex
	mu      sync.Mutex
	current *run
	runs    uint64
}

func New(resolver provider.TargetResolver, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		Broker:   pubsub.NewBroker[Event](),
		resolver: resolver,
		metrics:  m,
	}
}

// Validate checks a list of model keys.
func Validate(keys []string) error {
	if len(keys) == 0 {
		return ErrNoModels
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// StartStreaming sends req to every model concurrently and returns one result
// per model key, in input order, once every model reached a terminal status.
// A failing model only affects its own entry.
func (c *Coordinator) StartStreaming(ctx context.Context, req Request) ([]Result, error) {
	if err := Validate(req.ModelKeys); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := c.begin(req.ModelKeys, cancel)
	defer close(r.done)

	c.metrics.IncrementCustomMetric("compare_runs")
	slog.Info("Starting comparison", "run", r.id, "models", len(req.ModelKeys))

	start := time.Now()
	results := make([]Result, len(req.ModelKeys))
	var wg sync.WaitGroup
	for i, key := range req.ModelKeys {
		wg.Go(func() {
			results[i] = c.runModel(ctx, r, i, key, req)
		})
	}
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Status == stream.StatusError {
			failed++
		}
	}
	slog.Info("Comparison finished", "run", r.id, "models", len(results), "failed", failed, "duration", time.Since(start))
	return results, nil
}

// begin stops the previous run, waits for it to settle and installs a new one.
func (c *Coordinator) begin(keys []string, cancel context.CancelFunc) *run {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()
	if prev != nil {
		prev.stop()
		<-prev.done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	r := newRun(c.runs, keys, cancel, c.Publish)
	c.current = r
	return r
}

// StopAll cancels every in-flight model of the current run. Content gathered
// so far is kept. It is a no-op when nothing is running.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r != nil {
		r.stop()
	}
}

// Running reports whether a run is in flight.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Snapshot returns the entries of the latest run in input order.
func (c *Coordinator) Snapshot() []Result {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.snapshot()
}

func (c *Coordinator) runModel(ctx context.Context, r *run, i int, key string, req Request) Result {
	res := Result{ModelKey: key, Status: stream.StatusPending}

	target, err := c.resolver.Resolve(ctx, key)
	if err != nil {
		return r.finish(i, c.failed(ctx, res, "", err))
	}
	res.ProviderID = target.ProviderID
	res.ModelID = target.ModelID
	res.Status = stream.StatusStreaming
	r.set(i, res)

	// content is only touched by this goroutine; the shared entry gets a copy.
	var content strings.Builder
	messages := append(slices.Clone(req.History), provider.UserMessage(req.Prompt))
	out, err := toolloop.Execute(ctx, target.Provider, target.ModelID, messages, toolloop.Options{
		MaxIterations: req.MaxIterations,
		MaxTokens:     target.MaxTokens(),
		Tools:         req.Tools,
		SystemPrompt:  req.SystemPrompt,
		Metrics:       c.metrics,
		OnChunk: func(text string) {
			content.WriteString(text)
			r.update(i, func(e *Result) { e.Content += text })
		},
		OnToolUse: func(tu message.ToolUse) {
			r.update(i, func(e *Result) { e.ToolUses = append(e.ToolUses, tu) })
		},
	})
	if out != nil {
		res.ToolUses = out.ToolUses
		res.SkillUses = out.SkillUses
		res.Usage = out.Usage
		res.Cost = provider.Cost(target.Model, out.Usage)
		res.Truncated = out.Truncated
	}
	if err != nil {
		return r.finish(i, c.failed(ctx, res, content.String(), err))
	}

	res.Content = out.FinalContent
	res.Status = stream.StatusComplete
	return r.finish(i, res)
}

func (c *Coordinator) failed(ctx context.Context, res Result, partial string, err error) Result {
	res.Content = partial
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		res.Status = stream.StatusComplete
		res.Canceled = true
		return res
	}
	slog.Warn("Comparison model failed", "model", res.ModelKey, "error", err)
	res.Status = stream.StatusError
	res.Error = stream.ErrorText(err, "model call failed")
	return res
}

type run struct {
	id      uint64
	cancel  context.CancelFunc
	done    chan struct{}
	publish func(pubsub.EventType, Event)

	mu      sync.RWMutex
	entries []Result
}

func newRun(id uint64, keys []string, cancel context.CancelFunc, publish func(pubsub.EventType, Event)) *run {
	r := &run{
		id:      id,
		cancel:  cancel,
		done:    make(chan struct{}),
		publish: publish,
		entries: make([]Result, len(keys)),
	}
	for i, key := range keys {
		r.entries[i] = Result{ModelKey: key, Status: stream.StatusPending}
		publish(pubsub.CreatedEvent, Event{RunID: id, Index: i, Result: r.entries[i]})
	}
	return r
}

func (r *run) stop() {
	r.cancel()
}

func (r *run) set(i int, res Result) {
	r.mu.Lock()
	r.entries[i] = res.Clone()
	r.mu.Unlock()
	r.publish(pubsub.UpdatedEvent, Event{RunID: r.id, Index: i, Result: res.Clone()})
}

// update mutates a copy of entry i. Terminal entries are left alone.
func (r *run) update(i int, fn func(*Result)) {
	r.mu.Lock()
	e := r.entries[i].Clone()
	if e.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	fn(&e)
	r.entries[i] = e
	r.mu.Unlock()
	r.publish(pubsub.UpdatedEvent, Event{RunID: r.id, Index: i, Result: e.Clone()})
}

func (r *run) finish(i int, res Result) Result {
	r.set(i, res)
	return res
}

func (r *run) snapshot() []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Result, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Clone()
	}
	return out
}
