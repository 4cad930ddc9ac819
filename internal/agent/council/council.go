// Package council runs two-phase deliberation: several members answer a
// prompt independently, then a chairman model synthesizes their answers.
package council

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
	"github.com/parley-ai/parley/internal/agent/compare"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/pubsub"
	"github.com/parley-ai/parley/internal/stream"
)

const MinMembers = 2

var (
	ErrNotEnoughMembers = fmt.Errorf("a council needs at least %d members", MinMembers)
	ErrNoChairman       = errors.New("no chairman model configured")
)

type Request struct {
	Prompt        string
	History       []provider.Message
	Members       []string
	Chairman      string
	SystemPrompt  string
	Tools         []fantasy.AgentTool
	MaxIterations int

	// ChairmanSystemPrompt replaces the built-in chairman instructions.
	ChairmanSystemPrompt string
}

// Result is the state of a council run.
type Result struct {
	RunID           uint64
	Phase           Phase
	Prompt          string
	Members         []compare.Result
	Chairman        compare.Result
	SynthesisPrompt string
}

// Stopped reports whether the run was stopped before synthesis.
func (r Result) Stopped() bool {
	return r.RunID > 0 && r.Phase == PhaseIdle
}

func (r Result) clone() Result {
	members := make([]compare.Result, len(r.Members))
	for i, m := range r.Members {
		members[i] = m.Clone()
	}
	r.Members = members
	r.Chairman = r.Chairman.Clone()
	return r
}

// Coordinator runs one council at a time. Every state change is published
// as a Result snapshot.
type Coordinator struct {
	*pubsub.Broker[Result]

	resolver provider.TargetResolver
	metrics  *metrics.Metrics
	members  *compare.Coordinator

	startMu     sync.Mutex
	mu          sync.Mutex
	state       Result
	runs        uint64
	stopped     bool
	cancelRun   context.CancelFunc
	cancelChair context.CancelFunc
	done        chan struct{}
}

func New(resolver provider.TargetResolver, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		Broker:   pubsub.NewBroker[Result](),
		resolver: resolver,
		metrics:  m,
		members:  compare.New(resolver, m),
		state:    Result{Phase: PhaseIdle},
	}
}

// StartCouncilStreaming runs a full council and returns its final state.
//
// A run stopped during the individual phase returns in PhaseIdle without a
// chairman call. Otherwise the run ends in PhaseComplete, with the chairman
// entry in error when synthesis failed.
func (c *Coordinator) StartCouncilStreaming(ctx context.Context, req Request) (*Result, error) {
	if len(req.Members) < MinMembers {
		return nil, ErrNotEnoughMembers
	}
	if req.Chairman == "" {
		return nil, ErrNoChairman
	}
	if err := compare.Validate(req.Members); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done, err := c.begin(req, cancel)
	if err != nil {
		return nil, err
	}
	defer close(done)

	c.metrics.IncrementCustomMetric("council_runs")
	slog.Info("Starting council", "members", len(req.Members), "chairman", req.Chairman)

	memberEvents := c.members.Subscribe(ctx)
	go c.mirrorMembers(memberEvents)

	members, err := c.members.StartStreaming(ctx, compare.Request{
		Prompt:        req.Prompt,
		History:       req.History,
		ModelKeys:     req.Members,
		SystemPrompt:  req.SystemPrompt,
		Tools:         req.Tools,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		c.reset()
		return nil, err
	}

	chairCtx, chairCancel := context.WithCancel(ctx)
	defer chairCancel()
	proceed, err := c.enterSynthesis(ctx, members, chairCancel)
	if err != nil {
		return nil, err
	}
	if !proceed {
		slog.Info("Council stopped before synthesis")
		res := c.Snapshot()
		return &res, nil
	}

	chairman := c.synthesize(chairCtx, req, members)
	res, err := c.finish(chairman)
	if err != nil {
		return nil, err
	}
	slog.Info("Council finished", "chairman_status", res.Chairman.Status, "canceled", res.Chairman.Canceled)
	return &res, nil
}

// StopAll stops the current run. During the individual phase every member is
// cancelled and synthesis never starts. During synthesis only the chairman is
// cancelled. Otherwise it does nothing.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseIndividual:
		c.stopped = true
		cancelRun := c.cancelRun
		c.mu.Unlock()
		// The members may not have started yet; cancelling the run context
		// covers them either way.
		if cancelRun != nil {
			cancelRun()
		}
		c.members.StopAll()
		return
	case PhaseSynthesis:
		if c.cancelChair != nil {
			c.cancelChair()
		}
	}
	c.mu.Unlock()
}

// Snapshot returns a copy of the current or latest run.
func (c *Coordinator) Snapshot() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

// Running reports whether a run is in flight.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Shutdown releases subscribers of the council and its members.
func (c *Coordinator) Shutdown() {
	c.members.Shutdown()
	c.Broker.Shutdown()
}

// begin stops any previous run and starts a new one in the individual phase.
func (c *Coordinator) begin(req Request, cancelRun context.CancelFunc) (chan struct{}, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	prev := c.done
	c.mu.Unlock()
	if prev != nil {
		c.StopAll()
		<-prev
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	c.state = Result{
		RunID:    c.runs,
		Phase:    PhaseIdle,
		Prompt:   req.Prompt,
		Members:  make([]compare.Result, len(req.Members)),
		Chairman: compare.Result{ModelKey: req.Chairman, Status: stream.StatusPending},
	}
	for i, key := range req.Members {
		c.state.Members[i] = compare.Result{ModelKey: key, Status: stream.StatusPending}
	}
	c.stopped = false
	c.cancelRun = cancelRun
	c.cancelChair = nil
	c.done = make(chan struct{})
	if err := c.transition(PhaseIndividual); err != nil {
		return nil, err
	}
	return c.done, nil
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Phase = PhaseIdle
	c.publishLocked()
}

// mirrorMembers copies live member updates into the run while it is in the
// individual phase.
func (c *Coordinator) mirrorMembers(events <-chan pubsub.Event[compare.Event]) {
	for ev := range events {
		c.mu.Lock()
		i := ev.Payload.Index
		if c.state.Phase == PhaseIndividual && i < len(c.state.Members) && !c.state.Members[i].Status.IsTerminal() {
			c.state.Members[i] = ev.Payload.Result.Clone()
			c.publishLocked()
		}
		c.mu.Unlock()
	}
}

// enterSynthesis records the members' final results and moves to synthesis
// unless the run was stopped. It reports whether the chairman should run.
func (c *Coordinator) enterSynthesis(ctx context.Context, members []compare.Result, cancelChair context.CancelFunc) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Members = make([]compare.Result, len(members))
	for i, m := range members {
		c.state.Members[i] = m.Clone()
	}

	if c.stopped || ctx.Err() != nil {
		c.state.Phase = PhaseIdle
		c.publishLocked()
		return false, nil
	}

	if i := slices.IndexFunc(members, func(m compare.Result) bool { return !m.Status.IsTerminal() }); i >= 0 {
		c.state.Phase = PhaseIdle
		c.publishLocked()
		return false, fmt.Errorf("%w: member %s is still %s", ErrInvalidTransition, members[i].ModelKey, members[i].Status)
	}
	if err := c.transition(PhaseSynthesis); err != nil {
		return false, err
	}
	c.cancelChair = cancelChair
	return true, nil
}

// synthesize makes the single chairman call.
func (c *Coordinator) synthesize(ctx context.Context, req Request, members []compare.Result) compare.Result {
	chairman := compare.Result{ModelKey: req.Chairman, Status: stream.StatusPending}

	prompt, err := BuildSynthesisPrompt(req.Prompt, members)
	if err != nil {
		return chairmanFailed(ctx, chairman, "", err)
	}
	c.updateSynthesis(func(s *Result) { s.SynthesisPrompt = prompt })

	target, err := c.resolver.Resolve(ctx, req.Chairman)
	if err != nil {
		return chairmanFailed(ctx, chairman, "", err)
	}
	chairman.ProviderID = target.ProviderID
	chairman.ModelID = target.ModelID
	chairman.Status = stream.StatusStreaming
	c.updateSynthesis(func(s *Result) { s.Chairman = chairman })

	system := req.ChairmanSystemPrompt
	if system == "" {
		system = chairmanSystemPrompt
	}

	var content strings.Builder
	start := time.Now()
	resp, err := target.Provider.StreamMessage(ctx, provider.Request{
		Model:        target.ModelID,
		SystemPrompt: system,
		Messages:     append(slices.Clone(req.History), provider.UserMessage(prompt)),
		MaxTokens:    target.MaxTokens(),
	}, provider.StreamHandler{
		OnChunk: func(text string) {
			content.WriteString(text)
			c.updateSynthesis(func(s *Result) { s.Chairman.Content += text })
		},
	})
	if err == nil {
		resp, err = provider.CheckResponse(resp)
	}
	c.metrics.RecordRequest(time.Since(start), err == nil)
	if err != nil {
		return chairmanFailed(ctx, chairman, content.String(), err)
	}

	chairman.Content = resp.Content
	chairman.Status = stream.StatusComplete
	chairman.Usage = resp.Usage
	chairman.Cost = provider.Cost(target.Model, resp.Usage)
	return chairman
}

func chairmanFailed(ctx context.Context, chairman compare.Result, partial string, err error) compare.Result {
	chairman.Content = partial
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		chairman.Status = stream.StatusComplete
		chairman.Canceled = true
		return chairman
	}
	slog.Warn("Council chairman failed", "model", chairman.ModelKey, "error", err)
	chairman.Status = stream.StatusError
	chairman.Error = stream.ErrorText(err, "chairman call failed")
	return chairman
}

func (c *Coordinator) finish(chairman compare.Result) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Chairman = chairman.Clone()
	c.cancelChair = nil
	if err := c.transition(PhaseComplete); err != nil {
		return Result{}, err
	}
	return c.state.clone(), nil
}

// updateSynthesis applies fn to the run state while it is in synthesis.
func (c *Coordinator) updateSynthesis(fn func(*Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseSynthesis {
		return
	}
	fn(&c.state)
	c.publishLocked()
}

// transition must be called with mu held.
func (c *Coordinator) transition(to Phase) error {
	if err := advance(c.state.Phase, to); err != nil {
		return err
	}
	slog.Debug("Council phase", "run", c.state.RunID, "from", c.state.Phase, "to", to)
	c.state.Phase = to
	c.publishLocked()
	return nil
}

func (c *Coordinator) publishLocked() {
	c.Publish(pubsub.UpdatedEvent, c.state.clone())
}
