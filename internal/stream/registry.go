package stream

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/internal/csync"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/pubsub"
)

const defaultFailure = "stream failed"

// Event is published whenever the state of a conversation stream changes.
// Deleted events carry the last known state.
type Event struct {
	ID    string
	State State
}

type entry struct {
	state  State
	cancel context.CancelFunc
	gen    uint64
}

// Registry holds the streaming state of every conversation and owns the
// cancellation of their streams. At most one stream is live per id.
//
// Every mutator is a no-op when no state exists for the id, so callbacks
// arriving after a stream was stopped or cleared are dropped.
type Registry struct {
	*pubsub.Broker[Event]

	entries *csync.VersionedMap[string, entry]
	unread  *csync.Map[string, struct{}]
	gens    atomic.Uint64
	metrics *metrics.Metrics
}

func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		Broker:  pubsub.NewBroker[Event](),
		entries: csync.NewVersionedMap[string, entry](),
		unread:  csync.NewMap[string, struct{}](),
		metrics: m,
	}
}

// StartStreaming cancels and replaces any stream for id and returns a handle
// for the new one. The handle's context is derived from ctx.
func (r *Registry) StartStreaming(ctx context.Context, id string) *Handle {
	gen := r.gens.Add(1)
	sctx, cancel := context.WithCancel(ctx)
	e := entry{
		state: State{
			ID:          id,
			IsStreaming: true,
			StartedAt:   time.Now(),
		},
		cancel: cancel,
		gen:    gen,
	}

	old, replaced := r.entries.Swap(id, e)
	if replaced {
		old.cancel()
		if old.state.IsStreaming {
			r.metrics.RecordStreamEnded(true, false)
		}
		slog.Debug("Superseded stream", "id", id)
	}
	r.unread.Del(id)
	r.metrics.RecordStreamStarted()
	r.Publish(pubsub.CreatedEvent, Event{ID: id, State: e.state.clone()})

	return &Handle{r: r, id: id, gen: gen, ctx: sctx, cancel: cancel}
}

// UpdateStreamingContent appends chunk to the content of id.
func (r *Registry) UpdateStreamingContent(id, chunk string) {
	r.mutate(id, 0, func(s *State) bool {
		s.Content += chunk
		return true
	})
}

func (r *Registry) AddToolUse(id string, tu message.ToolUse) {
	r.mutate(id, 0, func(s *State) bool {
		s.ToolUses = append(s.ToolUses, tu)
		return true
	})
}

// StopStreaming aborts the stream for id and discards its state. Stopping an
// unknown id is a no-op.
func (r *Registry) StopStreaming(id string) {
	r.remove(id, 0, true)
}

// CompleteStreaming marks the stream for id as finished while keeping its
// content until ClearStreamingContent is called. When the conversation is not
// being viewed it is marked unread.
func (r *Registry) CompleteStreaming(id string, isCurrentlyViewed bool) {
	r.complete(id, 0, isCurrentlyViewed)
}

// FailStreaming ends the stream for id with an error. Content is kept.
func (r *Registry) FailStreaming(id string, err error) {
	r.fail(id, 0, err)
}

// ClearStreamingContent removes all state for id, typically once the final
// turn has been committed to the conversation.
func (r *Registry) ClearStreamingContent(id string) {
	r.remove(id, 0, false)
}

// StartSubagents registers a batch of sub-agents under id. The content
// streamed so far is captured the first time a batch is started.
func (r *Registry) StartSubagents(id string, specs []SubagentSpec) {
	r.startSubagents(id, 0, specs)
}

func (r *Registry) UpdateSubagentContent(id, subID, chunk string) {
	r.updateSubagent(id, 0, subID, func(sub *SubagentState) {
		sub.Content += chunk
	})
}

func (r *Registry) AddSubagentToolUse(id, subID string, tu message.ToolUse) {
	r.updateSubagent(id, 0, subID, func(sub *SubagentState) {
		sub.ToolUses = append(sub.ToolUses, tu)
	})
}

// CompleteSubagent moves a sub-agent to a terminal status; a nil err means
// success.
func (r *Registry) CompleteSubagent(id, subID string, err error) {
	r.completeSubagent(id, 0, subID, err)
}

func (r *Registry) ClearSubagents(id string) {
	r.mutate(id, 0, func(s *State) bool {
		if s.Subagents == nil {
			return false
		}
		s.Subagents = nil
		s.PreSubagentContent = ""
		return true
	})
}

// Get returns a copy of the state for id.
func (r *Registry) Get(id string) (State, bool) {
	e, ok := r.entries.Get(id)
	if !ok {
		return State{}, false
	}
	return e.state.clone(), true
}

func (r *Registry) IsStreaming(id string) bool {
	e, ok := r.entries.Get(id)
	return ok && e.state.IsStreaming
}

// Streaming returns the sorted ids of every live stream.
func (r *Registry) Streaming() []string {
	var ids []string
	for id, e := range r.entries.Seq2() {
		if e.state.IsStreaming {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// States returns a copy of every entry ordered by start time.
func (r *Registry) States() []State {
	var states []State
	for _, e := range r.entries.Seq2() {
		states = append(states, e.state.clone())
	}
	slices.SortFunc(states, func(a, b State) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return states
}

// Version changes every time any stream changes.
func (r *Registry) Version() uint64 {
	return r.entries.Version()
}

func (r *Registry) MarkRead(id string) {
	r.unread.Del(id)
}

func (r *Registry) IsUnread(id string) bool {
	_, ok := r.unread.Get(id)
	return ok
}

func (r *Registry) Unread() []string {
	var ids []string
	for id := range r.unread.Seq2() {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// StopAll aborts every stream.
func (r *Registry) StopAll() {
	for id := range r.entries.Seq2() {
		r.StopStreaming(id)
	}
}

// mutate applies fn to a copy of the state for id and stores it when fn
// reports a change. A non-zero gen restricts the change to that stream.
func (r *Registry) mutate(id string, gen uint64, fn func(*State) bool) bool {
	var updated State
	ok := r.entries.UpdateFunc(id, func(e entry) (entry, bool) {
		if gen != 0 && e.gen != gen {
			return e, false
		}
		s := e.state.clone()
		if !fn(&s) {
			return e, false
		}
		e.state = s
		updated = s.clone()
		return e, true
	})
	if ok {
		r.Publish(pubsub.UpdatedEvent, Event{ID: id, State: updated})
	}
	return ok
}

func (r *Registry) remove(id string, gen uint64, cancelled bool) bool {
	e, ok := r.entries.TakeFunc(id, func(e entry) bool {
		return gen == 0 || e.gen == gen
	})
	if !ok {
		return false
	}
	e.cancel()
	if e.state.IsStreaming {
		r.metrics.RecordStreamEnded(true, false)
	}
	if cancelled {
		slog.Debug("Stopped stream", "id", id)
	}
	r.Publish(pubsub.DeletedEvent, Event{ID: id, State: e.state.clone()})
	return true
}

func (r *Registry) complete(id string, gen uint64, viewed bool) {
	ok := r.mutate(id, gen, func(s *State) bool {
		if !s.IsStreaming {
			return false
		}
		s.IsStreaming = false
		return true
	})
	if !ok {
		return
	}
	r.metrics.RecordStreamEnded(false, false)
	if !viewed {
		r.unread.Set(id, struct{}{})
	}
}

func (r *Registry) fail(id string, gen uint64, err error) {
	ok := r.mutate(id, gen, func(s *State) bool {
		if !s.IsStreaming {
			return false
		}
		s.IsStreaming = false
		s.Error = ErrorText(err, defaultFailure)
		return true
	})
	if ok {
		r.metrics.RecordStreamEnded(false, true)
	}
}

func (r *Registry) startSubagents(id string, gen uint64, specs []SubagentSpec) {
	r.mutate(id, gen, func(s *State) bool {
		if len(specs) == 0 {
			return false
		}
		if s.Subagents == nil {
			s.Subagents = make(map[string]SubagentState, len(specs))
			s.PreSubagentContent = s.Content
		}
		for _, spec := range specs {
			s.Subagents[spec.ID] = SubagentState{
				Name:   spec.Name,
				Model:  spec.Model,
				Prompt: spec.Prompt,
				Status: StatusPending,
			}
		}
		return true
	})
}

func (r *Registry) updateSubagent(id string, gen uint64, subID string, fn func(*SubagentState)) {
	r.mutate(id, gen, func(s *State) bool {
		sub, ok := s.Subagents[subID]
		if !ok || sub.Status.IsTerminal() {
			return false
		}
		sub.Status = StatusStreaming
		fn(&sub)
		s.Subagents[subID] = sub
		return true
	})
}

func (r *Registry) completeSubagent(id string, gen uint64, subID string, err error) {
	r.mutate(id, gen, func(s *State) bool {
		sub, ok := s.Subagents[subID]
		if !ok || sub.Status.IsTerminal() {
			return false
		}
		if err != nil {
			sub.Status = StatusError
			sub.Error = ErrorText(err, "sub-agent failed")
		} else {
			sub.Status = StatusComplete
		}
		s.Subagents[subID] = sub
		return true
	})
}
