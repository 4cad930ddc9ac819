package stream

import (
	"context"

	"github.com/parley-ai/parley/internal/message"
)

// Handle is the producer side of one stream. Once the stream has been
// superseded by a newer StartStreaming for the same id, or stopped, every
// mutator on the handle is a no-op.
type Handle struct {
	r      *Registry
	id     string
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the stream is stopped, superseded or cleared.
func (h *Handle) Context() context.Context { return h.ctx }

func (h *Handle) ID() string { return h.id }

// Active reports whether the registry still holds this stream.
func (h *Handle) Active() bool {
	e, ok := h.r.entries.Get(h.id)
	return ok && e.gen == h.gen
}

func (h *Handle) UpdateContent(chunk string) {
	h.r.mutate(h.id, h.gen, func(s *State) bool {
		s.Content += chunk
		return true
	})
}

func (h *Handle) AddToolUse(tu message.ToolUse) {
	h.r.mutate(h.id, h.gen, func(s *State) bool {
		s.ToolUses = append(s.ToolUses, tu)
		return true
	})
}

func (h *Handle) Complete(isCurrentlyViewed bool) {
	h.r.complete(h.id, h.gen, isCurrentlyViewed)
}

func (h *Handle) Fail(err error) {
	h.r.fail(h.id, h.gen, err)
}

// Clear removes the stream's state if it is still the live one.
func (h *Handle) Clear() {
	h.r.remove(h.id, h.gen, false)
	h.cancel()
}

// Stop aborts the stream. It is safe to call more than once.
func (h *Handle) Stop() {
	h.r.remove(h.id, h.gen, true)
	h.cancel()
}

func (h *Handle) StartSubagents(specs []SubagentSpec) {
	h.r.startSubagents(h.id, h.gen, specs)
}

func (h *Handle) UpdateSubagentContent(subID, chunk string) {
	h.r.updateSubagent(h.id, h.gen, subID, func(sub *SubagentState) {
		sub.Content += chunk
	})
}

func (h *Handle) AddSubagentToolUse(subID string, tu message.ToolUse) {
	h.r.updateSubagent(h.id, h.gen, subID, func(sub *SubagentState) {
		sub.ToolUses = append(sub.ToolUses, tu)
	})
}

func (h *Handle) CompleteSubagent(subID string, err error) {
	h.r.completeSubagent(h.id, h.gen, subID, err)
}
