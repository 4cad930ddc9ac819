package stream

import (
	"slices"
	"time"

	"github.com/parley-ai/parley/internal/message"
)

// SubagentSpec describes one sub-agent spawned from a conversation stream.
type SubagentSpec struct {
	ID     string
	Name   string
	Model  string
	Prompt string
}

type SubagentState struct {
	Name     string
	Model    string
	Prompt   string
	Content  string
	Status   Status
	ToolUses []message.ToolUse
	Error    string
}

// State is the streaming state of one conversation. Values handed out by the
// registry are copies; mutating them has no effect on the registry.
type State struct {
	ID          string
	IsStreaming bool
	Content     string
	ToolUses    []message.ToolUse
	Error       string

	// Subagents is nil until sub-agents are spawned. PreSubagentContent holds
	// the content streamed before the first batch was started.
	Subagents          map[string]SubagentState
	PreSubagentContent string

	StartedAt time.Time
}

func (s State) clone() State {
	s.ToolUses = slices.Clone(s.ToolUses)
	if s.Subagents != nil {
		subs := make(map[string]SubagentState, len(s.Subagents))
		for id, sub := range s.Subagents {
			sub.ToolUses = slices.Clone(sub.ToolUses)
			subs[id] = sub
		}
		s.Subagents = subs
	}
	return s
}

// HasSubagents reports whether a sub-agent batch is active.
func (s State) HasSubagents() bool {
	return len(s.Subagents) > 0
}
