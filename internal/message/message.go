package message

import (
	"strings"
)

type MessageRole string

const (
	Assistant MessageRole = "assistant"
	User      MessageRole = "user"
	System    MessageRole = "system"
	Tool      MessageRole = "tool"
)

type FinishReason string

const (
	FinishReasonEndTurn   FinishReason = "end_turn"
	FinishReasonMaxTokens FinishReason = "max_tokens"
	FinishReasonToolUse   FinishReason = "tool_use"
	FinishReasonCanceled  FinishReason = "canceled"
	FinishReasonError     FinishReason = "error"

	// Should never happen
	FinishReasonUnknown FinishReason = "unknown"
)

// ToolUse is one tool invocation made while producing a response, together
// with the result fed back to the model.
type ToolUse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Input   string `json:"input"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

type Message struct {
	ID           string
	SessionID    string
	Role         MessageRole
	Content      string
	Model        string
	Provider     string
	Origin       string
	ToolUses     []ToolUse
	FinishReason FinishReason
	Error        string
	CreatedAt    int64
	UpdatedAt    int64
}

// IsFailed reports whether the turn records a failed response.
func (m Message) IsFailed() bool {
	return m.FinishReason == FinishReasonError || m.Error != ""
}

const (
	originCompare  = "compare:"
	originCouncil  = "council:"
	originTask     = "task:"
	chairmanMember = "chairman"

	// OrchestratorOrigin tags acknowledgements and diagnostics written by the
	// background orchestrator.
	OrchestratorOrigin = "orchestrator"
)

// CompareOrigin tags a turn produced by one model of a comparison run.
func CompareOrigin(modelKey string) string { return originCompare + modelKey }

// CouncilOrigin tags a turn produced by one council member.
func CouncilOrigin(modelKey string) string { return originCouncil + modelKey }

// ChairmanOrigin tags the council chairman's synthesis turn.
func ChairmanOrigin() string { return originCouncil + chairmanMember }

// TaskOrigin tags the turn a background task appends when it ends.
func TaskOrigin(taskID string) string { return originTask + taskID }

// TaskID returns the task id encoded in origin, if any.
func TaskID(origin string) (string, bool) {
	return strings.CutPrefix(origin, originTask)
}
