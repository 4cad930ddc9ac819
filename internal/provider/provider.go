// Package provider defines the contract the orchestration core needs from a
// model provider and adapts fantasy providers to it.
package provider

import (
	"context"
	"errors"

	"charm.land/fantasy"
)

var (
	// ErrEmptyResponse is returned when a call yields neither content nor
	// tool calls.
	ErrEmptyResponse = errors.New("model returned an empty response")
	// ErrModelNotConfigured is returned when a model key cannot be mapped to
	// an enabled provider and model.
	ErrModelNotConfigured = errors.New("model not configured")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonUnknown   StopReason = "unknown"
)

type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Message is one turn of the conversation sent to a model. Assistant turns
// may carry tool calls; tool turns carry their results.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolDef describes a tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
}

// ToolDefs describes tools to a model.
func ToolDefs(tools []fantasy.AgentTool) []ToolDef {
	defs := make([]ToolDef, 0, len(tools))
	for _, tool := range tools {
		info := tool.Info()
		defs = append(defs, ToolDef{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Parameters,
			Required:    info.Required,
		})
	}
	return defs
}

type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDef
	MaxTokens    int64
}

type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + other.InputTokens,
		OutputTokens:        u.OutputTokens + other.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens + other.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens + other.CacheReadTokens,
	}
}

type Response struct {
	Content    string
	StopReason StopReason
	ToolCalls  []ToolCall
	Usage      Usage
}

// StreamHandler receives incremental output. Callbacks run in order on the
// goroutine that called StreamMessage.
type StreamHandler struct {
	OnChunk   func(text string)
	OnToolUse func(call ToolCall)
}

type Provider interface {
	Name() string
	// SendMessage performs one non-streaming call.
	SendMessage(ctx context.Context, req Request) (*Response, error)
	// StreamMessage performs one streaming call and returns the complete
	// response once the stream ends.
	StreamMessage(ctx context.Context, req Request, h StreamHandler) (*Response, error)
}

// CheckResponse reports ErrEmptyResponse for responses with nothing in them.
func CheckResponse(resp *Response) (*Response, error) {
	if resp == nil || (resp.Content == "" && len(resp.ToolCalls) == 0) {
		return nil, ErrEmptyResponse
	}
	return resp, nil
}
