package provider

import (
	"context"
	"errors"
	"strings"

	"charm.land/fantasy"
	"github.com/parley-ai/parley/internal/csync"
)

type fantasyProvider struct {
	id       string
	provider fantasy.Provider
	models   *csync.Map[string, fantasy.LanguageModel]
}

// FromFantasy adapts a fantasy provider registered under id.
func FromFantasy(id string, p fantasy.Provider) Provider {
	return &fantasyProvider{
		id:       id,
		provider: p,
		models:   csync.NewMap[string, fantasy.LanguageModel](),
	}
}

func (p *fantasyProvider) Name() string {
	return p.id
}

func (p *fantasyProvider) languageModel(ctx context.Context, modelID string) (fantasy.LanguageModel, error) {
	if model, ok := p.models.Get(modelID); ok {
		return model, nil
	}
	model, err := p.provider.LanguageModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	p.models.Set(modelID, model)
	return model, nil
}

func (p *fantasyProvider) SendMessage(ctx context.Context, req Request) (*Response, error) {
	model, err := p.languageModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	resp, err := model.Generate(ctx, toCall(req))
	if err != nil {
		return nil, err
	}

	out := &Response{
		Content:    resp.Content.Text(),
		StopReason: toStopReason(resp.FinishReason),
		Usage:      toUsage(resp.Usage),
	}
	for _, tc := range resp.Content.ToolCalls() {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    tc.ToolCallID,
			Name:  tc.ToolName,
			Input: tc.Input,
		})
	}
	return CheckResponse(out)
}

func (p *fantasyProvider) StreamMessage(ctx context.Context, req Request, h StreamHandler) (*Response, error) {
	model, err := p.languageModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	stream, err := model.Stream(ctx, toCall(req))
	if err != nil {
		return nil, err
	}

	var (
		content strings.Builder
		out     Response
	)
	for part := range stream {
		switch part.Type {
		case fantasy.StreamPartTypeTextDelta:
			content.WriteString(part.Delta)
			if h.OnChunk != nil {
				h.OnChunk(part.Delta)
			}
		case fantasy.StreamPartTypeToolCall:
			call := ToolCall{
				ID:    part.ID,
				Name:  part.ToolCallName,
				Input: part.ToolCallInput,
			}
			out.ToolCalls = append(out.ToolCalls, call)
			if h.OnToolUse != nil {
				h.OnToolUse(call)
			}
		case fantasy.StreamPartTypeFinish:
			out.StopReason = toStopReason(part.FinishReason)
			out.Usage = toUsage(part.Usage)
		case fantasy.StreamPartTypeError:
			// A cancelled request surfaces as a transport error part.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if part.Error != nil {
				return nil, part.Error
			}
			return nil, errors.New("stream failed without an error message")
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out.Content = content.String()
	return CheckResponse(&out)
}

func toCall(req Request) fantasy.Call {
	call := fantasy.Call{
		Prompt: toPrompt(req.SystemPrompt, req.Messages),
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		call.MaxOutputTokens = &maxTokens
	}
	for _, def := range req.Tools {
		call.Tools = append(call.Tools, fantasy.FunctionTool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: inputSchema(def),
		})
	}
	return call
}

func inputSchema(def ToolDef) map[string]any {
	required := def.Required
	if required == nil {
		required = []string{}
	}
	properties := def.Parameters
	if properties == nil {
		properties = map[string]any{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func toPrompt(systemPrompt string, msgs []Message) fantasy.Prompt {
	var prompt fantasy.Prompt
	if systemPrompt != "" {
		prompt = append(prompt, fantasy.Message{
			Role:    fantasy.MessageRoleSystem,
			Content: []fantasy.MessagePart{fantasy.TextPart{Text: systemPrompt}},
		})
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			text := strings.TrimSpace(m.Content)
			if text == "" {
				continue
			}
			prompt = append(prompt, fantasy.Message{
				Role:    fantasy.MessageRoleUser,
				Content: []fantasy.MessagePart{fantasy.TextPart{Text: text}},
			})
		case RoleAssistant:
			var parts []fantasy.MessagePart
			if text := strings.TrimSpace(m.Content); text != "" {
				parts = append(parts, fantasy.TextPart{Text: text})
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, fantasy.ToolCallPart{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Input:      call.Input,
				})
			}
			// Assistant turns without content (cancelled before anything
			// arrived) are skipped.
			if len(parts) == 0 {
				continue
			}
			prompt = append(prompt, fantasy.Message{
				Role:    fantasy.MessageRoleAssistant,
				Content: parts,
			})
		case RoleTool:
			var parts []fantasy.MessagePart
			for _, result := range m.ToolResults {
				var output fantasy.ToolResultOutputContent
				if result.IsError {
					output = fantasy.ToolResultOutputContentError{Error: errors.New(result.Content)}
				} else {
					output = fantasy.ToolResultOutputContentText{Text: result.Content}
				}
				parts = append(parts, fantasy.ToolResultPart{
					ToolCallID: result.ToolCallID,
					Output:     output,
				})
			}
			if len(parts) == 0 {
				continue
			}
			prompt = append(prompt, fantasy.Message{
				Role:    fantasy.MessageRoleTool,
				Content: parts,
			})
		}
	}
	return prompt
}

func toStopReason(reason fantasy.FinishReason) StopReason {
	switch reason {
	case fantasy.FinishReasonLength:
		return StopReasonMaxTokens
	case fantasy.FinishReasonStop:
		return StopReasonEndTurn
	case fantasy.FinishReasonToolCalls:
		return StopReasonToolUse
	default:
		return StopReasonUnknown
	}
}

func toUsage(u fantasy.Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
	}
}
