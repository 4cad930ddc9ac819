// Package toolloop runs the call and response cycle between a model and a
// fixed set of tools until the model stops asking for tools.
package toolloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"charm.land/fantasy"
	"github.com/charmbracelet/x/exp/ordered"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
)

const (
	DefaultMaxIterations = 20
	MaxIterationsLimit   = 50

	iterationSeparator = "\n\n"
)

// ErrMaxIterations is reported by Result.Err when the model was still asking
// for tools after the last allowed iteration.
var ErrMaxIterations = errors.New("tool loop reached its iteration limit")

type Options struct {
	// MaxIterations bounds the number of model calls. Zero means
	// DefaultMaxIterations; values are clamped to [1, MaxIterationsLimit].
	MaxIterations int
	MaxTokens     int64
	Tools         []fantasy.AgentTool
	SystemPrompt  string

	// OnChunk enables streaming calls and receives text as it arrives.
	OnChunk func(text string)
	// OnToolUse is called after each tool has run, with its output.
	OnToolUse func(tu message.ToolUse)

	Metrics *metrics.Metrics
}

type Result struct {
	FinalContent string
	ToolUses     []message.ToolUse
	// SkillUses lists each distinct tool name in order of first use.
	SkillUses  []string
	Iterations int
	Truncated  bool
	StopReason provider.StopReason
	Usage      provider.Usage
}

// Err returns ErrMaxIterations for truncated results.
func (r *Result) Err() error {
	if r != nil && r.Truncated {
		return ErrMaxIterations
	}
	return nil
}

// MaxIterations returns n clamped to the allowed range.
func MaxIterations(n int) int {
	if n == 0 {
		return DefaultMaxIterations
	}
	return ordered.Clamp(n, 1, MaxIterationsLimit)
}

// Execute runs the loop. On error the returned result still holds everything
// gathered before the failing call.
func Execute(ctx context.Context, p provider.Provider, model string, messages []provider.Message, opts Options) (*Result, error) {
	maxIter := MaxIterations(opts.MaxIterations)
	tools := make(map[string]fantasy.AgentTool, len(opts.Tools))
	for _, tool := range opts.Tools {
		tools[tool.Info().Name] = tool
	}

	history := slices.Clone(messages)
	result := &Result{}
	var parts []string

	for i := range maxIter {
		if err := ctx.Err(); err != nil {
			return finish(result, parts), err
		}
		result.Iterations = i + 1

		req := provider.Request{
			Model:        model,
			SystemPrompt: opts.SystemPrompt,
			Messages:     history,
			Tools:        provider.ToolDefs(opts.Tools),
			MaxTokens:    opts.MaxTokens,
		}
		resp, err := call(ctx, p, req, opts, len(parts) > 0)
		if err != nil {
			return finish(result, parts), err
		}

		result.Usage = result.Usage.Add(resp.Usage)
		result.StopReason = resp.StopReason
		if resp.Content != "" {
			parts = append(parts, resp.Content)
		}
		if len(resp.ToolCalls) == 0 {
			return finish(result, parts), nil
		}

		slog.Debug("Running tools", "model", model, "iteration", result.Iterations, "count", len(resp.ToolCalls))
		history = append(history, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		toolMsg := provider.Message{Role: provider.RoleTool}
		for _, tc := range resp.ToolCalls {
			tu, err := runTool(ctx, tools, tc)
			if err != nil {
				return finish(result, parts), err
			}
			result.ToolUses = append(result.ToolUses, tu)
			if !slices.Contains(result.SkillUses, tu.Name) {
				result.SkillUses = append(result.SkillUses, tu.Name)
			}
			if opts.OnToolUse != nil {
				opts.OnToolUse(tu)
			}
			toolMsg.ToolResults = append(toolMsg.ToolResults, provider.ToolResult{
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    tu.Output,
				IsError:    tu.IsError,
			})
		}
		history = append(history, toolMsg)
	}

	slog.Warn("Tool loop hit iteration limit", "model", model, "iterations", maxIter)
	result.Truncated = true
	return finish(result, parts), nil
}

func call(ctx context.Context, p provider.Provider, req provider.Request, opts Options, separate bool) (*provider.Response, error) {
	start := time.Now()
	var (
		resp *provider.Response
		err  error
	)
	if opts.OnChunk == nil {
		resp, err = p.SendMessage(ctx, req)
	} else {
		pending := separate
		resp, err = p.StreamMessage(ctx, req, provider.StreamHandler{
			OnChunk: func(text string) {
				if text == "" {
					return
				}
				if pending {
					pending = false
					opts.OnChunk(iterationSeparator)
				}
				opts.OnChunk(text)
			},
		})
	}
	opts.Metrics.RecordRequest(time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return provider.CheckResponse(resp)
}

func runTool(ctx context.Context, tools map[string]fantasy.AgentTool, tc provider.ToolCall) (message.ToolUse, error) {
	tu := message.ToolUse{ID: tc.ID, Name: tc.Name, Input: tc.Input}
	tool, ok := tools[tc.Name]
	if !ok {
		tu.Output = fmt.Sprintf("tool not found: %s", tc.Name)
		tu.IsError = true
		return tu, nil
	}

	resp, err := tool.Run(ctx, fantasy.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
	switch {
	case err != nil && ctx.Err() != nil:
		return tu, ctx.Err()
	case err != nil:
		slog.Debug("Tool failed", "tool", tc.Name, "error", err)
		tu.Output = err.Error()
		tu.IsError = true
	default:
		tu.Output = resp.Content
		tu.IsError = resp.IsError
	}
	return tu, nil
}

func finish(r *Result, parts []string) *Result {
	r.FinalContent = strings.Join(parts, iterationSeparator)
	return r
}
