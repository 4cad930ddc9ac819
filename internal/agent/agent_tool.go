package agent

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"charm.land/fantasy"
	"github.com/parley-ai/parley/internal/agent/toolloop"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/stream"
	"golang.org/x/sync/errgroup"
)

//go:embed templates/agent_tool.md
var agentToolDescription []byte

const (
	AgentToolName = "agent"
	maxSubagents  = 8
)

type SubagentPrompt struct {
	Name   string `json:"name" description:"A short label for this sub-agent"`
	Prompt string `json:"prompt" description:"The complete task for this sub-agent"`
}

type AgentParams struct {
	Agents []SubagentPrompt `json:"agents" description:"The sub-agents to run concurrently"`
}

type subagentRunner struct {
	handle        *stream.Handle
	target        provider.Target
	tools         []fantasy.AgentTool
	systemPrompt  string
	maxIterations int
	metrics       *metrics.Metrics
}

// agentTool runs sub-prompts concurrently on the chat model. Progress is
// reported on the chat's stream entry; every sub-agent gets its own slot.
func (s subagentRunner) agentTool() fantasy.AgentTool {
	return fantasy.NewAgentTool(
		AgentToolName,
		string(agentToolDescription),
		func(ctx context.Context, params AgentParams, call fantasy.ToolCall) (fantasy.ToolResponse, error) {
			if len(params.Agents) == 0 {
				return fantasy.NewTextErrorResponse("at least one agent is required"), nil
			}
			if len(params.Agents) > maxSubagents {
				return fantasy.NewTextErrorResponse(fmt.Sprintf("at most %d agents can run at once", maxSubagents)), nil
			}
			for _, a := range params.Agents {
				if strings.TrimSpace(a.Prompt) == "" {
					return fantasy.NewTextErrorResponse("every agent needs a prompt"), nil
				}
			}

			specs := make([]stream.SubagentSpec, len(params.Agents))
			for i, a := range params.Agents {
				name := a.Name
				if name == "" {
					name = fmt.Sprintf("agent %d", i+1)
				}
				specs[i] = stream.SubagentSpec{
					ID:     fmt.Sprintf("%s-%d", call.ID, i),
					Name:   name,
					Model:  s.target.Key,
					Prompt: a.Prompt,
				}
			}
			s.handle.StartSubagents(specs)

			outputs := make([]string, len(specs))
			var g errgroup.Group
			for i, spec := range specs {
				g.Go(func() error {
					outputs[i] = s.run(ctx, spec)
					return nil
				})
			}
			_ = g.Wait()
			if err := ctx.Err(); err != nil {
				return fantasy.ToolResponse{}, err
			}

			var sb strings.Builder
			for i, spec := range specs {
				if i > 0 {
					sb.WriteString("\n\n")
				}
				fmt.Fprintf(&sb, "## %s\n\n%s", spec.Name, outputs[i])
			}
			return fantasy.NewTextResponse(sb.String()), nil
		})
}

func (s subagentRunner) run(ctx context.Context, spec stream.SubagentSpec) string {
	out, err := toolloop.Execute(ctx, s.target.Provider, s.target.ModelID,
		[]provider.Message{provider.UserMessage(spec.Prompt)},
		toolloop.Options{
			MaxIterations: s.maxIterations,
			MaxTokens:     s.target.MaxTokens(),
			Tools:         s.tools,
			SystemPrompt:  s.systemPrompt,
			Metrics:       s.metrics,
			OnChunk: func(text string) {
				s.handle.UpdateSubagentContent(spec.ID, text)
			},
			OnToolUse: func(tu message.ToolUse) {
				s.handle.AddSubagentToolUse(spec.ID, tu)
			},
		})
	s.handle.CompleteSubagent(spec.ID, err)
	if err != nil {
		return "Error: " + stream.ErrorText(err, "sub-agent failed")
	}
	return out.FinalContent
}
