package tools

import (
	"cmp"
	"context"
	_ "embed"
	"fmt"
	"slices"

	"charm.land/fantasy"
)

const DelegateToolName = "delegate"

//go:embed delegate.md
var delegateDescription []byte

type DelegateParams struct {
	Name   string `json:"name,omitempty" description:"A short name for the task"`
	Prompt string `json:"prompt" description:"Complete, self-contained instructions for the task"`
}

type DelegateResponseMetadata struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
}

// LaunchFunc starts a background task and returns its id.
type LaunchFunc func(ctx context.Context, name, prompt string) (string, error)

func NewDelegateTool(launch LaunchFunc) fantasy.AgentTool {
	return fantasy.NewAgentTool(
		DelegateToolName,
		string(delegateDescription),
		func(ctx context.Context, params DelegateParams, call fantasy.ToolCall) (fantasy.ToolResponse, error) {
			if params.Prompt == "" {
				return fantasy.NewTextErrorResponse("prompt is required"), nil
			}
			name := cmp.Or(params.Name, "task")

			id, err := launch(ctx, name, params.Prompt)
			if err != nil {
				return fantasy.NewTextErrorResponse(fmt.Sprintf("could not start task: %s", err)), nil
			}
			return fantasy.WithResponseMetadata(
				fantasy.NewTextResponse(fmt.Sprintf("Started background task %q (%s).", name, id)),
				DelegateResponseMetadata{TaskID: id, Name: name},
			), nil
		})
}

// Without returns tools minus the ones with the given names.
func Without(tools []fantasy.AgentTool, names ...string) []fantasy.AgentTool {
	return slices.DeleteFunc(slices.Clone(tools), func(t fantasy.AgentTool) bool {
		return slices.Contains(names, t.Info().Name)
	})
}
