package agent

import (
	_ "embed"

	"github.com/parley-ai/parley/internal/agent/prompt"
)

//go:embed templates/chat.md.tpl
var chatPromptTmpl string

//go:embed templates/orchestrator.md.tpl
var orchestratorPromptTmpl string

//go:embed templates/task.md.tpl
var taskPromptTmpl string

func chatPrompt(opts ...prompt.Option) (*prompt.Prompt, error) {
	return prompt.NewPrompt("chat", chatPromptTmpl, opts...)
}

func orchestratorPrompt(opts ...prompt.Option) (*prompt.Prompt, error) {
	return prompt.NewPrompt("orchestrator", orchestratorPromptTmpl, opts...)
}

func taskPrompt(opts ...prompt.Option) (*prompt.Prompt, error) {
	return prompt.NewPrompt("task", taskPromptTmpl, opts...)
}
