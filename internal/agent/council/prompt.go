package council

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/parley-ai/parley/internal/agent/compare"
	"github.com/parley-ai/parley/internal/stream"
)

//go:embed templates/synthesis.md.tpl
var synthesisTmpl string

//go:embed templates/chairman.md.tpl
var chairmanSystemPrompt string

var synthesisTemplate = template.Must(template.New("synthesis").Parse(synthesisTmpl))

type synthesisMember struct {
	Index    int
	ModelKey string
	Content  string
	Error    string
}

type synthesisData struct {
	Prompt  string
	Members []synthesisMember
}

// BuildSynthesisPrompt renders the chairman's prompt. Every member appears in
// the given order; failed members contribute an error placeholder and none of
// their partial content.
func BuildSynthesisPrompt(prompt string, members []compare.Result) (string, error) {
	data := synthesisData{Prompt: prompt}
	for i, m := range members {
		sm := synthesisMember{Index: i + 1, ModelKey: m.ModelKey}
		if m.Status == stream.StatusError {
			sm.Error = m.Error
			if sm.Error == "" {
				sm.Error = "no response"
			}
		} else {
			sm.Content = m.Content
		}
		data.Members = append(data.Members, sm)
	}

	var sb strings.Builder
	if err := synthesisTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("executing synthesis template: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}
