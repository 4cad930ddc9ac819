// Package prompt renders system prompts from text templates.
package prompt

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
	"time"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/fsext"
)

// Prompt represents a template-based prompt generator.
type Prompt struct {
	name     string
	template *template.Template
	now      func() time.Time
}

type Option func(*Prompt)

// WithTime fixes the date rendered into the prompt.
func WithTime(t time.Time) Option {
	return func(p *Prompt) {
		p.now = func() time.Time { return t }
	}
}

type PromptDat struct {
	Provider   string
	Model      string
	WorkingDir string
	IsGitRepo  bool
	Platform   string
	Date       string
}

type ContextFile struct {
	Path    string
	Content string
}

func NewPrompt(name, promptTemplate string, opts ...Option) (*Prompt, error) {
	p := &Prompt{name: name, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	t, err := template.New(name).Funcs(template.FuncMap{
		// Replaced per Build with the configuration's working directory.
		"contextFiles": func(string) []ContextFile { return nil },
	}).Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}
	p.template = t
	return p, nil
}

func (p *Prompt) Name() string {
	return p.name
}

// Build renders the prompt for a model.
func (p *Prompt) Build(providerID, model string, cfg *config.Config) (string, error) {
	t, err := p.template.Clone()
	if err != nil {
		return "", err
	}
	t.Funcs(template.FuncMap{
		"contextFiles": func(path string) []ContextFile {
			return contextFiles(cfg.WorkingDir(), fsext.Expand(path))
		},
	})

	var sb strings.Builder
	if err := t.Execute(&sb, p.data(providerID, model, cfg)); err != nil {
		return "", fmt.Errorf("executing template %s: %w", p.name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (p *Prompt) data(providerID, model string, cfg *config.Config) PromptDat {
	return PromptDat{
		Provider:   providerID,
		Model:      model,
		WorkingDir: cfg.WorkingDir(),
		IsGitRepo:  isGitRepo(cfg.WorkingDir()),
		Platform:   runtime.GOOS,
		Date:       p.now().Format("1/2/2006"),
	}
}

// contextFiles reads a file, or every file below a directory, relative to
// workingDir. Missing paths yield nothing.
func contextFiles(workingDir, p string) []ContextFile {
	if !filepath.IsAbs(p) {
		p = filepath.Join(workingDir, p)
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil
	}
	if !info.IsDir() {
		if f, ok := readContextFile(p); ok {
			return []ContextFile{f}
		}
		return nil
	}

	var files []ContextFile
	_ = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if f, ok := readContextFile(path); ok {
				files = append(files, f)
			}
		}
		return nil
	})
	return files
}

func readContextFile(path string) (ContextFile, bool) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ContextFile{}, false
	}
	return ContextFile{Path: path, Content: string(content)}, true
}

func isGitRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
