// Package providertest provides scripted providers for tests.
package providertest

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/csync"
	"github.com/parley-ai/parley/internal/provider"
)

// Func scripts one call. h is the zero value for non-streaming calls.
type Func func(ctx context.Context, req provider.Request, h provider.StreamHandler) (*provider.Response, error)

// Fake is a Provider whose calls are answered by scripts, one per call; the
// last script answers every call past the end.
type Fake struct {
	name    string
	mu      sync.Mutex
	scripts []Func
	calls   []provider.Request
}

var _ provider.Provider = (*Fake)(nil)

func New(name string, scripts ...Func) *Fake {
	return &Fake{name: name, scripts: scripts}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) SendMessage(ctx context.Context, req provider.Request) (*provider.Response, error) {
	return f.next(req)(ctx, req, provider.StreamHandler{})
}

func (f *Fake) StreamMessage(ctx context.Context, req provider.Request, h provider.StreamHandler) (*provider.Response, error) {
	return f.next(req)(ctx, req, h)
}

func (f *Fake) next(req provider.Request) Func {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(len(f.calls), len(f.scripts)-1)
	f.calls = append(f.calls, req)
	if i < 0 {
		return Fail(provider.ErrEmptyResponse)
	}
	return f.scripts[i]
}

// Calls returns the requests received so far.
func (f *Fake) Calls() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Text streams content word by word and then returns it.
func Text(content string) Func {
	return func(ctx context.Context, _ provider.Request, h provider.StreamHandler) (*provider.Response, error) {
		for _, chunk := range chunks(content) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if h.OnChunk != nil {
				h.OnChunk(chunk)
			}
		}
		return provider.CheckResponse(&provider.Response{
			Content:    content,
			StopReason: provider.StopReasonEndTurn,
			Usage:      provider.Usage{InputTokens: 10, OutputTokens: int64(len(content))},
		})
	}
}

// ToolCalls answers with content and tool calls.
func ToolCalls(content string, calls ...provider.ToolCall) Func {
	return func(ctx context.Context, _ provider.Request, h provider.StreamHandler) (*provider.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if content != "" && h.OnChunk != nil {
			h.OnChunk(content)
		}
		for _, call := range calls {
			if h.OnToolUse != nil {
				h.OnToolUse(call)
			}
		}
		return &provider.Response{
			Content:    content,
			StopReason: provider.StopReasonToolUse,
			ToolCalls:  slices.Clone(calls),
		}, nil
	}
}

// Fail returns err.
func Fail(err error) Func {
	return func(context.Context, provider.Request, provider.StreamHandler) (*provider.Response, error) {
		return nil, err
	}
}

// Partial streams content and then blocks until ctx is done, returning the
// context error.
func Partial(content string) Func {
	return func(ctx context.Context, _ provider.Request, h provider.StreamHandler) (*provider.Response, error) {
		if h.OnChunk != nil {
			h.OnChunk(content)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Gated waits for gate to close (or ctx to end) before running next.
// started, when non-nil, receives once the call is waiting.
func Gated(gate <-chan struct{}, started chan<- struct{}, next Func) Func {
	return func(ctx context.Context, req provider.Request, h provider.StreamHandler) (*provider.Response, error) {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return next(ctx, req, h)
	}
}

func chunks(content string) []string {
	words := strings.SplitAfter(content, " ")
	return slices.DeleteFunc(words, func(s string) bool { return s == "" })
}

// Config returns a configuration exposing every fake under its name with
// the given model ids.
func Config(fakes map[*Fake][]string) *config.Config {
	providers := make(map[string]config.ProviderConfig, len(fakes))
	for f, models := range fakes {
		pc := config.ProviderConfig{ID: f.name, Type: catwalk.TypeOpenAICompat}
		for _, id := range models {
			pc.Models = append(pc.Models, catwalk.Model{ID: id, Name: id, DefaultMaxTokens: 1024})
		}
		providers[f.name] = pc
	}
	return &config.Config{
		Models:    map[config.SelectedModelType]config.SelectedModel{},
		Providers: csync.NewMapFrom(providers),
		Options:   &config.Options{HistoryWindow: 20, MaxIterations: 20},
	}
}

// Resolver resolves model keys of cfg to the given fakes.
func Resolver(cfg *config.Config, fakes ...*Fake) *provider.Resolver {
	byName := make(map[string]*Fake, len(fakes))
	for _, f := range fakes {
		byName[f.name] = f
	}
	return provider.NewResolver(cfg, provider.WithBuildFunc(
		func(pc config.ProviderConfig, _ config.VariableResolver, _ bool) (provider.Provider, error) {
			f, ok := byName[pc.ID]
			if !ok {
				return nil, provider.ErrModelNotConfigured
			}
			return f, nil
		},
	))
}
