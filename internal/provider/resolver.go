package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/csync"
	"github.com/parley-ai/parley/internal/metrics"
)

// Target is a model key resolved to something that can be called.
type Target struct {
	Key        string
	ProviderID string
	Provider   Provider
	ModelID    string
	Model      catwalk.Model
}

// MaxTokens is the output token limit to request from Target.
func (t Target) MaxTokens() int64 {
	return t.Model.DefaultMaxTokens
}

// TargetResolver maps model keys to targets.
type TargetResolver interface {
	Resolve(ctx context.Context, key string) (Target, error)
}

var _ TargetResolver = (*Resolver)(nil)

type BuildFunc func(providerCfg config.ProviderConfig, resolver config.VariableResolver, debug bool) (Provider, error)

// Resolver maps model keys to providers. Built providers are cached per
// provider id until the configuration changes.
type Resolver struct {
	cfg     atomic.Pointer[config.Config]
	build   BuildFunc
	cache   *csync.Map[string, Provider]
	metrics *metrics.Metrics
}

type ResolverOption func(*Resolver)

func WithMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithBuildFunc replaces how providers are constructed.
func WithBuildFunc(fn BuildFunc) ResolverOption {
	return func(r *Resolver) {
		r.build = fn
	}
}

func NewResolver(cfg *config.Config, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		build: Build,
		cache: csync.NewMap[string, Provider](),
	}
	r.cfg.Store(cfg)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload swaps in a new configuration and drops every cached provider.
func (r *Resolver) Reload(cfg *config.Config) {
	r.cfg.Store(cfg)
	r.cache.Reset(map[string]Provider{})
	slog.Debug("Provider cache dropped after config reload")
}

func (r *Resolver) Config() *config.Config {
	return r.cfg.Load()
}

// Resolve maps key ("provider/model-id") to a Target. Unknown or disabled
// providers, unknown models and malformed keys yield ErrModelNotConfigured.
func (r *Resolver) Resolve(ctx context.Context, key string) (Target, error) {
	if err := ctx.Err(); err != nil {
		return Target{}, err
	}
	providerID, modelID, ok := config.ParseModelKey(key)
	if !ok {
		return Target{}, fmt.Errorf("%w: malformed model key %q", ErrModelNotConfigured, key)
	}

	cfg := r.cfg.Load()
	providerCfg, ok := cfg.Providers.Get(providerID)
	if !ok || providerCfg.Disable {
		return Target{}, fmt.Errorf("%w: provider %q is not configured", ErrModelNotConfigured, providerID)
	}
	model, ok := providerCfg.Model(modelID)
	if !ok {
		return Target{}, fmt.Errorf("%w: model %q not found for provider %q", ErrModelNotConfigured, modelID, providerID)
	}
	if maxTokens := cfg.MaxTokens(key); maxTokens > 0 {
		model.DefaultMaxTokens = maxTokens
	}

	p, ok := r.cache.Get(providerID)
	if ok {
		r.metrics.RecordCacheHit()
	} else {
		r.metrics.RecordCacheMiss()
		var err error
		p, err = r.build(providerCfg, cfg.Resolver(), cfg.Options.Debug)
		if err != nil {
			return Target{}, fmt.Errorf("%w: failed to build provider %q: %v", ErrModelNotConfigured, providerID, err)
		}
		r.cache.Set(providerID, p)
	}

	return Target{
		Key:        key,
		ProviderID: providerID,
		Provider:   p,
		ModelID:    modelID,
		Model:      model,
	}, nil
}
