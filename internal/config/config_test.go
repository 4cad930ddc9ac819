package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/parley-ai/parley/internal/csync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key      string
		provider string
		model    string
		ok       bool
	}{
		{"openai/gpt-4o", "openai", "gpt-4o", true},
		{"openrouter/openai/gpt-4o", "openrouter", "openai/gpt-4o", true},
		{"gpt-4o", "", "", false},
		{"/gpt-4o", "", "", false},
		{"openai/", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			provider, model, ok := ParseModelKey(tt.key)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.provider, provider)
			require.Equal(t, tt.model, model)
		})
	}
}

func TestLoadFromReaders_LaterFilesWin(t *testing.T) {
	t.Parallel()

	global := strings.NewReader(`{
		"models": {"chat": {"provider": "openai", "model": "gpt-4o"}},
		"options": {"history_window": 5}
	}`)
	project := strings.NewReader(`{
		"models": {"chat": {"provider": "anthropic", "model": "claude-sonnet-4"}},
		"council": [
			{"provider": "openai", "model": "gpt-4o"},
			{"provider": "anthropic", "model": "claude-sonnet-4"}
		]
	}`)

	cfg, err := loadFromReaders([]io.Reader{global, project})
	require.NoError(t, err)
	cfg.setDefaults(t.TempDir(), "")

	key, ok := cfg.ModelKey(SelectedModelTypeChat)
	require.True(t, ok)
	require.Equal(t, "anthropic/claude-sonnet-4", key)
	require.Equal(t, 5, cfg.Options.HistoryWindow)
	require.Equal(t, defaultMaxIterations, cfg.Options.MaxIterations)
	require.Equal(t, []string{"openai/gpt-4o", "anthropic/claude-sonnet-4"}, cfg.CouncilKeys())
}

func TestConfigureProviders(t *testing.T) {
	t.Parallel()

	known := []catwalk.Provider{
		{
			ID:          "openai",
			Name:        "OpenAI",
			APIKey:      "$OPENAI_API_KEY",
			APIEndpoint: "https://api.openai.com/v1",
			Type:        catwalk.TypeOpenAI,
			Models: []catwalk.Model{
				{ID: "gpt-4o", Name: "GPT-4o", DefaultMaxTokens: 4096, CostPer1MIn: 2.5, CostPer1MOut: 10},
			},
		},
		{
			ID:     "anthropic",
			Name:   "Anthropic",
			APIKey: "$ANTHROPIC_API_KEY",
			Type:   catwalk.TypeAnthropic,
			Models: []catwalk.Model{{ID: "claude-sonnet-4", DefaultMaxTokens: 8192}},
		},
	}

	t.Run("known provider picked up from env", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{Providers: csync.NewMap[string, ProviderConfig](), Options: &Options{}}
		require.NoError(t, cfg.configureProviders([]string{"OPENAI_API_KEY=sk-test"}, known))

		p, ok := cfg.Providers.Get("openai")
		require.True(t, ok)
		require.Equal(t, catwalk.TypeOpenAI, p.Type)
		require.Equal(t, "https://api.openai.com/v1", p.BaseURL)
		_, ok = cfg.Providers.Get("anthropic")
		require.False(t, ok, "anthropic has no key in env")
	})

	t.Run("configured provider keeps overrides", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{
			Providers: csync.NewMapFrom(map[string]ProviderConfig{
				"openai": {
					BaseURL: "https://proxy.example.com/v1",
					Models:  []catwalk.Model{{ID: "gpt-4o", DefaultMaxTokens: 1000}},
				},
			}),
			Options: &Options{},
		}
		require.NoError(t, cfg.configureProviders(nil, known))

		p, ok := cfg.Providers.Get("openai")
		require.True(t, ok)
		require.Equal(t, "https://proxy.example.com/v1", p.BaseURL)
		require.Equal(t, "$OPENAI_API_KEY", p.APIKey)
		m, ok := p.Model("gpt-4o")
		require.True(t, ok)
		require.Equal(t, int64(1000), m.DefaultMaxTokens)
		assert.InDelta(t, 2.5, m.CostPer1MIn, 1e-9)
	})

	t.Run("custom provider needs base url and models", func(t *testing.T) {
		t.Parallel()
		cfg := &Config{
			Providers: csync.NewMapFrom(map[string]ProviderConfig{
				"local": {
					BaseURL: "http://localhost:11434/v1",
					Models:  []catwalk.Model{{ID: "llama3"}},
				},
				"broken": {Models: []catwalk.Model{{ID: "x"}}},
			}),
			Options: &Options{},
		}
		require.NoError(t, cfg.configureProviders(nil, known))

		p, ok := cfg.Providers.Get("local")
		require.True(t, ok)
		require.Equal(t, catwalk.TypeOpenAICompat, p.Type)
		_, ok = cfg.Providers.Get("broken")
		require.False(t, ok)
	})
}

func TestConfig_MaxTokens(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Models: map[SelectedModelType]SelectedModel{
			SelectedModelTypeChat: {Provider: "openai", Model: "gpt-4o", MaxTokens: 512},
		},
		Providers: csync.NewMapFrom(map[string]ProviderConfig{
			"openai": {Models: []catwalk.Model{
				{ID: "gpt-4o", DefaultMaxTokens: 4096},
				{ID: "gpt-4o-mini", DefaultMaxTokens: 2048},
			}},
		}),
	}
	require.Equal(t, int64(512), cfg.MaxTokens("openai/gpt-4o"))
	require.Equal(t, int64(2048), cfg.MaxTokens("openai/gpt-4o-mini"))
	require.Zero(t, cfg.MaxTokens("nope"))
}

func TestEnvironmentVariableResolver(t *testing.T) {
	t.Parallel()

	r := NewEnvironmentVariableResolver([]string{"KEY=secret", "EMPTY="})

	v, err := r.ResolveValue("$KEY")
	require.NoError(t, err)
	require.Equal(t, "secret", v)

	v, err = r.ResolveValue("Bearer ${KEY}")
	require.NoError(t, err)
	require.Equal(t, "Bearer secret", v)

	v, err = r.ResolveValue("plain")
	require.NoError(t, err)
	require.Equal(t, "plain", v)

	_, err = r.ResolveValue("$MISSING")
	require.Error(t, err)
	_, err = r.ResolveValue("$EMPTY")
	require.Error(t, err)
}

func TestSetConfigField(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.json")
	cfg := &Config{dataConfigDir: path}

	require.NoError(t, cfg.UpdatePreferredModel(SelectedModelTypeChairman, SelectedModel{Provider: "openai", Model: "gpt-4o"}))
	require.NoError(t, cfg.SetConfigField("options.history_window", 8))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	loaded, err := LoadReader(f)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", loaded.Models[SelectedModelTypeChairman].Model)
	require.Equal(t, 8, loaded.Options.HistoryWindow)
}

func TestEnabledTools(t *testing.T) {
	t.Parallel()

	cfg := &Config{Options: &Options{DisabledTools: []string{"web_fetch"}}}
	require.NotContains(t, cfg.EnabledTools(), "web_fetch")
	require.Contains(t, cfg.EnabledTools(), "view")
}
