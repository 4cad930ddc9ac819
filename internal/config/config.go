package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/parley-ai/parley/internal/csync"
	"github.com/tidwall/sjson"
)

const (
	appName              = "parley"
	defaultDataDirectory = ".parley"
	defaultCatwalkURL    = "https://catwalk.charm.sh"

	defaultHistoryWindow = 20
	defaultMaxIterations = 20
)

type SelectedModelType string

const (
	// SelectedModelTypeChat answers single-conversation prompts.
	SelectedModelTypeChat SelectedModelType = "chat"
	// SelectedModelTypeOrchestrator decides how queued background requests
	// are delegated.
	SelectedModelTypeOrchestrator SelectedModelType = "orchestrator"
	// SelectedModelTypeTask runs delegated background tasks.
	SelectedModelTypeTask SelectedModelType = "task"
	// SelectedModelTypeChairman synthesizes council answers.
	SelectedModelTypeChairman SelectedModelType = "chairman"
)

type SelectedModel struct {
	// The model id as used by the provider API.
	// Required.
	Model string `json:"model" jsonschema:"required,description=The model ID as used by the provider API,example=gpt-4o"`
	// The model provider, same as the key/id used in the providers config.
	// Required.
	Provider string `json:"provider" jsonschema:"required,description=The model provider ID that matches a key in the providers config,example=openai"`

	// Overrides the default model configuration.
	MaxTokens int64 `json:"max_tokens,omitempty" jsonschema:"description=Maximum number of tokens for model responses,minimum=1,maximum=200000,example=4096"`
}

// Key returns the model key in provider/model-id form.
func (m SelectedModel) Key() string {
	return ModelKey(m.Provider, m.Model)
}

// ModelKey joins a provider id and model id into a model key.
func ModelKey(provider, model string) string {
	return provider + "/" + model
}

// ParseModelKey splits a model key at its first slash. Model ids may contain
// slashes of their own (openrouter/openai/gpt-4o).
func ParseModelKey(key string) (provider, model string, ok bool) {
	provider, model, ok = strings.Cut(key, "/")
	if !ok || provider == "" || model == "" {
		return "", "", false
	}
	return provider, model, true
}

type ProviderConfig struct {
	// The provider's id.
	ID string `json:"id,omitempty" jsonschema:"description=Unique identifier for the provider,example=openai"`
	// The provider's name, used for display purposes.
	Name string `json:"name,omitempty" jsonschema:"description=Human-readable name for the provider,example=OpenAI"`
	// The provider's API endpoint.
	BaseURL string `json:"base_url,omitempty" jsonschema:"description=Base URL for the provider's API,format=uri,example=https://api.openai.com/v1"`
	// The provider type, e.g. "openai", "anthropic", etc. if empty it defaults to openai.
	Type catwalk.Type `json:"type,omitempty" jsonschema:"description=Provider type that determines the API format,enum=openai,enum=openai-compat,enum=openrouter,enum=anthropic,enum=google,enum=google-vertex,enum=azure,enum=bedrock,default=openai"`
	// The provider's API key.
	APIKey string `json:"api_key,omitempty" jsonschema:"description=API key for authentication with the provider,example=$OPENAI_API_KEY"`
	// Marks the provider as disabled.
	Disable bool `json:"disable,omitempty" jsonschema:"description=Whether this provider is disabled,default=false"`

	// Extra headers to send with each request to the provider.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty" jsonschema:"description=Additional HTTP headers to send with requests"`
	// Extra body
	ExtraBody map[string]any `json:"extra_body,omitempty" jsonschema:"description=Additional fields to include in request bodies, only works with openai-compatible providers"`

	// Used to pass extra parameters to the provider (azure api version,
	// vertex project and location).
	ExtraParams map[string]string `json:"extra_params,omitempty" jsonschema:"description=Provider specific parameters such as apiVersion, project or location"`

	// The provider models
	Models []catwalk.Model `json:"models,omitempty" jsonschema:"description=List of models available from this provider"`
}

// Model returns the catalogue entry for id.
func (pc ProviderConfig) Model(id string) (catwalk.Model, bool) {
	for _, m := range pc.Models {
		if m.ID == id {
			return m, true
		}
	}
	return catwalk.Model{}, false
}

type Options struct {
	Debug                     bool     `json:"debug,omitempty" jsonschema:"description=Enable debug logging,default=false"`
	DataDirectory             string   `json:"data_directory,omitempty" jsonschema:"description=Directory for storing application data (relative to working directory),default=.parley,example=.parley"` // Relative to the cwd
	DisabledTools             []string `json:"disabled_tools,omitempty" jsonschema:"description=Tools to disable"`
	DisableProviderAutoUpdate bool     `json:"disable_provider_auto_update,omitempty" jsonschema:"description=Disable providers auto-update,default=false"`
	DisableMetrics            bool     `json:"disable_metrics,omitempty" jsonschema:"description=Disable sending metrics,default=false"`
	// Number of most recent turns the orchestrator sees when dispatching a
	// queued request.
	HistoryWindow int `json:"history_window,omitempty" jsonschema:"description=Number of recent conversation turns sent to the orchestrator model,default=20,minimum=1"`
	// Upper bound of model round-trips in one tool loop.
	MaxIterations int `json:"max_iterations,omitempty" jsonschema:"description=Maximum tool loop iterations per response,default=20,minimum=1,maximum=50"`
}

type Tools struct {
	Ls ToolLs `json:"ls,omitzero"`
}

type ToolLs struct {
	MaxDepth *int `json:"max_depth,omitempty" jsonschema:"description=Maximum depth for the ls tool,default=0,example=10"`
	MaxItems *int `json:"max_items,omitempty" jsonschema:"description=Maximum number of items to return for the ls tool,default=1000,example=100"`
}

func (t ToolLs) Limits() (depth, items int) {
	return ptrValOr(t.MaxDepth, 0), ptrValOr(t.MaxItems, 0)
}

// Config holds the configuration for parley.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	Models map[SelectedModelType]SelectedModel `json:"models,omitempty" jsonschema:"description=Model selections for the chat, orchestrator, task and chairman roles,example={\"chat\":{\"model\":\"gpt-4o\",\"provider\":\"openai\"}}"`

	// Council members, queried concurrently before the chairman synthesizes.
	Council []SelectedModel `json:"council,omitempty" jsonschema:"description=Models queried independently in council mode"`

	// The providers that are configured
	Providers *csync.Map[string, ProviderConfig] `json:"providers,omitempty" jsonschema:"description=AI provider configurations"`

	Options *Options `json:"options,omitempty" jsonschema:"description=General application options"`

	Tools Tools `json:"tools,omitzero" jsonschema:"description=Tool configurations"`

	// Internal
	workingDir     string `json:"-"`
	resolver       VariableResolver
	dataConfigDir  string     `json:"-"`
	catalogue      *Catalogue `json:"-"`
}

func (c *Config) WorkingDir() string {
	return c.workingDir
}

func (c *Config) EnabledProviders() []ProviderConfig {
	var enabled []ProviderConfig
	for p := range c.Providers.Seq() {
		if !p.Disable {
			enabled = append(enabled, p)
		}
	}
	slices.SortFunc(enabled, func(a, b ProviderConfig) int {
		return strings.Compare(a.ID, b.ID)
	})
	return enabled
}

// IsConfigured  return true if at least one provider is configured
func (c *Config) IsConfigured() bool {
	return len(c.EnabledProviders()) > 0
}

// GetModel returns the metadata of a model: the provider's own model list
// first, then the catalogue entry for a model the provider config does not
// list.
func (c *Config) GetModel(provider, model string) *catwalk.Model {
	providerConfig, ok := c.Providers.Get(provider)
	if !ok {
		return nil
	}
	if m, ok := providerConfig.Model(model); ok {
		return &m
	}
	if m, ok := c.catalogue.Model(ModelKey(provider, model)); ok {
		return &m
	}
	return nil
}

// ModelKey returns the model key selected for modelType.
func (c *Config) ModelKey(modelType SelectedModelType) (string, bool) {
	model, ok := c.Models[modelType]
	if !ok || model.Provider == "" || model.Model == "" {
		return "", false
	}
	return model.Key(), true
}

// CouncilKeys returns the model keys of the configured council members in
// configuration order.
func (c *Config) CouncilKeys() []string {
	keys := make([]string, 0, len(c.Council))
	for _, m := range c.Council {
		keys = append(keys, m.Key())
	}
	return keys
}

// MaxTokens returns the output token limit for a model key: the selected
// model override if any, otherwise the catalogue default.
func (c *Config) MaxTokens(key string) int64 {
	for _, m := range c.Models {
		if m.Key() == key && m.MaxTokens > 0 {
			return m.MaxTokens
		}
	}
	for _, m := range c.Council {
		if m.Key() == key && m.MaxTokens > 0 {
			return m.MaxTokens
		}
	}
	provider, model, ok := ParseModelKey(key)
	if !ok {
		return 0
	}
	if m := c.GetModel(provider, model); m != nil {
		return m.DefaultMaxTokens
	}
	return 0
}

func (c *Config) Resolve(key string) (string, error) {
	if c.resolver == nil {
		return "", fmt.Errorf("no variable resolver configured")
	}
	return c.resolver.ResolveValue(key)
}

func (c *Config) Resolver() VariableResolver {
	return c.resolver
}

// Catalogue returns the provider catalogue the config was loaded with.
func (c *Config) Catalogue() *Catalogue {
	return c.catalogue
}

// UpdatePreferredModel selects model for modelType and persists the choice
// in the data config file.
func (c *Config) UpdatePreferredModel(modelType SelectedModelType, model SelectedModel) error {
	if c.Models == nil {
		c.Models = make(map[SelectedModelType]SelectedModel)
	}
	c.Models[modelType] = model
	if err := c.SetConfigField(fmt.Sprintf("models.%s", modelType), model); err != nil {
		return fmt.Errorf("failed to update preferred model: %w", err)
	}
	return nil
}

// UpdateCouncil replaces the council members and persists them.
func (c *Config) UpdateCouncil(members []SelectedModel) error {
	c.Council = slices.Clone(members)
	if err := c.SetConfigField("council", members); err != nil {
		return fmt.Errorf("failed to update council: %w", err)
	}
	return nil
}

func (c *Config) SetConfigField(key string, value any) error {
	// read the data
	data, err := os.ReadFile(c.dataConfigDir)
	if err != nil {
		if os.IsNotExist(err) {
			data = []byte("{}")
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	newValue, err := sjson.Set(string(data), key, value)
	if err != nil {
		return fmt.Errorf("failed to set config field %s: %w", key, err)
	}
	if err := os.WriteFile(c.dataConfigDir, []byte(newValue), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func allToolNames() []string {
	return []string{
		"agent",
		"delegate",
		"glob",
		"ls",
		"view",
		"web_fetch",
	}
}

// EnabledTools returns the tool names left after removing the disabled ones.
func (c *Config) EnabledTools() []string {
	return resolveAllowedTools(allToolNames(), c.Options.DisabledTools)
}

func resolveAllowedTools(allTools []string, disabledTools []string) []string {
	if disabledTools == nil {
		return allTools
	}
	// filter out disabled tools (exclude mode)
	return filterSlice(allTools, disabledTools, false)
}

func filterSlice(data []string, mask []string, include bool) []string {
	filtered := []string{}
	for _, s := range data {
		// if include is true, we include items that ARE in the mask
		// if include is false, we include items that are NOT in the mask
		if include == slices.Contains(mask, s) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

func ptrValOr[T any](t *T, el T) T {
	if t == nil {
		return el
	}
	return *t
}
