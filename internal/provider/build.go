package provider

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/azure"
	"charm.land/fantasy/providers/bedrock"
	"charm.land/fantasy/providers/google"
	"charm.land/fantasy/providers/openai"
	"charm.land/fantasy/providers/openaicompat"
	"charm.land/fantasy/providers/openrouter"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/log"
	openaisdk "github.com/openai/openai-go/v2/option"
)

// builder turns a provider config into a fantasy provider. Debug mode routes
// every request through the logging http client.
type builder struct {
	resolver config.VariableResolver
	debug    bool
}

func (b builder) httpClient() *http.Client {
	if !b.debug {
		return nil
	}
	return log.NewHTTPClient()
}

// Build creates a Provider for providerCfg.
func Build(providerCfg config.ProviderConfig, resolver config.VariableResolver, debug bool) (Provider, error) {
	if resolver == nil {
		resolver = config.NewEnvironmentVariableResolver(os.Environ())
	}
	b := builder{resolver: resolver, debug: debug}
	p, err := b.build(providerCfg)
	if err != nil {
		return nil, err
	}
	return FromFantasy(providerCfg.ID, p), nil
}

func (b builder) build(providerCfg config.ProviderConfig) (fantasy.Provider, error) {
	headers := maps.Clone(providerCfg.ExtraHeaders)
	if headers == nil {
		headers = make(map[string]string)
	}

	apiKey, _ := b.resolver.ResolveValue(providerCfg.APIKey)
	baseURL, _ := b.resolver.ResolveValue(providerCfg.BaseURL)

	switch providerCfg.Type {
	case openai.Name:
		return b.buildOpenaiProvider(baseURL, apiKey, headers)
	case anthropic.Name:
		return b.buildAnthropicProvider(baseURL, apiKey, headers)
	case openrouter.Name:
		return b.buildOpenrouterProvider(apiKey, headers)
	case azure.Name:
		return b.buildAzureProvider(baseURL, apiKey, headers, providerCfg.ExtraParams)
	case bedrock.Name:
		return b.buildBedrockProvider(headers)
	case google.Name:
		return b.buildGoogleProvider(baseURL, apiKey, headers)
	case "google-vertex":
		return b.buildGoogleVertexProvider(headers, providerCfg.ExtraParams)
	case openaicompat.Name:
		return b.buildOpenaiCompatProvider(baseURL, apiKey, headers, providerCfg.ExtraBody)
	default:
		return nil, fmt.Errorf("provider type not supported: %q", providerCfg.Type)
	}
}

func (b builder) buildAnthropicProvider(baseURL, apiKey string, headers map[string]string) (fantasy.Provider, error) {
	hasBearerAuth := false
	for key := range headers {
		if strings.EqualFold(key, "authorization") {
			hasBearerAuth = true
			break
		}
	}

	var opts []anthropic.Option
	if apiKey != "" && !hasBearerAuth && strings.HasPrefix(apiKey, "Bearer ") {
		slog.Debug("API key starts with 'Bearer ', using as Authorization header")
		headers["Authorization"] = apiKey
		apiKey = "" // clear apiKey to avoid using X-Api-Key header
	}
	if apiKey != "" {
		opts = append(opts, anthropic.WithAPIKey(apiKey))
	}
	if len(headers) > 0 {
		opts = append(opts, anthropic.WithHeaders(headers))
	}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	if client := b.httpClient(); client != nil {
		opts = append(opts, anthropic.WithHTTPClient(client))
	}
	return anthropic.New(opts...)
}

func (b builder) buildOpenaiProvider(baseURL, apiKey string, headers map[string]string) (fantasy.Provider, error) {
	opts := []openai.Option{
		openai.WithAPIKey(apiKey),
		openai.WithUseResponsesAPI(),
	}
	if client := b.httpClient(); client != nil {
		opts = append(opts, openai.WithHTTPClient(client))
	}
	if len(headers) > 0 {
		opts = append(opts, openai.WithHeaders(headers))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	return openai.New(opts...)
}

func (b builder) buildOpenrouterProvider(apiKey string, headers map[string]string) (fantasy.Provider, error) {
	opts := []openrouter.Option{
		openrouter.WithAPIKey(apiKey),
	}
	if client := b.httpClient(); client != nil {
		opts = append(opts, openrouter.WithHTTPClient(client))
	}
	if len(headers) > 0 {
		opts = append(opts, openrouter.WithHeaders(headers))
	}
	return openrouter.New(opts...)
}

func (b builder) buildOpenaiCompatProvider(baseURL, apiKey string, headers map[string]string, extraBody map[string]any) (fantasy.Provider, error) {
	opts := []openaicompat.Option{
		openaicompat.WithBaseURL(baseURL),
		openaicompat.WithAPIKey(apiKey),
	}
	if client := b.httpClient(); client != nil {
		opts = append(opts, openaicompat.WithHTTPClient(client))
	}
	if len(headers) > 0 {
		opts = append(opts, openaicompat.WithHeaders(headers))
	}
	for extraKey, extraValue := range extraBody {
		opts = append(opts, openaicompat.WithSDKOptions(openaisdk.WithJSONSet(extraKey, extraValue)))
	}
	return openaicompat.New(opts...)
}

func (b builder) buildAzureProvider(baseURL, apiKey string, headers map[string]string, options map[string]string) (fantasy.Provider, error) {
	opts := []azure.Option{
		azure.WithBaseURL(baseURL),
		azure.WithAPIKey(apiKey),
		azure.WithUseResponsesAPI(),
	}
	if client := b.httpClient(); client != nil {
		opts = append(opts, azure.WithHTTPClient(client))
	}
	if apiVersion, ok := options["apiVersion"]; ok {
		opts = append(opts, azure.WithAPIVersion(apiVersion))
	}
	if len(headers) > 0 {
		opts = append(opts, azure.WithHeaders(headers))
	}
	return azure.New(opts...)
}

func (b builder) buildBedrockProvider(headers map[string]string) (fantasy.Provider, error) {
	var opts []bedrock.Option
	if client := b.httpClient(); client != nil {
		opts = append(opts, bedrock.WithHTTPClient(client))
	}
	if len(headers) > 0 {
		opts = append(opts, bedrock.WithHeaders(headers))
	}
	if bearerToken := os.Getenv("AWS_BEARER_TOKEN_BEDROCK"); bearerToken != "" {
		opts = append(opts, bedrock.WithAPIKey(bearerToken))
	}
	return bedrock.New(opts...)
}

func (b builder) buildGoogleProvider(baseURL, apiKey string, headers map[string]string) (fantasy.Provider, error) {
	opts := []google.Option{
		google.WithBaseURL(baseURL),
		google.WithGeminiAPIKey(apiKey),
	}
	if client := b.httpClient(); client != nil {
		opts = append(opts, google.WithHTTPClient(client))
	}
	if len(headers) > 0 {
		opts = append(opts, google.WithHeaders(headers))
	}
	return google.New(opts...)
}

func (b builder) buildGoogleVertexProvider(headers map[string]string, options map[string]string) (fantasy.Provider, error) {
	var opts []google.Option
	if client := b.httpClient(); client != nil {
		opts = append(opts, google.WithHTTPClient(client))
	}
	if len(headers) > 0 {
		opts = append(opts, google.WithHeaders(headers))
	}
	opts = append(opts, google.WithVertex(options["project"], options["location"]))
	return google.New(opts...)
}
