package config

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/parley-ai/parley/internal/csync"
	"github.com/parley-ai/parley/internal/fsext"
	"github.com/parley-ai/parley/internal/home"
	"github.com/qjebbs/go-jsons"
)

// Load reads the global, data and project config files, merges them in that
// order and fills in provider metadata from the known provider catalogue.
func Load(workingDir, dataDir string, debug bool) (*Config, error) {
	configPaths := lookupConfigs(workingDir)

	cfg, err := loadFromConfigPaths(configPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from paths %v: %w", configPaths, err)
	}

	cfg.dataConfigDir = GlobalConfigData()
	cfg.setDefaults(workingDir, dataDir)
	if debug {
		cfg.Options.Debug = true
	}

	cfg.catalogue = LoadCatalogue(cfg)

	env := os.Environ()
	cfg.resolver = NewEnvironmentVariableResolver(env)
	if err := cfg.configureProviders(env, cfg.catalogue.Providers); err != nil {
		return nil, fmt.Errorf("failed to configure providers: %w", err)
	}
	if !cfg.IsConfigured() {
		slog.Warn("No providers configured")
	}
	return cfg, nil
}

// LoadReader parses a single config document. It is used for config files
// the caller already has in memory and by tests.
func LoadReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func lookupConfigs(cwd string) []string {
	// prepend default config paths
	configPaths := []string{
		GlobalConfig(),
		GlobalConfigData(),
	}

	configNames := []string{appName + ".json", "." + appName + ".json"}

	projectConfigs, err := fsext.ProjectFiles(cwd, configNames...)
	if err != nil {
		slog.Warn("Failed to look up project config files", "dir", cwd, "error", err)
		return configPaths
	}
	return append(configPaths, projectConfigs...)
}

func loadFromConfigPaths(configPaths []string) (*Config, error) {
	var configs []io.Reader

	for _, path := range configPaths {
		fd, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
		}
		defer fd.Close()

		configs = append(configs, fd)
	}

	return loadFromReaders(configs)
}

func loadFromReaders(readers []io.Reader) (*Config, error) {
	if len(readers) == 0 {
		return &Config{}, nil
	}

	merged, err := jsons.Merge(readers)
	if err != nil {
		return nil, fmt.Errorf("failed to merge configuration readers: %w", err)
	}

	return LoadReader(bytes.NewReader(merged))
}

func (c *Config) setDefaults(workingDir, dataDir string) {
	c.workingDir = workingDir
	if c.Options == nil {
		c.Options = &Options{}
	}
	if dataDir != "" {
		c.Options.DataDirectory = dataDir
	} else if c.Options.DataDirectory == "" {
		if path, ok := fsext.ClosestDir(workingDir, defaultDataDirectory); ok {
			c.Options.DataDirectory = path
		} else {
			c.Options.DataDirectory = filepath.Join(workingDir, defaultDataDirectory)
		}
	}
	if c.Options.HistoryWindow <= 0 {
		c.Options.HistoryWindow = defaultHistoryWindow
	}
	if c.Options.MaxIterations <= 0 {
		c.Options.MaxIterations = defaultMaxIterations
	}
	if c.Providers == nil {
		c.Providers = csync.NewMap[string, ProviderConfig]()
	}
	if c.Models == nil {
		c.Models = make(map[SelectedModelType]SelectedModel)
	}
	if str, ok := os.LookupEnv("PARLEY_DISABLE_PROVIDER_AUTO_UPDATE"); ok {
		c.Options.DisableProviderAutoUpdate = str == "1" || strings.EqualFold(str, "true")
	}
}

func (c *Config) configureProviders(env []string, knownProviders []catwalk.Provider) error {
	resolver := NewEnvironmentVariableResolver(env)
	knownIDs := make(map[string]struct{}, len(knownProviders))

	for _, p := range knownProviders {
		id := string(p.ID)
		knownIDs[id] = struct{}{}

		config, configExists := c.Providers.Get(id)
		if configExists {
			if config.Disable {
				slog.Debug("Skipping provider due to disable flag", "provider", id)
				continue
			}
			config.ID = id
			config.Name = cmp.Or(config.Name, p.Name)
			config.BaseURL = cmp.Or(config.BaseURL, p.APIEndpoint)
			config.Type = cmp.Or(config.Type, p.Type)
			config.APIKey = cmp.Or(config.APIKey, p.APIKey)
			config.Models = mergeModels(p.Models, config.Models)
			c.Providers.Set(id, config)
			continue
		}

		// Known providers are picked up automatically when their api key
		// resolves from the environment.
		if p.APIKey == "" {
			continue
		}
		apiKey, err := resolver.ResolveValue(p.APIKey)
		if err != nil || apiKey == "" {
			continue
		}
		c.Providers.Set(id, ProviderConfig{
			ID:      id,
			Name:    p.Name,
			BaseURL: p.APIEndpoint,
			Type:    p.Type,
			APIKey:  p.APIKey,
			Models:  p.Models,
		})
	}

	// Custom providers must describe themselves.
	for id, config := range c.Providers.Seq2() {
		if _, ok := knownIDs[id]; ok {
			continue
		}
		if config.Disable {
			continue
		}
		config.ID = id
		config.Type = cmp.Or(config.Type, catwalk.TypeOpenAICompat)
		if config.Type == catwalk.TypeOpenAICompat && config.BaseURL == "" {
			slog.Warn("Skipping custom provider without base_url", "provider", id)
			c.Providers.Del(id)
			continue
		}
		if len(config.Models) == 0 {
			slog.Warn("Skipping custom provider without models", "provider", id)
			c.Providers.Del(id)
			continue
		}
		c.Providers.Set(id, config)
	}
	return nil
}

// mergeModels keeps every configured model and adds catalogue models the
// config does not mention.
func mergeModels(known, configured []catwalk.Model) []catwalk.Model {
	byID := make(map[string]catwalk.Model, len(known)+len(configured))
	for _, m := range known {
		byID[m.ID] = m
	}
	for _, m := range configured {
		if k, ok := byID[m.ID]; ok {
			m.Name = cmp.Or(m.Name, k.Name)
			m.DefaultMaxTokens = cmp.Or(m.DefaultMaxTokens, k.DefaultMaxTokens)
			m.CostPer1MIn = cmp.Or(m.CostPer1MIn, k.CostPer1MIn)
			m.CostPer1MOut = cmp.Or(m.CostPer1MOut, k.CostPer1MOut)
			m.CostPer1MInCached = cmp.Or(m.CostPer1MInCached, k.CostPer1MInCached)
			m.CostPer1MOutCached = cmp.Or(m.CostPer1MOutCached, k.CostPer1MOutCached)
		}
		byID[m.ID] = m
	}
	ids := slices.Sorted(maps.Keys(byID))
	models := make([]catwalk.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, byID[id])
	}
	return models
}

// GlobalConfig returns the global configuration file path for the application.
func GlobalConfig() string {
	xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, appName, fmt.Sprintf("%s.json", appName))
	}

	// return the path to the main config directory
	// for windows, it should be in `%LOCALAPPDATA%/parley/`
	// for linux and macOS, it should be in `$HOME/.config/parley/`
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, appName, fmt.Sprintf("%s.json", appName))
	}

	return filepath.Join(home.Dir(), ".config", appName, fmt.Sprintf("%s.json", appName))
}

// GlobalConfigData returns the path to the main data directory for the application.
// this config is used when the app overrides configurations instead of updating the global config.
func GlobalConfigData() string {
	xdgDataHome := os.Getenv("XDG_DATA_HOME")
	if xdgDataHome != "" {
		return filepath.Join(xdgDataHome, appName, fmt.Sprintf("%s.json", appName))
	}

	// return the path to the main data directory
	// for windows, it should be in `%LOCALAPPDATA%/parley/`
	// for linux and macOS, it should be in `$HOME/.local/share/parley/`
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, appName, fmt.Sprintf("%s.json", appName))
	}

	return filepath.Join(home.Dir(), ".local", "share", appName, fmt.Sprintf("%s.json", appName))
}

// ConfigPaths returns every config file Load would read for workingDir.
func ConfigPaths(workingDir string) []string {
	return lookupConfigs(workingDir)
}

// Watch starts a reloader over every config file of workingDir and invokes
// onReload with each freshly loaded config. The reloader stops when ctx is
// done.
func Watch(ctx context.Context, cfg *Config, onReload HotReloaderCallback) (*HotReloader, error) {
	hr, err := NewHotReloader(ConfigPaths(cfg.WorkingDir()), func() (*Config, error) {
		return Load(cfg.WorkingDir(), cfg.Options.DataDirectory, cfg.Options.Debug)
	})
	if err != nil {
		return nil, err
	}
	hr.SetConfig(cfg)
	hr.AddCallback(onReload)
	if err := hr.Start(ctx); err != nil {
		_ = hr.Stop()
		return nil, err
	}
	return hr, nil
}
