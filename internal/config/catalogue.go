package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/catwalk/pkg/catwalk"
	"github.com/charmbracelet/catwalk/pkg/embedded"
)

// catalogueMaxAge is how long a fetched catalogue is trusted before Load
// asks catwalk again.
const catalogueMaxAge = 24 * time.Hour

const catalogueEmbedded = "embedded"

// Catalogue is the set of known providers and models. It fills in metadata
// (context window, output limit, pricing) for model keys that the config
// names without describing.
type Catalogue struct {
	Source    string             `json:"source"`
	FetchedAt time.Time          `json:"fetched_at"`
	Providers []catwalk.Provider `json:"providers"`
}

// Model looks up a "provider/model-id" key.
func (c *Catalogue) Model(key string) (catwalk.Model, bool) {
	if c == nil {
		return catwalk.Model{}, false
	}
	providerID, modelID, ok := ParseModelKey(key)
	if !ok {
		return catwalk.Model{}, false
	}
	for _, p := range c.Providers {
		if string(p.ID) != providerID {
			continue
		}
		for _, m := range p.Models {
			if m.ID == modelID {
				return m, true
			}
		}
	}
	return catwalk.Model{}, false
}

func (c *Catalogue) fresh(now time.Time) bool {
	return c != nil && c.Source != catalogueEmbedded && now.Sub(c.FetchedAt) < catalogueMaxAge
}

type ProviderClient interface {
	GetProviders() ([]catwalk.Provider, error)
}

// CataloguePath is the on-disk cache next to the data config file.
func CataloguePath() string {
	return filepath.Join(filepath.Dir(GlobalConfigData()), "providers.json")
}

func catalogueURL() string {
	return cmp.Or(os.Getenv("CATWALK_URL"), defaultCatwalkURL)
}

// The in-process copy lets hot reloads reuse the catalogue instead of
// reading or fetching it again.
var loaded struct {
	sync.Mutex
	catalogue *Catalogue
}

// LoadCatalogue returns the catalogue for cfg. A cached catalogue younger
// than a day is used as is; otherwise catwalk is asked, falling back to the
// stale cache and then to the embedded catalogue. It never fails: without a
// catalogue only explicitly described models carry metadata.
func LoadCatalogue(cfg *Config) *Catalogue {
	loaded.Lock()
	defer loaded.Unlock()

	now := time.Now()
	autoUpdateDisabled := cfg.Options != nil && cfg.Options.DisableProviderAutoUpdate
	if loaded.catalogue != nil && (autoUpdateDisabled || loaded.catalogue.fresh(now)) {
		return loaded.catalogue
	}
	loaded.catalogue = loadCatalogue(catwalk.NewWithURL(catalogueURL()), CataloguePath(), autoUpdateDisabled, now)
	return loaded.catalogue
}

func loadCatalogue(client ProviderClient, path string, autoUpdateDisabled bool, now time.Time) *Catalogue {
	cached, err := readCatalogue(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Ignoring unreadable provider catalogue", "path", path, "error", err)
	}

	switch {
	case cached != nil && (autoUpdateDisabled || cached.fresh(now)):
		return cached
	case autoUpdateDisabled:
		slog.Warn("Provider auto-update is disabled, using the embedded catalogue")
		return embeddedCatalogue(now)
	}

	providers, err := client.GetProviders()
	if err == nil && len(providers) == 0 {
		err = errors.New("empty provider list")
	}
	if err != nil {
		slog.Warn("Failed to fetch providers from catwalk", "url", catalogueURL(), "error", err)
		if cached != nil {
			return cached
		}
		return embeddedCatalogue(now)
	}

	c := &Catalogue{Source: catalogueURL(), FetchedAt: now, Providers: providers}
	if err := writeCatalogue(path, c); err != nil {
		slog.Warn("Failed to cache provider catalogue", "path", path, "error", err)
	}
	return c
}

func embeddedCatalogue(now time.Time) *Catalogue {
	return &Catalogue{Source: catalogueEmbedded, FetchedAt: now, Providers: embedded.GetAll()}
}

func readCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalogue
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(c.Providers) == 0 {
		return nil, fmt.Errorf("%s lists no providers", path)
	}
	return &c, nil
}

func writeCatalogue(path string, c *Catalogue) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// UpdateCatalogue replaces the cached catalogue with the one found at
// source: "embedded", an http(s) catwalk URL or a local JSON file holding a
// provider list. An empty source means the default catwalk URL. Running
// processes pick the new catalogue up on their next config reload.
func UpdateCatalogue(source string) (*Catalogue, error) {
	source = cmp.Or(source, catalogueURL())
	providers, err := fetchProviders(source)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers found in %s", source)
	}

	c := &Catalogue{Source: source, FetchedAt: time.Now(), Providers: providers}
	path := CataloguePath()
	if err := writeCatalogue(path, c); err != nil {
		return nil, fmt.Errorf("failed to save provider catalogue: %w", err)
	}

	loaded.Lock()
	loaded.catalogue = c
	loaded.Unlock()

	slog.Info("Provider catalogue updated", "count", len(providers), "from", source, "to", path)
	return c, nil
}

func fetchProviders(source string) ([]catwalk.Provider, error) {
	switch {
	case source == catalogueEmbedded:
		return embedded.GetAll(), nil
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		providers, err := catwalk.NewWithURL(source).GetProviders()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch providers from catwalk: %w", err)
		}
		return providers, nil
	default:
		content, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		var providers []catwalk.Provider
		if err := json.Unmarshal(content, &providers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider data: %w", err)
		}
		return providers, nil
	}
}
