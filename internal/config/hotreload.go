package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/xxh3"
)

// HotReloader provides configuration hot-reloading capabilities
type HotReloader struct {
	mu          sync.RWMutex
	config      *Config
	configPaths []string
	load        func() (*Config, error)
	watcher     *fsnotify.Watcher
	callbacks   []HotReloaderCallback
	hashes      map[string]uint64
	debounceMap map[string]time.Time
	done        chan struct{}
}

// HotReloaderCallback is called when configuration is reloaded
type HotReloaderCallback func(*Config) error

// NewHotReloader creates a reloader watching configPaths. load produces the
// new configuration whenever one of them changes content.
func NewHotReloader(configPaths []string, load func() (*Config, error)) (*HotReloader, error) {
	if len(configPaths) == 0 {
		return nil, errors.New("no config paths to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	hr := &HotReloader{
		configPaths: configPaths,
		load:        load,
		watcher:     watcher,
		hashes:      make(map[string]uint64),
		debounceMap: make(map[string]time.Time),
		done:        make(chan struct{}),
	}
	for _, path := range configPaths {
		hr.hashes[filepath.Clean(path)], _ = hashFile(path)
	}
	return hr, nil
}

// Start begins watching for configuration changes until ctx is done.
func (hr *HotReloader) Start(ctx context.Context) error {
	// Watch the directories so files created after start are seen too.
	var dirs []string
	for _, path := range hr.configPaths {
		dir := filepath.Dir(path)
		if slices.Contains(dirs, dir) {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		dirs = append(dirs, dir)
		if err := hr.watcher.Add(dir); err != nil {
			return err
		}
	}

	go hr.watchLoop(ctx)
	slog.Info("Configuration hot reloader started", "paths", hr.configPaths)
	return nil
}

// AddCallback adds a callback to be called when configuration changes
func (hr *HotReloader) AddCallback(callback HotReloaderCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.callbacks = append(hr.callbacks, callback)
}

// SetConfig sets the current configuration
func (hr *HotReloader) SetConfig(config *Config) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.config = config
}

// GetConfig returns the current configuration
func (hr *HotReloader) GetConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.config
}

// watchLoop watches for file system events
func (hr *HotReloader) watchLoop(ctx context.Context) {
	defer close(hr.done)
	const debounceTime = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-hr.watcher.Events:
			if !ok {
				return
			}

			// Only handle events for our config files
			name := filepath.Clean(event.Name)
			if !hr.isConfigFile(name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}

			// Debounce rapid events
			now := time.Now()
			if last, exists := hr.debounceMap[name]; exists && now.Sub(last) < debounceTime {
				continue
			}
			hr.debounceMap[name] = now

			if !hr.contentChanged(name) {
				slog.Debug("Configuration file touched without changes", "file", name)
				continue
			}

			slog.Debug("Configuration file changed, reloading", "file", name)
			if err := hr.reloadConfig(); err != nil {
				slog.Error("Failed to reload configuration", "error", err)
			}

		case err, ok := <-hr.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// isConfigFile checks if the event is for one of our config files
func (hr *HotReloader) isConfigFile(filename string) bool {
	return slices.ContainsFunc(hr.configPaths, func(path string) bool {
		return filepath.Clean(path) == filename
	})
}

func (hr *HotReloader) contentChanged(path string) bool {
	sum, _ := hashFile(path)
	if prev, ok := hr.hashes[path]; ok && prev == sum {
		return false
	}
	hr.hashes[path] = sum
	return true
}

// reloadConfig reloads the configuration from disk
func (hr *HotReloader) reloadConfig() error {
	newConfig, err := hr.load()
	if err != nil {
		return err
	}

	hr.mu.Lock()
	oldConfig := hr.config
	hr.config = newConfig
	callbacks := slices.Clone(hr.callbacks)
	hr.mu.Unlock()

	for i, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			slog.Error("Configuration reload callback failed", "callback", i, "error", err)
			// Rollback on first error
			hr.mu.Lock()
			hr.config = oldConfig
			hr.mu.Unlock()
			return err
		}
	}

	slog.Info("Configuration reloaded successfully")
	return nil
}

// Stop stops the hot reloader
func (hr *HotReloader) Stop() error {
	return hr.watcher.Close()
}

// hashFile returns the xxh3 digest of path, zero when it does not exist.
func hashFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return xxh3.Hash(data), nil
}
