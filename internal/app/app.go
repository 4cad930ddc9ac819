// Package app wires together services, coordinates the streaming engines,
// and manages application lifecycle.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/db"
	"github.com/parley-ai/parley/internal/log"
	"github.com/parley-ai/parley/internal/message"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/session"
)

type App struct {
	Sessions session.Service
	Messages message.Service

	Coordinator *agent.Coordinator
	Metrics     *metrics.Metrics

	resolver *provider.Resolver

	// global context and cleanup functions
	globalCtx    context.Context
	cleanupFuncs []func() error
}

// New initializes a new application instance.
func New(ctx context.Context, conn *sql.DB, cfg *config.Config) (*App, error) {
	q := db.New(conn)
	m := metrics.NewMetrics()

	var httpClient *http.Client
	if cfg.Options.Debug {
		httpClient = log.NewHTTPClient()
	}

	app := &App{
		Sessions:  session.NewService(q),
		Messages:  message.NewService(q),
		Metrics:   m,
		resolver:  provider.NewResolver(cfg, provider.WithMetrics(m)),
		globalCtx: ctx,
	}

	// cleanup database upon app shutdown
	app.cleanupFuncs = append(app.cleanupFuncs, conn.Close)

	coordinator, err := agent.NewCoordinator(agent.Options{
		Resolver:   app.resolver,
		Sessions:   app.Sessions,
		Messages:   app.Messages,
		Metrics:    m,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize coordinator: %w", err)
	}
	app.Coordinator = coordinator

	app.watchConfig(ctx, cfg)
	return app, nil
}

// Config returns the current application configuration. It changes when a
// config file is edited.
func (app *App) Config() *config.Config {
	return app.resolver.Config()
}

func (app *App) watchConfig(ctx context.Context, cfg *config.Config) {
	hr, err := config.Watch(ctx, cfg, func(next *config.Config) error {
		slog.Info("Configuration reloaded")
		app.resolver.Reload(next)
		return nil
	})
	if err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
		return
	}
	app.cleanupFuncs = append(app.cleanupFuncs, hr.Stop)
}

// Shutdown performs a graceful shutdown of the application.
func (app *App) Shutdown() {
	if app.Coordinator != nil {
		app.Coordinator.Shutdown()
	}
	slog.Debug("Final metrics", "metrics", app.Metrics.GetSnapshot())

	for _, cleanup := range app.cleanupFuncs {
		if cleanup != nil {
			if err := cleanup(); err != nil {
				slog.Error("Failed to cleanup app properly on shutdown", "error", err)
			}
		}
	}
}
