// Package app wires settings, storage, the warehouse client and the engine
// into one process context shared by the CLI and the server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"creditline/internal/config"
	"creditline/internal/db"
	"creditline/internal/engine"
	"creditline/internal/logging"
	"creditline/internal/migrate"
	"creditline/internal/server"
	"creditline/internal/warehouse"
)

type App struct {
	Settings config.Settings
	Log      zerolog.Logger
	DB       *sql.DB
	Engine   *engine.Engine

	closers []io.Closer
}

// Open prepares the local store and an engine for s. Runs a previous process
// left in the started state are marked failed.
func Open(ctx context.Context, s config.Settings, console io.Writer) (*App, error) {
	log, logCloser, err := logging.New(logging.Options{
		Level:      s.Log.Level,
		File:       s.Log.File,
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		JSON:       s.Log.JSON,
		Console:    console,
	})
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	a := &App{Settings: s, Log: log, closers: []io.Closer{logCloser}}

	conn, err := db.Open(db.Config{Workspace: s.Workspace, Path: s.DB.Path})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn)
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	wh, cache, err := newWarehouse(s.Warehouse, logging.Component(log, "warehouse"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = engine.New(conn, wh, engine.Options{
		Sync:      s.Sync,
		CacheSize: s.Cache.Size,
		CacheTTL:  s.Cache.TTL,
		Log:       logging.Component(log, "engine"),
		Purgers:   []engine.Purger{cache},
		Notifiers: notifiers(s.Webhooks, log),
	})
	if n, err := a.Engine.Events.AbandonStale(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("abandon stale runs: %w", err)
	} else if n > 0 {
		log.Warn().Int("runs", n).Msg("marked interrupted sync runs failed")
	}

	if s.ConstantsFile != "" {
		c, err := config.FromFile(s.ConstantsFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("constants %s: %w", s.ConstantsFile, err)
		}
		if err := a.Engine.ImportConstants(ctx, c); err != nil {
			a.Close()
			return nil, err
		}
	} else if err := a.Engine.RefreshLookup(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newWarehouse(s config.WarehouseSettings, log zerolog.Logger) (warehouse.Client, *warehouse.Caching, error) {
	var base warehouse.Client
	switch {
	case strings.TrimSpace(s.Dir) != "":
		base = warehouse.DirClient{Dir: s.Dir}
	case strings.TrimSpace(s.URL) != "":
		base = warehouse.NewHTTPClient(s.URL, s.Token, s.Timeout)
	default:
		return nil, nil, errors.New("warehouse.url or warehouse.dir is required")
	}
	cache := warehouse.WithCache(warehouse.WithRetry(base, s.RetryAttempts, s.RetryBackoff, log), s.CacheSize, s.CacheTTL)
	return cache, cache, nil
}

func notifiers(hooks []config.WebhookConfig, log zerolog.Logger) []engine.Notifier {
	if len(hooks) == 0 {
		return nil
	}
	return []engine.Notifier{server.NewWebhooks(hooks, logging.Component(log, "webhooks"))}
}

// Handler builds the HTTP API for the app's engine.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Settings.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: a.Settings.Server.JWTSecret},
		Log:      logging.Component(a.Log, "http"),
	})
}

// Close waits for background runs and releases the store and log file.
func (a *App) Close() error {
	if a.Engine != nil {
		a.Engine.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
