package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/medaid/medaid/internal/cache/db"
	"github.com/medaid/medaid/internal/cache/schema"
	cachesync "github.com/medaid/medaid/internal/cache/sync"
	"github.com/medaid/medaid/internal/config"
	"github.com/medaid/medaid/internal/metrics"
	"github.com/medaid/medaid/internal/remote"
	"github.com/medaid/medaid/internal/remote/postgres"
	"github.com/medaid/medaid/internal/remote/rest"
)

// app bundles the opened cache, backend and service for one command.
type app struct {
	db       *db.DB
	remote   remote.Store
	service  *cachesync.Service
	registry *prometheus.Registry
	closers  []func() error
}

// openCache opens and initializes the local store at the configured path.
func openCache(ctx context.Context) (*db.DB, error) {
	if dir := filepath.Dir(cfg.DB.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// openRemote connects the configured backend driver.
func openRemote(ctx context.Context) (remote.Store, func() error, error) {
	if err := cfg.RequireRemote(); err != nil {
		return nil, nil, err
	}

	switch cfg.Remote.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.Remote.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		names := make([]string, 0, len(schema.Collections()))
		for _, c := range schema.Collections() {
			names = append(names, c.Name)
		}
		if err := store.EnsureTables(ctx, names...); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		client, err := rest.New(rest.Config{
			BaseURL: cfg.Remote.URL,
			APIKey:  cfg.Remote.APIKey,
			Retries: cfg.Remote.Retries,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() error { return nil }, nil
	}
}

// newRegistry returns a metrics registry with the runtime collectors.
func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// openApp opens the cache and backend and builds the sync service.
func openApp(ctx context.Context, observer cachesync.Observer) (*app, error) {
	return openAppWith(ctx, observer, newRegistry())
}

// openAppWith is openApp with a caller-owned metrics registry.
func openAppWith(ctx context.Context, observer cachesync.Observer, registry *prometheus.Registry) (*app, error) {
	database, err := openCache(ctx)
	if err != nil {
		return nil, err
	}

	rs, closeRemote, err := openRemote(ctx)
	if err != nil {
		database.Close()
		return nil, err
	}

	svcCfg := cachesync.DefaultConfig()
	svcCfg.RemoteTimeout = cfg.Remote.Timeout
	svcCfg.ItemDelay = cfg.Reconcile.ItemDelay
	svcCfg.Logger = logger
	svcCfg.Metrics = metrics.New(registry)
	svcCfg.Observer = observer

	return &app{
		db:       database,
		remote:   rs,
		service:  cachesync.New(database, rs, svcCfg),
		registry: registry,
		closers:  []func() error{closeRemote, database.Close},
	}, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			logger.Sugar().Warnf("close failed: %v", err)
		}
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
