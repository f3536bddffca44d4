package main

import (
	"context"

	"github.com/kimhsiao/syncore/internal/config"
	"github.com/kimhsiao/syncore/internal/db"
	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/network"
	syncpkg "github.com/kimhsiao/syncore/internal/sync"
	"github.com/kimhsiao/syncore/internal/sync/conflict"
	"github.com/kimhsiao/syncore/internal/sync/queue"
	"github.com/kimhsiao/syncore/internal/sync/remote"
	"github.com/kimhsiao/syncore/internal/telemetry"
)

// app is the assembled sync core shared by serve and the one-shot
// commands.
type app struct {
	cfg      *config.Config
	database *db.DB
	store    *db.Store
	queue    *queue.SyncQueue
	client   *remote.Client
	resolver *conflict.Resolver
	metrics  *telemetry.Metrics
	monitor  *network.Monitor
	engine   *syncpkg.Engine
}

type appOptions struct {
	// requireRemote fails when remote.base_url is unset.
	requireRemote bool
}

func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.Remote.BaseURL != "" {
		client, err := remote.NewClient(remote.Config{
			BaseURL:   cfg.Remote.BaseURL,
			Timeout:   cfg.Remote.Timeout,
			Token:     cfg.Remote.Token,
			UserAgent: "syncd/" + version,
		})
		if err != nil {
			return nil, err
		}
		a.client = client
	} else if opts.requireRemote {
		return nil, apperrors.New(apperrors.ErrInvalid, "remote.base_url is not configured")
	}

	strategies, err := cfg.ConflictStrategies()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid conflict strategies", err)
	}
	a.resolver = conflict.NewResolver(strategies)

	if cfg.Telemetry.Enabled {
		telemetry.EnableTelemetry()
		a.metrics = telemetry.NewMetrics()
	}

	database, err := db.Open(ctx, db.Options{DataDir: cfg.DataDir})
	if err != nil {
		return nil, err
	}
	a.database = database
	a.store = db.NewStore(database)
	a.queue = queue.NewSyncQueue(a.store, queue.Options{MaxRetry: cfg.Sync.MaxRetry})

	// Offline until the first probe answers.
	a.monitor = network.NewMonitor(a.queue, network.Config{
		ReconnectDebounce: cfg.Network.ReconnectDebounce,
		Metrics:           a.metrics,
	})

	var rem syncpkg.Remote
	if a.client != nil {
		rem = a.client
	}
	a.engine = syncpkg.NewEngine(a.store, a.queue, rem, a.resolver, a.monitor, syncpkg.Config{
		BatchSize:  cfg.Sync.BatchSize,
		BatchPause: cfg.Sync.BatchPause,
		Backoff:    cfg.Backoff(),
		Metrics:    a.metrics,
	})
	return a, nil
}

func (a *app) Close() error {
	a.engine.Close()
	a.monitor.Close()
	return a.database.Close()
}
