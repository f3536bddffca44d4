package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/syncore/cmd/syncd/handlers"
	"github.com/kimhsiao/syncore/internal/config"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/network"
	"github.com/kimhsiao/syncore/internal/services"
	"github.com/kimhsiao/syncore/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control server with background sync",
		Long: `Run the local control server. Mutations made through the REST API are
written to the local store at once and delivered to the backend in the
background; progress and conflicts are pushed over /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

// server is a running serve instance.
type server struct {
	app       *app
	scheduler *scheduler.Scheduler
	hub       *Hub
	services  []*services.CacheService
	http      *http.Server
}

func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	a, err := openApp(ctx, cfg, appOptions{requireRemote: true})
	if err != nil {
		return nil, err
	}

	s := &server{app: a, hub: NewHub()}
	s.scheduler = scheduler.NewScheduler(a.engine, a.monitor, &scheduler.SchedulerConfig{
		Debounce:     cfg.Sync.Debounce,
		SyncInterval: cfg.Sync.Interval,
	})
	// The monitor debounces reconnects itself.
	a.monitor.SetTrigger(func(reason string) { s.scheduler.TriggerSync(reason) })

	a.engine.AddProgressListener(s.hub.BroadcastProgress)
	a.engine.AddConflictListener(s.hub.BroadcastConflict)
	a.monitor.Subscribe(s.hub.BroadcastNetwork)

	records := make([]*handlers.RecordHandler, 0, len(models.Kinds()))
	for _, kind := range models.Kinds() {
		svc := services.NewCacheService(kind, a.store, a.queue, a.client, a.monitor, &services.CacheConfig{
			Priority: kind.DefaultPriority(),
		})
		svc.SetOnRefreshed(s.hub.BroadcastRefreshed)
		s.services = append(s.services, svc)
		records = append(records, handlers.NewRecordHandler(svc))
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Sync:      handlers.NewSyncHandler(a.engine, s.scheduler, cfg.Sync.FailedRetention),
		Network:   handlers.NewNetworkHandler(a.monitor),
		Records:   records,
		WebSocket: s.hub,
		Metrics:   a.metrics.Handler(),
	})
	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// runServe serves until ctx is done. A non-nil ready receives the bound
// address once the listener is up.
func runServe(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	s, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, svc := range s.services {
			svc.Wait()
		}
		if err := s.app.Close(); err != nil {
			logging.Error("Failed to close database", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}

	if purged, err := s.app.engine.Cleanup(ctx, cfg.Sync.FailedRetention); err != nil {
		logging.Error("Startup cleanup failed", err)
	} else if purged > 0 {
		logging.Info("Purged expired failed actions", map[string]interface{}{"purged": purged})
	}

	prober := network.NewProber(s.app.client, s.app.monitor, cfg.Network.ProbeInterval, nil)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run()
		return nil
	})
	g.Go(func() error {
		return prober.Run(gctx)
	})
	g.Go(func() error {
		s.scheduler.Start(gctx)
		<-gctx.Done()
		s.scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		return config.Watch(gctx, cfg.Path(), func(next *config.Config) {
			s.reload(next)
		})
	})
	g.Go(func() error {
		logging.Info("Control server listening", map[string]interface{}{
			"addr":    ln.Addr().String(),
			"version": version,
		})
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.hub.Close()
		return s.http.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logging.Info("Control server stopped", nil)
	return err
}

// reload applies the settings that can change without a restart.
func (s *server) reload(next *config.Config) {
	logging.Get().SetLevel(next.LogLevel())
	strategies, err := next.ConflictStrategies()
	if err != nil {
		logging.Warn("Ignoring invalid conflict strategies", map[string]interface{}{"error": err.Error()})
		return
	}
	s.app.resolver.SetStrategies(strategies)
}
