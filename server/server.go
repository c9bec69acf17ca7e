// Package server provides the HTTP server for the activator.
//
// The server exposes a REST API to submit lifecycle operations on
// topologies, follow their progress and read the archive of ended ones.
// Configured cron schedules submit operations unattended, and a poll sweep
// drives handlers that complete asynchronously.
//
// # Endpoints
//
//   - GET /health - Liveness and build information
//   - GET /metrics - Prometheus metrics
//   - GET /api/config - Current configuration as YAML, redacted
//   - GET /api/topologies - Stored topology documents
//   - POST /api/topologies/reload - Re-reads the topology files
//   - GET /api/topologies/{id}/plan?operation= - Process graph preview
//   - POST /api/topologies/{id}/{operation} - Submits an operation
//   - GET /api/operations - Operations of this process, refreshed
//   - GET /api/operations/{id} - One operation, live or archived
//   - GET /api/operations/{id}/logs - Handler logs of one operation
//   - GET /api/history - Archived operations
//   - GET /api/schedules - Cron schedules and their next run
//
// # Example
//
//	srv, err := server.New(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nomis52/goactivate/app"
	"github.com/nomis52/goactivate/buildinfo"
	"github.com/nomis52/goactivate/config"
	"github.com/nomis52/goactivate/dispatcher"
	"github.com/nomis52/goactivate/metrics"
	"github.com/nomis52/goactivate/server/cron"
	"github.com/nomis52/goactivate/server/handlers"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Server is the HTTP server of the activator.
type Server struct {
	app        *app.App
	logger     *slog.Logger
	registry   *metrics.ScrapeRegistry
	http       *httpMetrics
	crons      *cron.Manager
	sweeper    *dispatcher.Sweeper
	certLoader *CertLoader
	props      handlers.ServerProperties
}

// New builds the activation components from cfg and the server around them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Server, err error) {
	registry, err := metrics.NewScrapeRegistry()
	if err != nil {
		return nil, err
	}
	httpm, err := newHTTPMetrics(registry)
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithMetricsRegistry(registry))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	topologies, err := a.Store.ListTopologies(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing topologies: %w", err)
	}
	known := make(map[string]bool, len(topologies))
	for _, t := range topologies {
		known[t.ID] = true
	}
	schedules, err := cron.ParseSchedules(cfg.Server.Schedules, known)
	if err != nil {
		return nil, err
	}
	crons, err := cron.NewManager(schedules, a.Orchestrator, logger)
	if err != nil {
		return nil, err
	}

	sweeper, err := a.NewSweeper()
	if err != nil {
		return nil, err
	}

	s := &Server{
		app:      a,
		logger:   logger.With("component", "server"),
		registry: registry,
		http:     httpm,
		crons:    crons,
		sweeper:  sweeper,
	}

	if cfg.Server.TLSCertFile != "" {
		if s.certLoader, err = NewCertLoader(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile, s.logger); err != nil {
			return nil, err
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	s.props = handlers.ServerProperties{
		Build:       buildinfo.Get(),
		StartedAt:   time.Now(),
		Hostname:    hostname,
		StoreDriver: cfg.Store.Driver,
		Parallel:    cfg.Scheduler.IsParallel(),
	}
	return s, nil
}

// Config returns the configuration the server was built from.
func (s *Server) Config() *config.Config {
	return s.app.Config
}

// ReloadTopologies re-reads the topology files into the store.
func (s *Server) ReloadTopologies(ctx context.Context) ([]string, error) {
	return s.app.LoadTopologies(ctx)
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	a := s.app
	r := chi.NewRouter()
	r.Use(recoverer(s.logger), requestLogger(s.logger), s.http.middleware)

	r.Method(http.MethodGet, "/health", handlers.NewHealthHandler(s.props))
	r.Method(http.MethodGet, "/metrics", s.registry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/config", handlers.NewConfigHandler(s))
		r.Method(http.MethodGet, "/schedules", handlers.NewSchedulesHandler(s.crons))
		r.Method(http.MethodGet, "/history", handlers.NewHistoryHandler(a.History))

		r.Route("/topologies", func(r chi.Router) {
			r.Method(http.MethodGet, "/", handlers.NewTopologiesHandler(a.Store))
			r.Method(http.MethodPost, "/reload", handlers.NewReloadHandler(s.logger, s))
			r.Method(http.MethodGet, "/{id}/plan", handlers.NewPlanHandler(a.Orchestrator))
			r.Method(http.MethodPost, "/{id}/{operation}", handlers.NewRunHandler(s.logger, a.Orchestrator))
		})

		r.Route("/operations", func(r chi.Router) {
			r.Method(http.MethodGet, "/", handlers.NewOperationsHandler(a.Orchestrator))
			r.Method(http.MethodGet, "/{id}", handlers.NewOperationHandler(a.Orchestrator, a.History))
			r.Method(http.MethodGet, "/{id}/logs", handlers.NewLogsHandler(a.Orchestrator, a.Collector, a.History))
		})
	})
	return r
}

// Run serves HTTP, runs the cron schedules and the poll sweep until ctx is
// cancelled or one of them fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	defer s.app.Close()

	httpServer := &http.Server{
		Addr:         s.app.Config.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	if s.certLoader != nil {
		httpServer.TLSConfig = &tls.Config{GetCertificate: s.certLoader.GetCertificate}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "addr", httpServer.Addr, "tls", s.certLoader != nil)
		var err error
		if s.certLoader != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if next := s.crons.NextRun(); !next.IsZero() {
			s.logger.Info("starting schedules", "next_run", next)
		}
		return s.crons.Run(ctx)
	})

	g.Go(func() error {
		if err := s.sweeper.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		s.sweeper.Stop()
		return nil
	})

	return g.Wait()
}
