// Package app assembles the activation components from a configuration.
//
// Both the server and the CLI build an App; they differ only in the metrics
// registry they pass and in whether the poll sweep is started.
//
//	a, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithMetricsRegistry(reg))
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//	status, err := a.Orchestrator.Activate("shop")
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nomis52/goactivate/config"
	"github.com/nomis52/goactivate/depgraph"
	"github.com/nomis52/goactivate/dispatcher"
	"github.com/nomis52/goactivate/engine/local"
	"github.com/nomis52/goactivate/history"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/metrics"
	"github.com/nomis52/goactivate/orchestrator"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/plugins"
	"github.com/nomis52/goactivate/store"
	"github.com/nomis52/goactivate/store/sqlite"
	"github.com/nomis52/goactivate/topology"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Store        store.Store
	Plugins      *plugin.Registry
	Engine       *local.Engine
	Dispatcher   *dispatcher.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Collector    *logging.Collector
	History      history.Store
	Metrics      *metrics.Activation

	logger   *slog.Logger
	registry metrics.Registry
	handlers *plugins.Set
	closers  []func() error
}

// Option configures New.
type Option func(*App)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithMetricsRegistry selects where metrics are recorded. The default
// discards them.
func WithMetricsRegistry(reg metrics.Registry) Option {
	return func(a *App) {
		a.registry = reg
	}
}

// New builds every component and loads the configured topologies into the
// store. On error everything already built is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		logger:   slog.Default(),
		registry: metrics.NopRegistry{},
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Store, err = a.openStore(); err != nil {
		return nil, err
	}
	if _, err = a.LoadTopologies(ctx); err != nil {
		return nil, err
	}

	if a.handlers, err = plugins.Build(cfg.Plugins, a.logger); err != nil {
		return nil, err
	}
	a.Plugins = plugin.NewRegistry(plugin.WithLogger(a.logger))
	if err = a.handlers.Register(a.Plugins); err != nil {
		return nil, err
	}

	if a.Metrics, err = metrics.NewActivation(a.registry); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	if a.History, err = a.openHistory(); err != nil {
		return nil, err
	}

	a.Collector = logging.NewCollector(0)
	a.Engine = local.New(local.WithLogger(a.logger))
	a.Dispatcher = dispatcher.New(a.Engine, a.Plugins,
		dispatcher.WithLogger(a.logger),
		dispatcher.WithStore(a.Store),
		dispatcher.WithMetrics(a.Metrics),
		dispatcher.WithCollector(a.Collector),
		dispatcher.WithConfig(dispatcher.Config{
			DefaultTimeout:       cfg.Scheduler.DefaultTimeout,
			SlowHandlerThreshold: cfg.Scheduler.SlowHandlerThreshold,
			SignalRetryDelay:     cfg.Scheduler.SignalRetryDelay,
			MessageLimit:         cfg.Scheduler.MessageLimit,
		}),
	)
	a.Engine.SetExecutor(a.Dispatcher)
	a.Orchestrator = orchestrator.New(a.Engine, a.Plugins, a.Dispatcher,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithStore(a.Store),
		orchestrator.WithArchive(a.History),
		orchestrator.WithCollector(a.Collector),
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithMode(depgraph.ModeFor(cfg.Scheduler.IsParallel())),
		orchestrator.WithMessageLimit(cfg.Scheduler.MessageLimit),
	)

	a.logger.Info("activator ready",
		"store", cfg.Store.Driver,
		"topologies", len(cfg.Topologies),
		"handlers", len(a.Plugins.Handlers()),
		"parallel", cfg.Scheduler.IsParallel(),
	)
	return a, nil
}

func (a *App) openStore() (store.Store, error) {
	switch a.Config.Store.Driver {
	case config.StoreSQLite:
		s, err := sqlite.New(a.Config.Store.Path, sqlite.Config{BusyTimeout: a.Config.Store.BusyTimeout})
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func (a *App) openHistory() (history.Store, error) {
	if a.Config.History.Dir == "" {
		return history.NewMemoryStore(a.Config.History.MaxCount), nil
	}
	s, err := history.NewDiskStore(a.Config.History.Dir, a.Config.History.MaxCount, a.logger)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return s, nil
}

// LoadTopologies reads every configured topology file and saves it to the
// store, replacing earlier versions.
func (a *App) LoadTopologies(ctx context.Context) ([]string, error) {
	var (
		loaded []string
		errs   []error
	)
	for _, path := range a.Config.Topologies {
		t, err := topology.LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := a.Store.SaveTopology(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("saving topology %s: %w", t.ID, err))
			continue
		}
		loaded = append(loaded, t.ID)
		a.logger.Info("topology loaded", "topology", t.ID, "items", len(t.Items), "path", path)
	}
	return loaded, errors.Join(errs...)
}

// NewSweeper creates the poll sweep for the dispatcher.
func (a *App) NewSweeper() (*dispatcher.Sweeper, error) {
	return dispatcher.NewSweeper(a.Dispatcher, a.Config.Scheduler.PollInterval, a.logger)
}

// Close stops running operations and releases the store and handlers.
func (a *App) Close() error {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.handlers != nil {
		a.handlers.Close()
	}
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
