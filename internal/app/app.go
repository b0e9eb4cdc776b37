// Package app assembles the offline sync service from its configuration.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/kv"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/mutation"
	"github.com/kimhsiao/offlinesync/internal/server"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/connectivity"
	"github.com/kimhsiao/offlinesync/internal/sync/executor"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
	"github.com/kimhsiao/offlinesync/internal/sync/storage"
	"github.com/kimhsiao/offlinesync/internal/telemetry"
	"github.com/kimhsiao/offlinesync/internal/validation"
)

// Option customizes assembly.
type Option func(*options)

type options struct {
	exec   executor.Executor
	prober connectivity.Prober
	store  kv.Store
	logger *logging.Logger
}

// WithExecutor replaces the GraphQL client built from executor.endpoint.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) { o.exec = e }
}

// WithProber replaces the HTTP prober built from connectivity.probe_url.
func WithProber(p connectivity.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithStore replaces the key/value backend selected by the storage section.
func WithStore(s kv.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the root logger passed to every component.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// App holds the running components.
type App struct {
	Config    *config.Config
	Store     kv.Store
	Monitor   *connectivity.Monitor
	Resolver  *conflict.Resolver
	Queue     *queue.Manager
	Facade    *mutation.Facade
	Metrics   *telemetry.Metrics
	Scheduler *scheduler.Scheduler
	Server    *server.Server

	logger    *logging.Logger
	unsubs    []func()
	closeOnce sync.Once
	closeErr  error
}

// New builds every component and initializes the queue. Nothing is polled
// until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.Get()
	}

	exec := o.exec
	if exec == nil {
		if cfg.Executor.Endpoint == "" {
			return nil, errors.New(errors.ErrInvalid, "executor.endpoint is required")
		}
		exec = executor.NewGraphQLClient(&executor.GraphQLConfig{
			Endpoint: cfg.Executor.Endpoint,
			Headers:  cfg.Executor.Headers,
			Timeout:  cfg.Queue.CallTimeout,
		})
	}

	store := o.store
	if store == nil {
		var err error
		store, err = kv.Open(cfg.StorageOptions())
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to open storage", err)
		}
	}

	prober := o.prober
	if prober == nil && cfg.Connectivity.ProbeURL != "" {
		prober = connectivity.NewHTTPProber(cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeTimeout)
	}

	a := &App{
		Config:   cfg,
		Store:    store,
		Monitor:  connectivity.NewMonitor(prober, connectivity.WithInterval(cfg.Connectivity.Interval), connectivity.WithLogger(logger)),
		Resolver: conflict.NewResolver(cfg.ConflictPolicies()),
		Metrics:  telemetry.New(),
		logger:   logger.Named("app"),
	}

	a.Queue = queue.NewManager(
		storage.NewQueueStore(store, cfg.Queue.StorageKey, logger),
		a.Monitor,
		a.Resolver,
		queue.WithMaxRetries(cfg.Queue.MaxRetries),
		queue.WithCallTimeout(cfg.Queue.CallTimeout),
		queue.WithLogger(logger),
	)
	a.unsubs = append(a.unsubs,
		a.Queue.Subscribe(a.Metrics.HandleEvent),
		a.Monitor.Subscribe(a.Metrics.ObserveConnectivity),
	)
	if err := a.Queue.Initialize(ctx, exec); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	a.Metrics.SetDeadLetters(len(a.Queue.DeadLetters()))

	a.Facade = mutation.New(exec, a.Queue, a.Monitor,
		mutation.WithValidator(validation.NewValidator(nil)),
		mutation.WithCallTimeout(cfg.Queue.CallTimeout),
		mutation.WithObserver(a.Metrics),
		mutation.WithLogger(logger),
	)

	a.Scheduler = scheduler.NewScheduler(a.Queue, a.Monitor, &scheduler.SchedulerConfig{
		RetryInterval: cfg.Scheduler.RetryInterval,
		MaxBackoff:    cfg.Scheduler.MaxBackoff,
	})
	a.Scheduler.SetLogger(logger)

	a.Server = server.New(server.Config{
		Facade:    a.Facade,
		Queue:     a.Queue,
		Monitor:   a.Monitor,
		Resolver:  a.Resolver,
		Scheduler: a.Scheduler,
		Metrics:   a.Metrics,
		Logger:    logger,
	})
	return a, nil
}

// Start begins connectivity polling and periodic retries.
func (a *App) Start(ctx context.Context) {
	a.Monitor.Start(ctx)
	a.Scheduler.Start(ctx)
}

// Run starts the background components and serves the API until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.Start(ctx)
	defer a.Close()
	return a.Server.ListenAndServe(ctx, a.Config.Server.Addr)
}

// Close stops every component in reverse order of construction. Later calls
// return the first call's result.
func (a *App) Close() error {
	a.closeOnce.Do(func() { a.closeErr = a.shutdown() })
	return a.closeErr
}

func (a *App) shutdown() error {
	if a.Server != nil {
		a.Server.Close()
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	a.Monitor.Stop()
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil

	var firstErr error
	if err := a.Queue.Close(); err != nil {
		firstErr = err
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		a.logger.Error("Shutdown finished with errors", firstErr, nil)
	}
	return firstErr
}
