// Package app initializes and holds the long-lived services of the
// extraction queue, acting as the dependency injection container for the
// serve command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/api"
	"github.com/refbench/extractq/internal/broadcast"
	"github.com/refbench/extractq/internal/config"
	"github.com/refbench/extractq/internal/extraction"
	"github.com/refbench/extractq/internal/logging"
	"github.com/refbench/extractq/internal/metrics"
	"github.com/refbench/extractq/internal/publisher/memory"
	"github.com/refbench/extractq/internal/publisher/pubsub"
	"github.com/refbench/extractq/internal/queue"
	"github.com/refbench/extractq/internal/recompute"
	"github.com/refbench/extractq/internal/worker"
)

const broadcastBufSize = 64

// App owns every long-lived service: the database pool, queue coordinator,
// broadcaster, recompute scheduler, worker pool, recovery loop, and the
// HTTP server. Build one with New, run it with Run, release it with Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	db         *pgxpool.Pool
	coord      *queue.Coordinator
	bcast      *broadcast.Broadcaster
	aggregates *recompute.Store
	scheduler  *recompute.Scheduler
	pub        extraction.Publisher
	pool       *worker.Pool
	recovery   *worker.Recovery
	httpServer *http.Server
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// New wires all services from configuration. It connects to Postgres,
// applies the schema, and fails fast when any dependency cannot be built.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	poolCfg, err := pgxpool.ParseConfig(cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse db dsn: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}
	if cfg.DB.MinConns > 0 {
		poolCfg.MinConns = cfg.DB.MinConns
	}
	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := queue.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	coord := queue.NewCoordinator(db, logger, queue.Options{ClaimRetries: cfg.Queue.ClaimRetries})
	bcast := broadcast.New(broadcastBufSize, logger)

	aggregates := recompute.NewStore(db)
	scheduler := recompute.NewScheduler(aggregates, bcast, logger, recompute.Config{
		Debounce:  cfg.Recompute.Debounce,
		BatchSize: cfg.Recompute.BatchSize,
	})

	pub, err := newPublisher(ctx, cfg.Publisher, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	extractor := extraction.NewClient(cfg.Extractor.Endpoint, cfg.Extractor.Timeout)

	pool := worker.New(coord, coord, extractor, bcast, scheduler, pub, worker.Config{
		Workers:           cfg.Queue.Workers,
		PollInterval:      cfg.Queue.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Topic:             cfg.Publisher.TopicID,
	}, logger)

	recovery := worker.NewRecovery(coord, bcast, scheduler, worker.RecoveryConfig{
		Interval:    cfg.Queue.RecoveryInterval,
		StaleAfter:  cfg.Queue.StaleAfter,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, logger)

	server := api.NewServer(coord, aggregates, scheduler, bcast, db.Ping, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		coord:      coord,
		bcast:      bcast,
		aggregates: aggregates,
		scheduler:  scheduler,
		pub:        pub,
		pool:       pool,
		recovery:   recovery,
		httpServer: httpServer,
	}, nil
}

func newPublisher(ctx context.Context, cfg config.PublisherConfig, logger *zap.Logger) (extraction.Publisher, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		logger.Info("using in-memory publisher")
		return memory.New(), nil
	case "pubsub":
		logger.Info("connecting to Pub/Sub",
			zap.String("project", cfg.ProjectID), zap.String("topic", cfg.TopicID))
		pub, err := pubsub.New(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", cfg.Provider)
	}
}

// Run starts everything and blocks until ctx finishes, then shuts the HTTP
// server, workers, and scheduler down in order.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.scheduler.Start(ctx)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.pool.Run(ctx)
	}()
	recoveryDone := make(chan struct{})
	go func() {
		defer close(recoveryDone)
		a.recovery.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", zap.Error(runErr))
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	<-poolDone
	<-recoveryDone
	a.scheduler.Stop()

	return runErr
}

// Close releases connections and flushes logs. Call after Run returns.
func (a *App) Close() {
	a.bcast.Close()
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.logger.Warn("close publisher", zap.Error(err))
		}
	}
	a.db.Close()
	_ = a.logger.Sync()
}
