package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/btcdash/btcledger/internal/apierror"
	"github.com/btcdash/btcledger/internal/clock"
	"github.com/btcdash/btcledger/internal/config"
	"github.com/btcdash/btcledger/internal/ledger"
	"github.com/btcdash/btcledger/internal/notification"
	"github.com/btcdash/btcledger/internal/oracle"
	"github.com/btcdash/btcledger/internal/payout"
	"github.com/btcdash/btcledger/internal/routes"
	"github.com/btcdash/btcledger/internal/worker"
)

// Server wraps the Fiber application, the ledger and its background workers.
type Server struct {
	app        *fiber.App
	cfg        config.Config
	db         *pgxpool.Pool
	cache      *redis.Client
	logger     *slog.Logger
	ledger     *ledger.Service
	sweeper    *worker.Sweeper
	reconciler *worker.Reconciler
	workers    sync.WaitGroup
}

// NewLedger builds the ledger service for cfg. Without a database pool the
// in-memory store is used, which is only allowed in dev.
func NewLedger(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, clk clock.Clock, logger *slog.Logger) (*ledger.Service, oracle.Oracle, error) {
	var store ledger.Store
	if db != nil {
		store = ledger.NewPostgresStore(db, ledger.PostgresOptions{
			MaxRetries: cfg.StoreMaxRetries,
			RetryBase:  cfg.StoreRetryBase,
			Logger:     logger,
		})
	} else {
		logger.Warn("no database configured, using in-memory ledger store")
		store = ledger.NewMemoryStore()
	}

	static, err := oracle.ParseStatic(cfg.StaticRates)
	if err != nil {
		return nil, nil, fmt.Errorf("parse STATIC_RATES: %w", err)
	}
	var rates oracle.Oracle = static
	if cache != nil {
		rates = oracle.NewRedisCache(static, cache, cfg.RateCacheTTL, logger)
	}

	validator, err := payout.NewBitcoinValidator(cfg.BTCNetwork)
	if err != nil {
		return nil, nil, err
	}

	svc := ledger.NewService(store, clk, ledger.Options{
		IdempotencyWindow:     cfg.LedgerIdempotencyWindow,
		NewAccountLock:        cfg.NewAccountLock,
		RelockAfterWithdrawal: cfg.RelockAfterWithdrawal,
		RelockDuration:        cfg.RelockDuration,
		DefaultReservationTTL: cfg.ReservationTTL,
		MaxReservationTTL:     cfg.ReservationMaxTTL,
		Logger:                logger,
		Notifier:              notification.NewLoggerNotifier(logger),
		Destinations:          validator,
		Oracle:                rates,
	})
	return svc, rates, nil
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	clk := clock.System{}
	svc, rates, err := NewLedger(cfg, db, cache, clk, logger)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: apierror.Handler,
	})

	deps := routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger, Ledger: svc, Rates: rates, Clock: clk}
	if err := routes.Setup(app, deps); err != nil {
		return nil, err
	}

	return &Server{
		app:        app,
		cfg:        cfg,
		db:         db,
		cache:      cache,
		logger:     logger,
		ledger:     svc,
		sweeper:    worker.NewSweeper(svc, cfg.SweepInterval, 0, logger),
		reconciler: worker.NewReconciler(svc, cfg.ReconcileInterval, 0, logger),
	}, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// StartWorkers runs the reservation sweeper and the reconciler until
// Shutdown or ctx ends.
func (s *Server) StartWorkers(ctx context.Context) {
	for _, start := range []func(context.Context){s.sweeper.Start, s.reconciler.Start} {
		s.workers.Add(1)
		go func(start func(context.Context)) {
			defer s.workers.Done()
			start(ctx)
		}(start)
	}
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops the workers and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sweeper.Stop()
	s.reconciler.Stop()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("workers did not stop before shutdown deadline")
	}
	return s.app.ShutdownWithContext(ctx)
}
