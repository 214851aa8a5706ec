package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/btcdash/btcledger/internal/ledger"
)

// ExpirySweeper is the part of the ledger service the Sweeper drives.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// AccountReconciler is the part of the ledger service the Reconciler drives.
type AccountReconciler interface {
	ReconcileAll(ctx context.Context, batch int) ([]ledger.Reconciliation, error)
}

// loop runs tick every interval until Stop is called or ctx ends.
type loop struct {
	name     string
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	once     sync.Once
}

func newLoop(name string, interval time.Duration, logger *slog.Logger) *loop {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &loop{name: name, interval: interval, logger: logger, stopChan: make(chan struct{})}
}

func (l *loop) run(ctx context.Context, tick func(ctx context.Context)) {
	l.logger.Info("starting worker", "worker", l.name, "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tick(ctx)
		case <-l.stopChan:
			l.logger.Info("stopping worker", "worker", l.name)
			return
		case <-ctx.Done():
			l.logger.Info("context cancelled, stopping worker", "worker", l.name)
			return
		}
	}
}

// Stop ends the loop. It is safe to call more than once.
func (l *loop) Stop() {
	l.once.Do(func() { close(l.stopChan) })
}

// Sweeper releases held reservations whose TTL has passed.
type Sweeper struct {
	*loop
	ledger ExpirySweeper
	batch  int
}

// NewSweeper builds a sweeper that releases up to batch reservations per tick.
func NewSweeper(svc ExpirySweeper, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{loop: newLoop("reservation_sweeper", interval, logger), ledger: svc, batch: batch}
}

// Start blocks until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.run(ctx, func(ctx context.Context) { s.RunOnce(ctx) })
}

// RunOnce performs a single sweep and returns the number released.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.ledger.SweepExpired(ctx, s.batch)
	if err != nil {
		s.logger.Error("reservation sweep failed", "error", err)
	}
	if n > 0 {
		s.logger.Info("expired reservations released", "count", n)
	}
	return n
}

// Reconciler replays every account and puts mismatching ones on hold.
type Reconciler struct {
	*loop
	ledger AccountReconciler
	batch  int
}

func NewReconciler(svc AccountReconciler, interval time.Duration, batch int, logger *slog.Logger) *Reconciler {
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{loop: newLoop("ledger_reconciler", interval, logger), ledger: svc, batch: batch}
}

// Start blocks until Stop is called or ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.run(ctx, func(ctx context.Context) { r.RunOnce(ctx) })
}

// RunOnce reconciles all accounts and returns the mismatches found.
func (r *Reconciler) RunOnce(ctx context.Context) []ledger.Reconciliation {
	mismatches, err := r.ledger.ReconcileAll(ctx, r.batch)
	if err != nil {
		r.logger.Error("reconciliation aborted", "error", err)
	}
	for _, m := range mismatches {
		r.logger.Error("ledger integrity mismatch", "account_id", m.AccountID, "cached", m.Cached, "replayed", m.Replayed)
	}
	return mismatches
}
