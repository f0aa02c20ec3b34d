package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StuckReaper resets tasks stuck in processing.
type StuckReaper interface {
	ReapStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Reconciler credits payments recorded but never applied.
type Reconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration) (int, error)
}

// ReaperConfig holds configuration for the background reaper.
type ReaperConfig struct {
	// Queue is reaped of stuck tasks
	Queue StuckReaper

	// Ledger is reconciled on the same tick (optional)
	Ledger Reconciler

	// Interval between sweeps (default: 60s)
	Interval time.Duration

	// Threshold is how long a task may stay processing (default: 10m)
	Threshold time.Duration

	// ReconcileAfter is the minimum age of an uncredited payment before it
	// is reconciled, so in-flight confirmations are left alone (default: 1m)
	ReconcileAfter time.Duration

	Logger *zap.Logger
}

// ReapResult summarises one sweep.
type ReapResult struct {
	Reaped     int64
	Reconciled int
}

// Reaper periodically recovers tasks orphaned by crashed workers.
type Reaper struct {
	queue          StuckReaper
	ledger         Reconciler
	interval       time.Duration
	threshold      time.Duration
	reconcileAfter time.Duration
	logger         *zap.Logger
}

// NewReaper creates a new reaper.
func NewReaper(cfg ReaperConfig) *Reaper {
	interval := cfg.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 10 * time.Minute
	}
	reconcileAfter := cfg.ReconcileAfter
	if reconcileAfter == 0 {
		reconcileAfter = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		queue:          cfg.Queue,
		ledger:         cfg.Ledger,
		interval:       interval,
		threshold:      threshold,
		reconcileAfter: reconcileAfter,
		logger:         logger,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Errors are logged; the next tick tries
// again.
func (r *Reaper) RunOnce(ctx context.Context) ReapResult {
	var res ReapResult

	n, err := r.queue.ReapStuck(ctx, r.threshold)
	if err != nil {
		r.logger.Warn("reaper: reap stuck tasks failed", zap.Error(err))
	} else {
		res.Reaped = n
	}

	if r.ledger != nil {
		c, err := r.ledger.Reconcile(ctx, r.reconcileAfter)
		if err != nil {
			r.logger.Warn("reaper: ledger reconcile failed", zap.Error(err))
		}
		res.Reconciled = c
	}

	if res.Reaped > 0 || res.Reconciled > 0 {
		r.logger.Info("reaper sweep",
			zap.Int64("reaped", res.Reaped),
			zap.Int("reconciled", res.Reconciled))
	}
	return res
}
