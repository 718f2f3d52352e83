package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
	"github.com/example/ec-order-placement/internal/tracker"
)

type RedriveConfig struct {
	Interval        time.Duration
	PendingAfter    time.Duration
	ProcessingAfter time.Duration
	BatchSize       int
}

// Redriver covers the two gaps at-least-once delivery leaves open: a task
// lost between commit and enqueue, and a worker that died after claiming.
// Stale pending orders are enqueued again; stale processing orders are
// failed. Both are safe because the worker claim is idempotent.
type Redriver struct {
	orders     store.OrderStore
	tracker    *tracker.Tracker
	dispatcher *Dispatcher
	cfg        RedriveConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewRedriver(orders store.OrderStore, tr *tracker.Tracker, d *Dispatcher, cfg RedriveConfig, logger *zap.Logger) *Redriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Redriver{
		orders:     orders,
		tracker:    tr,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger.Named("redriver"),
		now:        time.Now,
	}
}

// Run sweeps every Interval until ctx is done.
func (r *Redriver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("redriver started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("pending_after", r.cfg.PendingAfter),
		zap.Duration("processing_after", r.cfg.ProcessingAfter))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("redrive sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep and reports how many orders were
// re-enqueued and how many were failed.
func (r *Redriver) RunOnce(ctx context.Context) (requeued, failed int, err error) {
	now := r.now()

	pending, err := r.orders.ListOrdersByStatus(ctx, order.StatusPending, now.Add(-r.cfg.PendingAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	for _, o := range pending {
		if err := r.dispatcher.redrive(ctx, o.ID); err != nil {
			r.logger.Warn("re-enqueue failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		requeued++
	}

	stuck, err := r.orders.ListOrdersByStatus(ctx, order.StatusProcessing, now.Add(-r.cfg.ProcessingAfter), r.cfg.BatchSize)
	if err != nil {
		return requeued, 0, err
	}
	for _, o := range stuck {
		changed, err := r.tracker.Advance(ctx, o.ID, order.StatusFailed)
		if err != nil {
			// A worker finishing concurrently wins; that is not a sweep failure.
			if !errors.Is(err, order.ErrInvalidTransition) {
				r.logger.Warn("failing stuck order", zap.String("order_id", o.ID), zap.Error(err))
			}
			continue
		}
		if changed {
			r.logger.Warn("stuck order failed",
				zap.String("order_id", o.ID),
				zap.Time("updated_at", o.UpdatedAt))
			failed++
		}
	}

	if requeued > 0 || failed > 0 {
		r.logger.Info("redrive sweep", zap.Int("requeued", requeued), zap.Int("failed", failed))
	}
	return requeued, failed, nil
}
