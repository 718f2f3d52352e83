// Package tracker owns order status transitions. Every status change goes
// through Advance so the transition table is enforced in one place.
package tracker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
)

// A status can change at most three times, so a writer that keeps losing
// the compare-and-set sees a terminal state well within this bound.
const maxAdvanceAttempts = 4

type Tracker struct {
	orders store.OrderStore
	logger *zap.Logger
}

func New(orders store.OrderStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{orders: orders, logger: logger.Named("tracker")}
}

// StatusView is where an order is in its lifecycle. Status and timestamps
// come from one read so they always agree.
type StatusView struct {
	OrderID   string       `json:"order_id"`
	Status    order.Status `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// GetStatus is a pure read.
func (t *Tracker) GetStatus(ctx context.Context, orderID string) (*StatusView, error) {
	o, err := t.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		OrderID:   o.ID,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}, nil
}

// Advance moves the order to status to. It reports changed=false without
// error when the order is already there. A transition the table forbids is
// logged and returned as *order.TransitionError; the stored status is never
// overwritten in that case.
func (t *Tracker) Advance(ctx context.Context, orderID string, to order.Status) (bool, error) {
	for attempt := 1; attempt <= maxAdvanceAttempts; attempt++ {
		o, err := t.orders.GetOrder(ctx, orderID)
		if err != nil {
			return false, err
		}
		if o.Status == to {
			return false, nil
		}
		if err := order.CheckTransition(o.Status, to); err != nil {
			t.logger.Warn("rejected status transition",
				zap.String("order_id", orderID),
				zap.String("from", string(o.Status)),
				zap.String("to", string(to)))
			return false, err
		}

		changed, err := t.orders.CompareAndSetStatus(ctx, orderID, o.Status, to)
		if err != nil {
			var te *order.TransitionError
			if errors.As(err, &te) {
				t.logger.Warn("rejected status transition",
					zap.String("order_id", orderID),
					zap.String("from", string(te.From)),
					zap.String("to", string(te.To)))
			}
			return false, err
		}
		if changed {
			t.logger.Info("order status changed",
				zap.String("order_id", orderID),
				zap.String("from", string(o.Status)),
				zap.String("to", string(to)))
			return true, nil
		}
		t.logger.Debug("lost status race, re-reading",
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt))
	}
	return false, nil
}
