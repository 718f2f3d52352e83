// Package worker fulfills accepted orders delivered by the task queue.
// Deliveries are at-least-once, so the pending -> processing claim decides
// which delivery does the work; every other delivery is acknowledged as a
// no-op.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/dispatch"
	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
	"github.com/example/ec-order-placement/internal/tracker"
)

// Fulfiller performs the external side effects of an order.
type Fulfiller interface {
	Fulfill(ctx context.Context, o *order.Order) error
}

// Outcome of a single Process call.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeMissing   = "missing"
)

type Worker struct {
	orders      store.OrderStore
	tracker     *tracker.Tracker
	fulfiller   Fulfiller
	maxAttempts uint64
	logger      *zap.Logger
	tracer      trace.Tracer
}

func New(orders store.OrderStore, tr *tracker.Tracker, f Fulfiller, maxAttempts uint64, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &Worker{
		orders:      orders,
		tracker:     tr,
		fulfiller:   f,
		maxAttempts: maxAttempts,
		logger:      logger.Named("worker"),
		tracer:      otel.Tracer("github.com/example/ec-order-placement/internal/worker"),
	}
}

// HandleMessage is the queue consumer callback. Messages that cannot be
// decoded are dropped; an error return asks for redelivery.
func (w *Worker) HandleMessage(ctx context.Context, key, value []byte) error {
	var msg dispatch.TaskMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		w.logger.Error("dropping undecodable task", zap.ByteString("key", key), zap.Error(err))
		return nil
	}
	if msg.OrderID == "" {
		w.logger.Error("dropping task without order id", zap.ByteString("key", key))
		return nil
	}
	_, err := w.Process(ctx, msg.OrderID)
	return err
}

// Process claims, fulfills and finishes one order.
func (w *Worker) Process(ctx context.Context, orderID string) (outcome string, err error) {
	ctx, span := w.tracer.Start(ctx, "worker.Process", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		span.SetAttributes(attribute.String("worker.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := w.logger.With(zap.String("order_id", orderID))

	claimed, err := w.tracker.Advance(ctx, orderID, order.StatusProcessing)
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		log.Warn("task for unknown order")
		return OutcomeMissing, nil
	case errors.Is(err, order.ErrInvalidTransition):
		log.Info("order already finished, ignoring duplicate delivery")
		return OutcomeDuplicate, nil
	case err != nil:
		// Not acknowledged: the queue redelivers and a later attempt claims it.
		return "", err
	case !claimed:
		log.Info("order already claimed, ignoring duplicate delivery")
		return OutcomeDuplicate, nil
	}

	final := order.StatusCompleted
	if ferr := w.fulfill(ctx, orderID); ferr != nil {
		if ctx.Err() != nil {
			// Shutting down mid-fulfillment; the redriver fails it if nobody finishes.
			return "", ctx.Err()
		}
		log.Error("fulfillment failed", zap.Error(ferr))
		final = order.StatusFailed
	}

	if _, err := w.tracker.Advance(ctx, orderID, final); err != nil {
		if errors.Is(err, order.ErrInvalidTransition) {
			log.Warn("order was finished elsewhere", zap.String("wanted", string(final)))
			return OutcomeDuplicate, nil
		}
		return "", err
	}

	log.Info("order finished", zap.String("status", string(final)))
	if final == order.StatusFailed {
		return OutcomeFailed, nil
	}
	return OutcomeCompleted, nil
}

func (w *Worker) fulfill(ctx context.Context, orderID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, w.maxAttempts-1), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		o, err := w.orders.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return w.fulfiller.Fulfill(ctx, o)
	}, policy, func(err error, wait time.Duration) {
		w.logger.Warn("fulfillment attempt failed",
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
}
