// Package dispatch hands accepted orders to the fulfillment queue.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/domain/order"
)

// TaskMessage is the queue payload. The order id is also the message key,
// so every task for one order lands on the same partition.
type TaskMessage struct {
	OrderID    string    `json:"order_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Redrive    bool      `json:"redrive,omitempty"`
}

// Publisher is implemented by the Kafka producer and the RabbitMQ publisher.
type Publisher interface {
	Publish(ctx context.Context, key string, msg any) error
}

// Enqueuer is what the coordinator and the redriver need from a Dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID string) error
}

type Dispatcher struct {
	publisher  Publisher
	maxRetries uint64
	logger     *zap.Logger
	now        func() time.Time
}

func New(publisher Publisher, maxRetries uint64, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		publisher:  publisher,
		maxRetries: maxRetries,
		logger:     logger.Named("dispatcher"),
		now:        time.Now,
	}
}

// Enqueue publishes a task for orderID. It must only be called for orders
// whose placement has committed.
func (d *Dispatcher) Enqueue(ctx context.Context, orderID string) error {
	return d.publish(ctx, TaskMessage{OrderID: orderID, EnqueuedAt: d.now()})
}

func (d *Dispatcher) redrive(ctx context.Context, orderID string) error {
	return d.publish(ctx, TaskMessage{OrderID: orderID, EnqueuedAt: d.now(), Redrive: true})
}

func (d *Dispatcher) publish(ctx context.Context, msg TaskMessage) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, d.maxRetries), ctx)

	err := backoff.RetryNotify(func() error {
		return d.publisher.Publish(ctx, msg.OrderID, msg)
	}, policy, func(err error, wait time.Duration) {
		d.logger.Warn("publish failed, retrying",
			zap.String("order_id", msg.OrderID),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: enqueue order %s: %v", order.ErrUnavailable, msg.OrderID, err)
	}

	d.logger.Debug("task enqueued", zap.String("order_id", msg.OrderID), zap.Bool("redrive", msg.Redrive))
	return nil
}
