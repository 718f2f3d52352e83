package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

// Consumer acknowledges a delivery only after the handler has run. A failed
// delivery is republished with its attempt count raised, and rejected once
// maxAttempts is reached so a configured dead-letter exchange receives it.
type Consumer struct {
	ch          channel
	publisher   *Publisher
	queue       string
	maxAttempts int32
	logger      *zap.Logger
}

func NewConsumer(ch *amqp.Channel, queue string, maxAttempts int32, logger *zap.Logger) *Consumer {
	return newConsumer(ch, queue, maxAttempts, logger)
}

func newConsumer(ch channel, queue string, maxAttempts int32, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Consumer{
		ch:          ch,
		publisher:   &Publisher{ch: ch, queue: queue},
		queue:       queue,
		maxAttempts: maxAttempts,
		logger:      logger.Named("rabbitmq-consumer"),
	}
}

// Consume blocks until ctx is done or the delivery channel closes.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	msgs, err := c.ch.Consume(
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("could not start consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, d, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler MessageHandler) {
	msgCtx := extractTraceContext(ctx, d.Headers)
	attempt := attemptOf(d.Headers)

	err := handler(msgCtx, []byte(d.MessageId), d.Body)
	if err == nil {
		c.ack(d)
		return
	}
	if ctx.Err() != nil {
		// Shutting down: hand it back to the broker untouched.
		if nerr := d.Nack(false, true); nerr != nil {
			c.logger.Error("nack failed", zap.Error(nerr))
		}
		return
	}

	if attempt >= c.maxAttempts {
		c.logger.Error("task exhausted its attempts, rejecting",
			zap.String("key", d.MessageId),
			zap.Int32("attempt", attempt),
			zap.Error(err))
		if rerr := d.Reject(false); rerr != nil {
			c.logger.Error("reject failed", zap.Error(rerr))
		}
		return
	}

	c.logger.Warn("handler failed, republishing",
		zap.String("key", d.MessageId),
		zap.Int32("attempt", attempt),
		zap.Error(err))
	if perr := c.publisher.publish(msgCtx, d.MessageId, d.Body, attempt+1); perr != nil {
		c.logger.Error("republish failed, requeueing", zap.Error(perr))
		if nerr := d.Nack(false, true); nerr != nil {
			c.logger.Error("nack failed", zap.Error(nerr))
		}
		return
	}
	c.ack(d)
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", zap.String("key", d.MessageId), zap.Error(err))
	}
}

func attemptOf(headers amqp.Table) int32 {
	switch v := headers[AttemptHeader].(type) {
	case int32:
		return v
	case int64:
		return int32(v)
	case int:
		return int32(v)
	}
	return 1
}

func extractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	carrier := propagation.MapCarrier{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
