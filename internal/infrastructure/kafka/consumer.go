package kafka

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer delivers each message at least once: the offset is committed
// only after the handler has returned, so a crash or rebalance before the
// commit redelivers the message to some member of the group.
type Consumer struct {
	reader      messageReader
	maxAttempts uint64
	logger      *zap.Logger
}

type ConsumerOption func(*Consumer)

// WithMaxAttempts bounds how often a failing handler is retried for one
// message before the offset moves on.
func WithMaxAttempts(n uint64) ConsumerOption {
	return func(c *Consumer) { c.maxAttempts = n }
}

func WithLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
		// Offsets are committed explicitly.
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return newConsumer(reader, opts...)
}

func newConsumer(reader messageReader, opts ...ConsumerOption) *Consumer {
	c := &Consumer{reader: reader, maxAttempts: 5, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("kafka-consumer")
	return c
}

func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handle(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				// Uncommitted: the group redelivers it after restart.
				return ctx.Err()
			}
			c.logger.Error("handler gave up, skipping message",
				zap.ByteString("key", msg.Key),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	msgCtx := extractTraceContext(ctx, msg.Headers)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	var retries uint64
	if c.maxAttempts > 1 {
		retries = c.maxAttempts - 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	return backoff.RetryNotify(func() error {
		return handler(msgCtx, msg.Key, msg.Value)
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("handler failed, retrying",
			zap.ByteString("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
