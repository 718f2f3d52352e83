package rabbitmq

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// SetupConn dials with retries, then declares the durable task queue and
// limits unacknowledged deliveries per consumer to prefetch.
func SetupConn(url, queue string, prefetch int, logger *zap.Logger) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection

	// Retry covers broker container startup.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			logger.Warn("failed to connect to RabbitMQ", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithMaxRetries(b, 5))
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("could not open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("could not declare queue: %w", err)
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("could not set qos: %w", err)
		}
	}

	return conn, ch, nil
}
