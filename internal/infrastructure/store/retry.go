package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/domain/order"
)

// SQLSTATE codes that indicate the statement may succeed if simply re-run.
const (
	codeSerializationFailure pq.ErrorCode = "40001"
	codeDeadlockDetected     pq.ErrorCode = "40P01"
	codeLockNotAvailable     pq.ErrorCode = "55P03"
	codeForeignKeyViolation  pq.ErrorCode = "23503"
	classConnectionException pq.ErrorClass = "08"
)

// IsTransient reports whether err is a deadlock, lock-wait timeout,
// serialization failure or dropped connection.
func IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
		return pqErr.Code.Class() == classConnectionException
	}
	return false
}

func newRetryPolicy(ctx context.Context, maxRetries uint64) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// retryTransient runs op, retrying transient database errors with backoff.
// Business errors stop immediately. Exhausted retries become order.ErrUnavailable.
func retryTransient(ctx context.Context, maxRetries uint64, logger *zap.Logger, op func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, newRetryPolicy(ctx, maxRetries), func(err error, wait time.Duration) {
		logger.Warn("transient database error, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if err != nil && IsTransient(err) {
		return fmt.Errorf("%w: %v", order.ErrUnavailable, err)
	}
	return err
}
