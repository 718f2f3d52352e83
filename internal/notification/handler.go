// Package notification performs the fulfillment side effect for a claimed
// order: a simulated external call followed by an "order processed" notice.
package notification

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/email"
)

// Mailer is satisfied by *email.Service.
type Mailer interface {
	SendOrderProcessed(to string, o *order.Order) error
}

// Notifier implements the worker's Fulfiller.
type Notifier struct {
	mailer Mailer
	to     string
	delay  time.Duration
	logger *zap.Logger
}

// NewNotifier creates a notifier. A nil mailer logs the notice instead of
// sending mail.
func NewNotifier(mailer Mailer, to string, delay time.Duration, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{mailer: mailer, to: to, delay: delay, logger: logger.Named("notifier")}
}

func (n *Notifier) Fulfill(ctx context.Context, o *order.Order) error {
	if n.delay > 0 {
		t := time.NewTimer(n.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if n.mailer == nil {
		n.logger.Info(email.ProcessedSubject(o.ID),
			zap.String("order_id", o.ID),
			zap.Int64("total_price", o.TotalPrice))
		return nil
	}

	if err := n.mailer.SendOrderProcessed(n.to, o); err != nil {
		n.logger.Warn("failed to send order processed email", zap.String("order_id", o.ID), zap.Error(err))
		return err
	}
	n.logger.Info("order processed email sent", zap.String("order_id", o.ID), zap.String("to", n.to))
	return nil
}
