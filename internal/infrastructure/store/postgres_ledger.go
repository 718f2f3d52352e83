package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
)

const insertOrderSQL = `INSERT INTO orders (id, product_id, quantity, total_price, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// NewPostgresLedger returns the ledger for the configured protocol.
func NewPostgresLedger(db *sql.DB, protocol Protocol, opts Options) (Ledger, error) {
	opts = opts.withDefaults()
	base := postgresLedger{
		db:     db,
		opts:   opts,
		logger: opts.Logger.Named("ledger").With(zap.String("protocol", string(protocol))),
		now:    time.Now,
	}
	switch protocol {
	case ProtocolPessimistic:
		return &pessimisticLedger{base}, nil
	case ProtocolOptimistic:
		return &optimisticLedger{base}, nil
	}
	return nil, fmt.Errorf("unknown locking protocol %q", protocol)
}

type postgresLedger struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// run retries transient failures of a whole purchase transaction. A failed
// COMMIT is not retried blindly: the server may have committed before the
// connection broke, so the order id is looked up first.
func (l *postgresLedger) run(ctx context.Context, productID string, quantity int,
	attempt func(context.Context, string, int) (*order.Order, error)) (*order.Order, error) {
	if err := order.ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	var placed *order.Order
	err := retryTransient(ctx, l.opts.MaxRetries, l.logger, func() error {
		o, err := attempt(ctx, productID, quantity)
		var ce *commitError
		if errors.As(err, &ce) {
			return l.resolveCommit(ctx, ce, &placed)
		}
		placed = o
		return err
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// commitError marks a COMMIT whose outcome the client could not observe.
type commitError struct {
	order *order.Order
	err   error
}

func (e *commitError) Error() string { return "commit failed: " + e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

func (l *postgresLedger) resolveCommit(ctx context.Context, ce *commitError, placed **order.Order) error {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, ce.order.ID,
	).Scan(&exists)
	if err != nil {
		l.logger.Error("commit outcome unknown",
			zap.String("order_id", ce.order.ID),
			zap.NamedError("commit_error", ce.err),
			zap.Error(err))
		return fmt.Errorf("%w: commit outcome unknown for order %s", order.ErrUnavailable, ce.order.ID)
	}
	if exists {
		l.logger.Warn("commit reported an error but the order is stored",
			zap.String("order_id", ce.order.ID),
			zap.Error(ce.err))
		*placed = ce.order
		return nil
	}
	// Not stored: the transaction rolled back and the purchase may run again.
	return ce.err
}

func insertOrder(ctx context.Context, tx *sql.Tx, o *order.Order) error {
	_, err := tx.ExecContext(ctx, insertOrderSQL,
		o.ID, o.ProductID, o.Quantity, o.TotalPrice, string(o.Status), o.CreatedAt, o.UpdatedAt)
	return err
}

// pessimisticLedger locks the product row, checks, then writes.
type pessimisticLedger struct {
	postgresLedger
}

func (l *pessimisticLedger) AttemptPurchase(ctx context.Context, productID string, quantity int) (*order.Order, error) {
	return l.run(ctx, productID, quantity, l.attempt)
}

func (l *pessimisticLedger) attempt(ctx context.Context, productID string, quantity int) (*order.Order, error) {
	// A cancelled ctx makes database/sql roll the transaction back, which
	// releases the row lock without touching stock.
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if l.opts.LockTimeout > 0 {
		// SET does not take bind parameters; the value is an integer.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", l.opts.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, err
		}
	}

	var price int64
	var stock int
	err = tx.QueryRowContext(ctx,
		`SELECT price, stock FROM products WHERE id = $1 FOR UPDATE`,
		productID,
	).Scan(&price, &stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, product.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}

	if stock < quantity {
		return nil, &order.InsufficientStockError{Available: stock, Requested: quantity}
	}

	now := l.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE products SET stock = stock - $2, updated_at = $3 WHERE id = $1`,
		productID, quantity, now,
	); err != nil {
		return nil, err
	}

	o := order.New(productID, quantity, price, now)
	if err := insertOrder(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &commitError{order: o, err: err}
	}
	return o, nil
}

// optimisticLedger decrements with one conditional UPDATE and uses the
// affected row count as the verdict.
type optimisticLedger struct {
	postgresLedger
}

func (l *optimisticLedger) AttemptPurchase(ctx context.Context, productID string, quantity int) (*order.Order, error) {
	return l.run(ctx, productID, quantity, l.attempt)
}

func (l *optimisticLedger) attempt(ctx context.Context, productID string, quantity int) (*order.Order, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := l.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE products SET stock = stock - $2, updated_at = $3 WHERE id = $1 AND stock >= $2`,
		productID, quantity, now,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		var stock int
		err := tx.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, product.ErrProductNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, &order.InsufficientStockError{Available: stock, Requested: quantity}
	}

	// The UPDATE holds the row's write lock until commit, so this price is
	// the one in effect at the moment of the decrement.
	var price int64
	if err := tx.QueryRowContext(ctx, `SELECT price FROM products WHERE id = $1`, productID).Scan(&price); err != nil {
		return nil, err
	}

	o := order.New(productID, quantity, price, now)
	if err := insertOrder(ctx, tx, o); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &commitError{order: o, err: err}
	}
	return o, nil
}
