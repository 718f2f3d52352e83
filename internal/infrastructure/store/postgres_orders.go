package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ec-order-placement/internal/domain/order"
)

const orderColumns = `id, product_id, quantity, total_price, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var o order.Order
	var status string
	if err := row.Scan(&o.ID, &o.ProductID, &o.Quantity, &o.TotalPrice, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, filter ListFilter) ([]*order.Order, int, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		orderColumns, clause, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*order.Order, 0, filter.Limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

// CompareAndSetStatus is a single conditional UPDATE; the row count tells
// whether this caller won. The write is stamped with this call's updated_at
// so that a retry after a dropped connection can recognise its own earlier
// write instead of reporting a lost race.
func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, from, to order.Status) (bool, error) {
	if err := order.CheckTransition(from, to); err != nil {
		return false, err
	}

	// TIMESTAMPTZ keeps microseconds.
	stamp := s.now().UTC().Truncate(time.Microsecond)
	var affected int64
	err := retryTransient(ctx, s.opts.MaxRetries, s.logger, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
			id, string(from), string(to), stamp,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}

	var (
		current   string
		updatedAt time.Time
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT status, updated_at FROM orders WHERE id = $1`, id,
	).Scan(&current, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, order.ErrOrderNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check order: %w", err)
	}
	if order.Status(current) == to && updatedAt.Equal(stamp) {
		return true, nil
	}
	return false, nil
}

func (s *PostgresStore) ListOrdersByStatus(ctx context.Context, status order.Status, updatedBefore time.Time, limit int) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`,
		string(status), updatedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders by status: %w", err)
	}
	defer rows.Close()

	var orders []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
