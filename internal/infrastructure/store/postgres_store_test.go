package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
)

const (
	casSQL      = `UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	casCheckSQL = `SELECT status, updated_at FROM orders WHERE id = $1`
)

func newMockStore(t *testing.T, opts Options) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	opts.Logger = zaptest.NewLogger(t)
	return NewPostgresStore(db, opts), mock
}

// ============================================
// Order Store Tests
// ============================================

func TestPostgresCompareAndSetStatus_Wins(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	mock.ExpectExec(q(casSQL)).WithArgs("o1", "pending", "processing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := s.CompareAndSetStatus(context.Background(), "o1", order.StatusPending, order.StatusProcessing)

	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndSetStatus_LostRace(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	mock.ExpectExec(q(casSQL)).WithArgs("o1", "pending", "processing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(casCheckSQL)).WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "updated_at"}).AddRow("processing", time.Now().Add(-time.Minute)))

	changed, err := s.CompareAndSetStatus(context.Background(), "o1", order.StatusPending, order.StatusProcessing)

	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndSetStatus_NotFound(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	mock.ExpectExec(q(casSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(casCheckSQL)).WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "updated_at"}))

	_, err := s.CompareAndSetStatus(context.Background(), "o1", order.StatusProcessing, order.StatusCompleted)

	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestPostgresCompareAndSetStatus_IllegalTransitionSkipsDatabase(t *testing.T) {
	s, mock := newMockStore(t, Options{})

	_, err := s.CompareAndSetStatus(context.Background(), "o1", order.StatusFailed, order.StatusCompleted)

	assert.ErrorIs(t, err, order.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndSetStatus_RetriesDroppedConnection(t *testing.T) {
	s, mock := newMockStore(t, Options{MaxRetries: 1})
	mock.ExpectExec(q(casSQL)).WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectExec(q(casSQL)).WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := s.CompareAndSetStatus(context.Background(), "o1", order.StatusProcessing, order.StatusFailed)

	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The first UPDATE reached the server before the connection dropped, so the
// retry matches no row. The stored stamp shows the write was this call's.
func TestPostgresCompareAndSetStatus_RetryRecognisesOwnWrite(t *testing.T) {
	s, mock := newMockStore(t, Options{MaxRetries: 1})
	stamp := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	s.now = func() time.Time { return stamp.Add(789 * time.Nanosecond) }

	mock.ExpectExec(q(casSQL)).WithArgs("o1", "pending", "processing", stamp).
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectExec(q(casSQL)).WithArgs("o1", "pending", "processing", stamp).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(casCheckSQL)).WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "updated_at"}).AddRow("processing", stamp))

	changed, err := s.CompareAndSetStatus(context.Background(), "o1", order.StatusPending, order.StatusProcessing)

	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndSetStatus_OtherWriterSameTarget(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	stamp := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return stamp }

	mock.ExpectExec(q(casSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(casCheckSQL)).WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "updated_at"}).AddRow("processing", stamp.Add(-time.Second)))

	changed, err := s.CompareAndSetStatus(context.Background(), "o1", order.StatusPending, order.StatusProcessing)

	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPostgresGetOrder(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	now := time.Now()
	mock.ExpectQuery(q(`SELECT id, product_id, quantity, total_price, status, created_at, updated_at FROM orders WHERE id = $1`)).
		WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "quantity", "total_price", "status", "created_at", "updated_at"}).
			AddRow("o1", "p1", 2, int64(500), "completed", now, now))
	mock.ExpectQuery(q(`FROM orders WHERE id = $1`)).WithArgs("o2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	o, err := s.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, o.Status)
	assert.Equal(t, int64(500), o.TotalPrice)

	_, err = s.GetOrder(context.Background(), "o2")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestPostgresListOrders_StatusFilter(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	now := time.Now()
	mock.ExpectQuery(q(`SELECT COUNT(*) FROM orders WHERE status = $1`)).WithArgs("pending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(q(`ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`)).WithArgs("pending", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "quantity", "total_price", "status", "created_at", "updated_at"}).
			AddRow("o1", "p1", 1, int64(100), "pending", now, now))

	items, total, err := s.ListOrders(context.Background(), ListFilter{Status: order.StatusPending, Limit: 20})

	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "o1", items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// Product Store Tests
// ============================================

func TestPostgresDeleteProduct_ReferencedByOrders(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	mock.ExpectExec(q(`DELETE FROM products WHERE id = $1`)).WithArgs("p1").
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})

	assert.ErrorIs(t, s.DeleteProduct(context.Background(), "p1"), product.ErrProductInUse)
}

func TestPostgresDeleteProduct_Missing(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	mock.ExpectExec(q(`DELETE FROM products WHERE id = $1`)).WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteProduct(context.Background(), "p1"), product.ErrProductNotFound)
}

const updateProductSQL = `UPDATE products SET name = COALESCE($2, name), price = COALESCE($3, price), ` +
	`stock = COALESCE($4, stock), updated_at = $5 WHERE id = $1 RETURNING ` + productColumns

func TestPostgresUpdateProduct_Missing(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	name := "Mug"
	mock.ExpectQuery(q(updateProductSQL)).
		WithArgs("p1", "Mug", nil, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "stock", "created_at", "updated_at"}))

	_, err := s.UpdateProduct(context.Background(), "p1", product.Patch{Name: &name}, time.Now())
	assert.ErrorIs(t, err, product.ErrProductNotFound)
}

func TestPostgresUpdateProduct_UnsetStockBindsNull(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	now := time.Now().UTC()
	price := int64(200)
	mock.ExpectQuery(q(updateProductSQL)).
		WithArgs("p1", nil, int64(200), nil, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "stock", "created_at", "updated_at"}).
			AddRow("p1", "Mug", int64(200), 1, now, now))

	p, err := s.UpdateProduct(context.Background(), "p1", product.Patch{Price: &price}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.Price)
	assert.Equal(t, 1, p.Stock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListProducts_Search(t *testing.T) {
	s, mock := newMockStore(t, Options{})
	now := time.Now()
	mock.ExpectQuery(q(`SELECT COUNT(*) FROM products WHERE name ILIKE $1`)).WithArgs("%mug%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(q(`FROM products WHERE name ILIKE $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`)).
		WithArgs("%mug%", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "stock", "created_at", "updated_at"}).
			AddRow("p1", "Blue Mug", int64(800), 4, now, now))

	items, total, err := s.ListProducts(context.Background(), 10, 0, "mug")

	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "Blue Mug", items[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================
// Transient Classification Tests
// ============================================

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"lock timeout", &pq.Error{Code: "55P03"}, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped deadlock", errors.Join(errors.New("tx"), &pq.Error{Code: "40P01"}), true},
		{"check violation", &pq.Error{Code: "23514"}, false},
		{"insufficient stock", &order.InsufficientStockError{Available: 0, Requested: 1}, false},
		{"not found", product.ErrProductNotFound, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryTransient_StopsOnBusinessError(t *testing.T) {
	calls := 0
	err := retryTransient(context.Background(), 5, zaptest.NewLogger(t), func() error {
		calls++
		return product.ErrProductNotFound
	})

	assert.ErrorIs(t, err, product.ErrProductNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetryTransient_ExhaustionIsUnavailable(t *testing.T) {
	calls := 0
	err := retryTransient(context.Background(), 2, zaptest.NewLogger(t), func() error {
		calls++
		return &pq.Error{Code: "40P01"}
	})

	assert.ErrorIs(t, err, order.ErrUnavailable)
	assert.Equal(t, 3, calls)
}
