package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id         TEXT PRIMARY KEY,
	name       VARCHAR(255) NOT NULL,
	price      BIGINT NOT NULL CONSTRAINT check_price_non_negative CHECK (price >= 0),
	stock      INTEGER NOT NULL CONSTRAINT check_stock_non_negative CHECK (stock >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	product_id  TEXT NOT NULL REFERENCES products(id),
	quantity    INTEGER NOT NULL CHECK (quantity >= 1),
	total_price BIGINT NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_orders_product_id ON orders (product_id);
CREATE INDEX IF NOT EXISTS idx_orders_status_updated_at ON orders (status, updated_at);
`

// Options tunes the Postgres-backed stores.
type Options struct {
	// LockTimeout bounds how long the pessimistic protocol waits for a row
	// lock. A timed-out wait is retried like a deadlock. Zero waits forever.
	LockTimeout time.Duration
	MaxRetries  uint64
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Migrate creates the products and orders tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// PostgresStore implements OrderStore and ProductStore.
type PostgresStore struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	opts = opts.withDefaults()
	return &PostgresStore{
		db:     db,
		opts:   opts,
		logger: opts.Logger.Named("store"),
		now:    time.Now,
	}
}
