package store

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
)

// Protocol selects how the ledger serializes competing stock decrements.
type Protocol string

const (
	// ProtocolPessimistic locks the product row before reading its stock.
	ProtocolPessimistic Protocol = "pessimistic"
	// ProtocolOptimistic decrements with a single conditional update.
	ProtocolOptimistic Protocol = "optimistic"
)

func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(s); p {
	case ProtocolPessimistic, ProtocolOptimistic:
		return p, nil
	}
	return "", fmt.Errorf("unknown locking protocol %q", s)
}

// Ledger is the single code path allowed to read-then-write a product's stock
// for a purchase. A successful call has committed both the decrement and a
// pending order; a failed call has changed nothing.
type Ledger interface {
	AttemptPurchase(ctx context.Context, productID string, quantity int) (*order.Order, error)
}

// ListFilter selects a page of orders, newest first.
type ListFilter struct {
	Status order.Status // empty matches every status
	Limit  int
	Offset int
}

// OrderStore is the durable side of the status tracker.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]*order.Order, int, error)
	// CompareAndSetStatus writes to only if the stored status still equals from.
	CompareAndSetStatus(ctx context.Context, id string, from, to order.Status) (bool, error)
	ListOrdersByStatus(ctx context.Context, status order.Status, updatedBefore time.Time, limit int) ([]*order.Order, error)
}

// ProductStore covers catalog administration. Stock written here is an
// administrative overwrite, never a purchase.
//
// UpdateProduct writes only the fields set in the patch, in one statement
// against the current row, so a purchase that commits concurrently is never
// overwritten by a stale read.
type ProductStore interface {
	CreateProduct(ctx context.Context, p *product.Product) error
	GetProduct(ctx context.Context, id string) (*product.Product, error)
	ListProducts(ctx context.Context, limit, offset int, search string) ([]*product.Product, int, error)
	UpdateProduct(ctx context.Context, id string, patch product.Patch, updatedAt time.Time) (*product.Product, error)
	DeleteProduct(ctx context.Context, id string) error
}
