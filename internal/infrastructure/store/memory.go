package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
)

// MemoryStore is an in-process implementation of every store interface.
// Tests and property checks run the ledger protocols against it.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]*product.Product
	orders   map[string]*order.Order
	rowLocks map[string]chan struct{}
	now      func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now for timestamps written by the store.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		products: make(map[string]*product.Product),
		orders:   make(map[string]*order.Order),
		rowLocks: make(map[string]chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger returns a purchase ledger over this store using the given protocol.
func (s *MemoryStore) Ledger(protocol Protocol) (Ledger, error) {
	switch protocol {
	case ProtocolPessimistic:
		return &memoryPessimisticLedger{s}, nil
	case ProtocolOptimistic:
		return &memoryOptimisticLedger{s}, nil
	}
	return nil, fmt.Errorf("unknown locking protocol %q", protocol)
}

// lockRow blocks until the product's row lock is held or ctx is done.
// A buffered channel of one slot is the lock so that waiting can be
// abandoned on cancellation.
func (s *MemoryStore) lockRow(ctx context.Context, productID string) (func(), error) {
	s.mu.Lock()
	ch, ok := s.rowLocks[productID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[productID] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryPessimisticLedger struct {
	s *MemoryStore
}

func (l *memoryPessimisticLedger) AttemptPurchase(ctx context.Context, productID string, quantity int) (*order.Order, error) {
	if err := order.ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	s := l.s

	unlock, err := s.lockRow(ctx, productID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	p, ok := s.products[productID]
	if !ok {
		s.mu.Unlock()
		return nil, product.ErrProductNotFound
	}
	price, stock := p.Price, p.Stock
	s.mu.Unlock()

	if stock < quantity {
		return nil, &order.InsufficientStockError{Available: stock, Requested: quantity}
	}
	// Abandoned before commit: nothing has been written yet.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok = s.products[productID]
	if !ok {
		return nil, product.ErrProductNotFound
	}
	if p.Stock-quantity < 0 {
		// Only possible if stock moved without the row lock.
		return nil, fmt.Errorf("stock of product %s would go negative", productID)
	}
	now := s.now()
	p.Stock -= quantity
	p.UpdatedAt = now
	o := order.New(productID, quantity, price, now)
	s.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

type memoryOptimisticLedger struct {
	s *MemoryStore
}

func (l *memoryOptimisticLedger) AttemptPurchase(ctx context.Context, productID string, quantity int) (*order.Order, error) {
	if err := order.ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := l.s

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, product.ErrProductNotFound
	}
	if p.Stock < quantity {
		return nil, &order.InsufficientStockError{Available: p.Stock, Requested: quantity}
	}
	now := s.now()
	p.Stock -= quantity
	p.UpdatedAt = now
	o := order.New(productID, quantity, p.Price, now)
	s.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

// ============================================
// Orders
// ============================================

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, filter ListFilter) ([]*order.Order, int, error) {
	s.mu.Lock()
	var matched []*order.Order
	for _, o := range s.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		cp := *o
		matched = append(matched, &cp)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return page(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id string, from, to order.Status) (bool, error) {
	if err := order.CheckTransition(from, to); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, order.ErrOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) ListOrdersByStatus(_ context.Context, status order.Status, updatedBefore time.Time, limit int) ([]*order.Order, error) {
	s.mu.Lock()
	var matched []*order.Order
	for _, o := range s.orders {
		if o.Status == status && o.UpdatedAt.Before(updatedBefore) {
			cp := *o
			matched = append(matched, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ============================================
// Products
// ============================================

func (s *MemoryStore) CreateProduct(_ context.Context, p *product.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.products[p.ID]; exists {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	cp := *p
	s.products[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, product.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProducts(_ context.Context, limit, offset int, search string) ([]*product.Product, int, error) {
	needle := strings.ToLower(search)
	s.mu.Lock()
	var matched []*product.Product
	for _, p := range s.products {
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			continue
		}
		cp := *p
		matched = append(matched, &cp)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return page(matched, limit, offset), len(matched), nil
}

// UpdateProduct applies the patch to the current row while holding the row
// lock, so it serializes with pessimistic purchases and never restores a
// stock value read before one of them committed.
func (s *MemoryStore) UpdateProduct(ctx context.Context, id string, patch product.Patch, updatedAt time.Time) (*product.Product, error) {
	unlock, err := s.lockRow(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.products[id]
	if !ok {
		return nil, product.ErrProductNotFound
	}
	next := *current
	patch.Apply(&next)
	next.UpdatedAt = updatedAt
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.products[id] = &next
	cp := next
	return &cp, nil
}

func (s *MemoryStore) DeleteProduct(ctx context.Context, id string) error {
	unlock, err := s.lockRow(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[id]; !ok {
		return product.ErrProductNotFound
	}
	for _, o := range s.orders {
		if o.ProductID == id {
			return product.ErrProductInUse
		}
	}
	delete(s.products, id)
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
