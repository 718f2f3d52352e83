package mocks

import (
	"context"
	"sync"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
)

// MockLedger records purchase attempts and either fails them or forwards
// them to an inner ledger.
type MockLedger struct {
	mu    sync.Mutex
	inner store.Ledger

	// For tracking calls in tests
	AttemptCalls    []AttemptCall
	AttemptErr      error
	AttemptCallback func(ctx context.Context, productID string, quantity int) (*order.Order, error)
}

// AttemptCall records parameters passed to AttemptPurchase
type AttemptCall struct {
	ProductID string
	Quantity  int
}

// NewMockLedger wraps inner. inner may be nil when every call is scripted.
func NewMockLedger(inner store.Ledger) *MockLedger {
	return &MockLedger{inner: inner}
}

func (m *MockLedger) AttemptPurchase(ctx context.Context, productID string, quantity int) (*order.Order, error) {
	m.mu.Lock()
	m.AttemptCalls = append(m.AttemptCalls, AttemptCall{ProductID: productID, Quantity: quantity})
	callback, err := m.AttemptCallback, m.AttemptErr
	m.mu.Unlock()

	if callback != nil {
		return callback(ctx, productID, quantity)
	}
	if err != nil {
		return nil, err
	}
	return m.inner.AttemptPurchase(ctx, productID, quantity)
}

// Calls returns a copy of the recorded calls.
func (m *MockLedger) Calls() []AttemptCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AttemptCall(nil), m.AttemptCalls...)
}
