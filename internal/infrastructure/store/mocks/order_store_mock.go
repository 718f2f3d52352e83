package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
)

// MockOrderStore is an OrderStore backed by a MemoryStore with injectable
// failures for the tracker and worker tests.
type MockOrderStore struct {
	*store.MemoryStore

	mu sync.Mutex

	// For tracking calls in tests
	CASCalls    []CASCall
	GetErr      error
	CASErr      error
	CASCallback func(ctx context.Context, id string, from, to order.Status) (bool, error)
	ListErr     error
}

// CASCall records parameters passed to CompareAndSetStatus
type CASCall struct {
	OrderID string
	From    order.Status
	To      order.Status
}

// NewMockOrderStore creates a new MockOrderStore over ms.
func NewMockOrderStore(ms *store.MemoryStore) *MockOrderStore {
	return &MockOrderStore{MemoryStore: ms}
}

func (m *MockOrderStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	err := m.GetErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.MemoryStore.GetOrder(ctx, id)
}

func (m *MockOrderStore) CompareAndSetStatus(ctx context.Context, id string, from, to order.Status) (bool, error) {
	m.mu.Lock()
	m.CASCalls = append(m.CASCalls, CASCall{OrderID: id, From: from, To: to})
	callback, err := m.CASCallback, m.CASErr
	m.mu.Unlock()

	if callback != nil {
		return callback(ctx, id, from, to)
	}
	if err != nil {
		return false, err
	}
	return m.MemoryStore.CompareAndSetStatus(ctx, id, from, to)
}

func (m *MockOrderStore) ListOrdersByStatus(ctx context.Context, status order.Status, updatedBefore time.Time, limit int) ([]*order.Order, error) {
	m.mu.Lock()
	err := m.ListErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.MemoryStore.ListOrdersByStatus(ctx, status, updatedBefore, limit)
}

// SetCASErr changes the injected CompareAndSetStatus failure.
func (m *MockOrderStore) SetCASErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CASErr = err
}

// Transitions returns a copy of the recorded CompareAndSetStatus calls.
func (m *MockOrderStore) Transitions() []CASCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CASCall(nil), m.CASCalls...)
}

// Reset clears recorded calls and injected failures
func (m *MockOrderStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CASCalls = nil
	m.GetErr = nil
	m.CASErr = nil
	m.CASCallback = nil
	m.ListErr = nil
}
