package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
	"github.com/example/ec-order-placement/internal/tracker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	err      error
	messages []TaskMessage
	keys     []string
}

func (f *fakePublisher) Publish(_ context.Context, key string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.keys = append(f.keys, key)
	f.messages = append(f.messages, msg.(TaskMessage))
	return nil
}

func (f *fakePublisher) published() []TaskMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TaskMessage(nil), f.messages...)
}

// ============================================
// Dispatcher Tests
// ============================================

func TestEnqueue_PublishesKeyedTask(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, 3, zaptest.NewLogger(t))

	require.NoError(t, d.Enqueue(context.Background(), "order-1"))

	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "order-1", msgs[0].OrderID)
	assert.False(t, msgs[0].Redrive)
	assert.Equal(t, []string{"order-1"}, pub.keys)
}

func TestEnqueue_RetriesTransientBrokerFailure(t *testing.T) {
	pub := &fakePublisher{failures: 2, err: errors.New("leader not available")}
	d := New(pub, 3, zaptest.NewLogger(t))

	require.NoError(t, d.Enqueue(context.Background(), "order-1"))
	assert.Len(t, pub.published(), 1)
}

func TestEnqueue_ExhaustionIsUnavailable(t *testing.T) {
	pub := &fakePublisher{failures: 10, err: errors.New("broker down")}
	d := New(pub, 1, zaptest.NewLogger(t))

	err := d.Enqueue(context.Background(), "order-1")

	assert.ErrorIs(t, err, order.ErrUnavailable)
	assert.Empty(t, pub.published())
}

func TestEnqueue_CancelledContext(t *testing.T) {
	pub := &fakePublisher{failures: 10, err: errors.New("broker down")}
	d := New(pub, 50, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := d.Enqueue(ctx, "order-1")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================
// Redriver Tests
// ============================================

type redriveFixture struct {
	store    *store.MemoryStore
	ledger   store.Ledger
	tracker  *tracker.Tracker
	pub      *fakePublisher
	redriver *Redriver
	clock    time.Time
	product  *product.Product
}

func newRedriveFixture(t *testing.T) *redriveFixture {
	t.Helper()
	f := &redriveFixture{clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.store = store.NewMemoryStore(store.WithClock(func() time.Time { return f.clock }))
	var err error
	f.ledger, err = f.store.Ledger(store.ProtocolPessimistic)
	require.NoError(t, err)
	f.product, err = product.New("Widget", 100, 10, f.clock)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateProduct(context.Background(), f.product))

	logger := zaptest.NewLogger(t)
	f.tracker = tracker.New(f.store, logger)
	f.pub = &fakePublisher{}
	f.redriver = NewRedriver(f.store, f.tracker, New(f.pub, 0, logger), RedriveConfig{
		Interval:        10 * time.Millisecond,
		PendingAfter:    time.Minute,
		ProcessingAfter: 10 * time.Minute,
	}, logger)
	f.redriver.now = func() time.Time { return f.clock }
	return f
}

func (f *redriveFixture) place(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.ledger.AttemptPurchase(context.Background(), f.product.ID, 1)
	require.NoError(t, err)
	return o
}

func TestRedriver_RequeuesStalePendingOrders(t *testing.T) {
	ctx := context.Background()
	f := newRedriveFixture(t)
	stale := f.place(t)
	f.clock = f.clock.Add(5 * time.Minute)
	f.place(t) // fresh

	requeued, failed, err := f.redriver.RunOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Zero(t, failed)
	msgs := f.pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, stale.ID, msgs[0].OrderID)
	assert.True(t, msgs[0].Redrive)
}

func TestRedriver_FailsStuckProcessingOrders(t *testing.T) {
	ctx := context.Background()
	f := newRedriveFixture(t)
	o := f.place(t)
	_, err := f.tracker.Advance(ctx, o.ID, order.StatusProcessing)
	require.NoError(t, err)
	f.clock = f.clock.Add(11 * time.Minute)

	_, failed, err := f.redriver.RunOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	st, _ := f.tracker.GetStatus(ctx, o.ID)
	assert.Equal(t, order.StatusFailed, st.Status)
}

func TestRedriver_LeavesTerminalOrdersAlone(t *testing.T) {
	ctx := context.Background()
	f := newRedriveFixture(t)
	o := f.place(t)
	_, _ = f.tracker.Advance(ctx, o.ID, order.StatusProcessing)
	_, _ = f.tracker.Advance(ctx, o.ID, order.StatusCompleted)
	f.clock = f.clock.Add(24 * time.Hour)

	requeued, failed, err := f.redriver.RunOnce(ctx)

	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Zero(t, failed)
	st, _ := f.tracker.GetStatus(ctx, o.ID)
	assert.Equal(t, order.StatusCompleted, st.Status)
}

func TestRedriver_RunStopsOnCancel(t *testing.T) {
	f := newRedriveFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.redriver.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("redriver did not stop")
	}
}
