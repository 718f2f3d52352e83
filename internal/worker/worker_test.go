package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ec-order-placement/internal/dispatch"
	"github.com/example/ec-order-placement/internal/domain/order"
	"github.com/example/ec-order-placement/internal/domain/product"
	"github.com/example/ec-order-placement/internal/infrastructure/store"
	"github.com/example/ec-order-placement/internal/infrastructure/store/mocks"
	"github.com/example/ec-order-placement/internal/tracker"
)

type fakeFulfiller struct {
	calls atomic.Int32
	fn    func(ctx context.Context, o *order.Order) error
}

func (f *fakeFulfiller) Fulfill(ctx context.Context, o *order.Order) error {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, o)
	}
	return nil
}

type fixture struct {
	store     *store.MemoryStore
	orders    *mocks.MockOrderStore
	tracker   *tracker.Tracker
	fulfiller *fakeFulfiller
	worker    *Worker
	order     *order.Order
}

func newFixture(t *testing.T, maxAttempts uint64) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: store.NewMemoryStore(), fulfiller: &fakeFulfiller{}}
	p, err := product.New("Widget", 500, 3, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.CreateProduct(ctx, p))
	l, err := f.store.Ledger(store.ProtocolPessimistic)
	require.NoError(t, err)
	f.order, err = l.AttemptPurchase(ctx, p.ID, 1)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	f.orders = mocks.NewMockOrderStore(f.store)
	f.tracker = tracker.New(f.orders, logger)
	f.worker = New(f.orders, f.tracker, f.fulfiller, maxAttempts, logger)
	return f
}

func (f *fixture) status(t *testing.T) order.Status {
	t.Helper()
	st, err := f.tracker.GetStatus(context.Background(), f.order.ID)
	require.NoError(t, err)
	return st.Status
}

// ============================================
// Process Tests
// ============================================

func TestProcess_CompletesOrder(t *testing.T) {
	f := newFixture(t, 3)

	outcome, err := f.worker.Process(context.Background(), f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, order.StatusCompleted, f.status(t))
	assert.EqualValues(t, 1, f.fulfiller.calls.Load())

	transitions := f.orders.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, order.StatusProcessing, transitions[0].To)
	assert.Equal(t, order.StatusCompleted, transitions[1].To)
}

func TestProcess_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.worker.Process(ctx, f.order.ID)
	require.NoError(t, err)
	outcome, err := f.worker.Process(ctx, f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, order.StatusCompleted, f.status(t))
	assert.EqualValues(t, 1, f.fulfiller.calls.Load())
}

func TestProcess_ConcurrentDuplicatesFulfillOnce(t *testing.T) {
	f := newFixture(t, 3)
	f.fulfiller.fn = func(context.Context, *order.Order) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	var wg sync.WaitGroup
	outcomes := make([]string, 6)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			outcomes[i], err = f.worker.Process(context.Background(), f.order.ID)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, o := range outcomes {
		if o == OutcomeCompleted {
			completed++
		} else {
			assert.Equal(t, OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, completed)
	assert.EqualValues(t, 1, f.fulfiller.calls.Load())
	assert.Equal(t, order.StatusCompleted, f.status(t))
}

func TestProcess_RetriesThenFails(t *testing.T) {
	f := newFixture(t, 3)
	f.fulfiller.fn = func(context.Context, *order.Order) error { return errors.New("payment gateway timeout") }

	outcome, err := f.worker.Process(context.Background(), f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, order.StatusFailed, f.status(t))
	assert.EqualValues(t, 3, f.fulfiller.calls.Load())
}

func TestProcess_TransientFulfillmentErrorRecovers(t *testing.T) {
	f := newFixture(t, 3)
	f.fulfiller.fn = func(context.Context, *order.Order) error {
		if f.fulfiller.calls.Load() == 1 {
			return errors.New("smtp 421")
		}
		return nil
	}

	outcome, err := f.worker.Process(context.Background(), f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.EqualValues(t, 2, f.fulfiller.calls.Load())
}

func TestProcess_ClaimErrorIsReturnedForRedelivery(t *testing.T) {
	f := newFixture(t, 3)
	f.orders.SetCASErr(order.ErrUnavailable)

	_, err := f.worker.Process(context.Background(), f.order.ID)

	assert.ErrorIs(t, err, order.ErrUnavailable)
	assert.EqualValues(t, 0, f.fulfiller.calls.Load())
	assert.Equal(t, order.StatusPending, f.status(t))

	// Redelivery after recovery succeeds.
	f.orders.SetCASErr(nil)
	outcome, err := f.worker.Process(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestProcess_UnknownOrderIsAcknowledged(t *testing.T) {
	f := newFixture(t, 3)

	outcome, err := f.worker.Process(context.Background(), "no-such-order")

	require.NoError(t, err)
	assert.Equal(t, OutcomeMissing, outcome)
}

func TestProcess_FinishedElsewhereWhileFulfilling(t *testing.T) {
	f := newFixture(t, 3)
	f.fulfiller.fn = func(ctx context.Context, o *order.Order) error {
		// The redriver gives up on the order while we are still working.
		_, err := f.store.CompareAndSetStatus(ctx, o.ID, order.StatusProcessing, order.StatusFailed)
		return err
	}

	outcome, err := f.worker.Process(context.Background(), f.order.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, order.StatusFailed, f.status(t))
}

func TestProcess_CancelledDuringFulfillment(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	f.fulfiller.fn = func(context.Context, *order.Order) error {
		cancel()
		return context.Canceled
	}

	_, err := f.worker.Process(ctx, f.order.ID)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, order.StatusProcessing, f.status(t))
}

// ============================================
// HandleMessage Tests
// ============================================

func TestHandleMessage(t *testing.T) {
	f := newFixture(t, 3)
	body, err := json.Marshal(dispatch.TaskMessage{OrderID: f.order.ID, EnqueuedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleMessage(context.Background(), []byte(f.order.ID), body))
	assert.Equal(t, order.StatusCompleted, f.status(t))
}

func TestHandleMessage_DropsGarbage(t *testing.T) {
	f := newFixture(t, 3)

	assert.NoError(t, f.worker.HandleMessage(context.Background(), nil, []byte("not json")))
	assert.NoError(t, f.worker.HandleMessage(context.Background(), nil, []byte(`{"order_id":""}`)))
	assert.Equal(t, order.StatusPending, f.status(t))
}

func TestHandleMessage_PropagatesClaimError(t *testing.T) {
	f := newFixture(t, 3)
	f.orders.SetCASErr(order.ErrUnavailable)
	body, _ := json.Marshal(dispatch.TaskMessage{OrderID: f.order.ID})

	assert.ErrorIs(t, f.worker.HandleMessage(context.Background(), nil, body), order.ErrUnavailable)
}
