package application

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inventory "github.com/dmehra2102/order-orchestrator/internal/inventory/domain"
	sagadomain "github.com/dmehra2102/order-orchestrator/internal/orchestrator/domain"
	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
	"github.com/dmehra2102/order-orchestrator/internal/order/infrastructure/memory"
	payment "github.com/dmehra2102/order-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/order-orchestrator/pkg/distlock"
	"github.com/dmehra2102/order-orchestrator/pkg/resilience"
)

var (
	article1 = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	article2 = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	errDown  = errors.New("connection refused")
)

type fakeInventory struct {
	mu         sync.Mutex
	stock      map[uuid.UUID]int
	price      decimal.Decimal
	restoreErr error
	decrements int
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{
		stock: map[uuid.UUID]int{article1: 10, article2: 10},
		price: decimal.RequireFromString("250.5"),
	}
}

func (f *fakeInventory) CheckAvailability(_ context.Context, items []inventory.Item) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		if f.stock[it.ArticleID] < it.Quantity {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeInventory) PriceQuote(context.Context, []inventory.Item) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeInventory) Decrement(_ context.Context, items []inventory.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		if f.stock[it.ArticleID] < it.Quantity {
			return domain.ErrStockUnavailable
		}
	}
	for _, it := range items {
		f.stock[it.ArticleID] -= it.Quantity
	}
	f.decrements++
	return nil
}

func (f *fakeInventory) Restore(_ context.Context, items []inventory.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	for _, it := range items {
		f.stock[it.ArticleID] += it.Quantity
	}
	return nil
}

func (f *fakeInventory) level(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock[id]
}

type fakePayments struct {
	charge  func() (payment.Settlement, error)
	refund  func() (payment.Settlement, error)
	charges int
	refunds int
}

func (f *fakePayments) Charge(context.Context, decimal.Decimal, string) (payment.Settlement, error) {
	f.charges++
	if f.charge == nil {
		return payment.Settlement{PaymentID: uuid.New(), Status: payment.OutcomeSuccess}, nil
	}
	return f.charge()
}

func (f *fakePayments) Refund(context.Context, decimal.Decimal, string) (payment.Settlement, error) {
	f.refunds++
	if f.refund == nil {
		return payment.Settlement{PaymentID: uuid.New(), Status: payment.OutcomeRefunded}, nil
	}
	return f.refund()
}

// failingCreate rejects every insert while keeping the rest of the store.
type failingCreate struct {
	*memory.Store
}

func (failingCreate) Create(context.Context, domain.Order) (domain.Order, error) {
	return domain.Order{}, errors.New("insert failed")
}

type fixture struct {
	coord  *Coordinator
	store  *memory.Store
	inv    *fakeInventory
	pay    *fakePayments
	locks  *distlock.MemoryLocker
	orders OrderStore
}

func newFixture(t *testing.T, wrap func(*memory.Store) OrderStore) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := resilience.DefaultPolicy()
	p.Backoff = resilience.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}
	p.Timeout = time.Second
	gw := resilience.New(log, p, resilience.WithDomainErrors(domain.IsDomain))

	f := &fixture{
		store: memory.NewStore(),
		inv:   newFakeInventory(),
		pay:   &fakePayments{},
		locks: distlock.NewMemoryLocker(),
	}
	f.orders = f.store
	if wrap != nil {
		f.orders = wrap(f.store)
	}
	f.coord = NewCoordinator(log, gw, f.inv, f.pay, f.orders, f.store, f.locks)
	return f
}

var (
	testUser = domain.User{ID: 1, Username: "jdoe", Role: domain.RoleUser}
	testAddr = domain.Address{City: "Minsk", Street: "Lenina", HouseNumber: 1, ApartmentNumber: 2}
)

func (f *fixture) create(t *testing.T) domain.Order {
	t.Helper()
	o, err := f.coord.CreateOrder(context.Background(), testUser, []domain.LineItem{
		{ArticleID: article1, Quantity: 2},
		{ArticleID: article2, Quantity: 1},
	}, testAddr)
	require.NoError(t, err)
	return o
}

func (f *fixture) lastEvent(t *testing.T) domain.LifecycleEvent {
	t.Helper()
	events := f.store.Events()
	require.NotEmpty(t, events)
	var ev domain.LifecycleEvent
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &ev))
	return ev
}

func journalStates(entries []sagadomain.Entry, step string) []sagadomain.SagaState {
	var out []sagadomain.SagaState
	for _, e := range entries {
		if e.Step == step {
			out = append(out, e.State)
		}
	}
	return out
}

func TestCoordinator_CreateOrder(t *testing.T) {
	f := newFixture(t, nil)

	o := f.create(t)

	assert.Equal(t, domain.StatusWaitingForPayment, o.Status)
	assert.True(t, decimal.RequireFromString("250.5").Equal(o.TotalAmount))
	assert.Equal(t, uuid.Nil, o.PaymentID)
	assert.Equal(t, 8, f.inv.level(article1))
	assert.Equal(t, 9, f.inv.level(article2))
	assert.Empty(t, f.store.Events())

	journal := f.store.Journal()
	assert.Equal(t, []sagadomain.SagaState{sagadomain.StateStarted, sagadomain.StateCompleted}, journalStates(journal, "reserveStock"))
	assert.Equal(t, []sagadomain.SagaState{sagadomain.StateStarted, sagadomain.StateCompleted}, journalStates(journal, "persistOrder"))
}

func TestCoordinator_CreateOrder_StockUnavailable(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.coord.CreateOrder(context.Background(), testUser, []domain.LineItem{{ArticleID: article1, Quantity: 11}}, testAddr)

	assert.ErrorIs(t, err, domain.ErrStockUnavailable)
	assert.Zero(t, f.inv.decrements)
	assert.Empty(t, f.store.Journal())
}

func TestCoordinator_CreateOrder_CompensatesWhenPersistFails(t *testing.T) {
	f := newFixture(t, func(s *memory.Store) OrderStore { return failingCreate{s} })

	_, err := f.coord.CreateOrder(context.Background(), testUser, []domain.LineItem{{ArticleID: article1, Quantity: 3}}, testAddr)

	require.Error(t, err)
	assert.Equal(t, 1, f.inv.decrements)
	assert.Equal(t, 10, f.inv.level(article1))
	journal := f.store.Journal()
	assert.Equal(t,
		[]sagadomain.SagaState{sagadomain.StateStarted, sagadomain.StateCompleted, sagadomain.StateCompensated},
		journalStates(journal, "reserveStock"))
	assert.Equal(t, []sagadomain.SagaState{sagadomain.StateStarted, sagadomain.StateFailed}, journalStates(journal, "persistOrder"))
}

func TestCoordinator_PayOrder(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)

	st, err := f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeSuccess, st.Status)

	stored, err := f.store.GetByUUID(context.Background(), o.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, stored.Status)
	assert.Equal(t, st.PaymentID, stored.PaymentID)
	require.Len(t, f.store.Events(), 1)
	ev := f.lastEvent(t)
	assert.Equal(t, domain.StatusSuccess, ev.Status)
	require.NotNil(t, ev.PaymentID)
	assert.Equal(t, st.PaymentID, *ev.PaymentID)

	_, err = f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyPaid)
	assert.Equal(t, 1, f.pay.charges)
}

func TestCoordinator_PayOrder_Declined(t *testing.T) {
	tests := []struct {
		name   string
		charge func() (payment.Settlement, error)
	}{
		{
			name:   "gateway rejects the charge",
			charge: func() (payment.Settlement, error) { return payment.Settlement{}, domain.ErrFailedPayOrder },
		},
		{
			name: "settlement reports failure",
			charge: func() (payment.Settlement, error) {
				return payment.Settlement{Status: payment.OutcomeFailed}, nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			o := f.create(t)
			f.pay.charge = tt.charge

			_, err := f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
			assert.ErrorIs(t, err, domain.ErrFailedPayOrder)

			stored, err := f.store.GetByUUID(context.Background(), o.UUID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, stored.Status)
			assert.Equal(t, uuid.Nil, stored.PaymentID)
			require.Len(t, f.store.Events(), 1)
			assert.Equal(t, domain.StatusFailed, f.lastEvent(t).Status)
			assert.Equal(t, 1, f.pay.charges)

			// A failed order can be paid again.
			f.pay.charge = nil
			_, err = f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusSuccess, f.lastEvent(t).Status)
		})
	}
}

func TestCoordinator_PayOrder_NoStateChangeOnErrors(t *testing.T) {
	tests := []struct {
		name   string
		charge func() (payment.Settlement, error)
		want   error
	}{
		{
			name:   "unknown card",
			charge: func() (payment.Settlement, error) { return payment.Settlement{}, domain.ErrCardNumberNotFound },
			want:   domain.ErrCardNumberNotFound,
		},
		{
			name:   "payment service down",
			charge: func() (payment.Settlement, error) { return payment.Settlement{}, errDown },
			want:   resilience.ErrServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			o := f.create(t)
			f.pay.charge = tt.charge

			_, err := f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
			assert.ErrorIs(t, err, tt.want)

			stored, err := f.store.GetByUUID(context.Background(), o.UUID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusWaitingForPayment, stored.Status)
			assert.Empty(t, f.store.Events())
		})
	}
}

func TestCoordinator_PayOrder_SettlementWithoutPaymentID(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)
	f.pay.charge = func() (payment.Settlement, error) {
		return payment.Settlement{Status: payment.OutcomeSuccess}, nil
	}

	_, err := f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	require.Error(t, err)
	assert.False(t, domain.IsDomain(err))

	stored, err := f.store.GetByUUID(context.Background(), o.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaitingForPayment, stored.Status)
	assert.Empty(t, f.store.Events())
	assert.Equal(t, []sagadomain.SagaState{sagadomain.StateFailed}, journalStates(f.store.Journal(), OpPayOrder))
}

func TestCoordinator_PayOrder_Busy(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)

	held, err := f.locks.Acquire(context.Background(), "order:"+o.UUID.String())
	require.NoError(t, err)

	_, err = f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	assert.ErrorIs(t, err, domain.ErrOrderBusy)
	assert.Zero(t, f.pay.charges)

	require.NoError(t, held.Release(context.Background()))
	_, err = f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	assert.NoError(t, err)
}

func TestCoordinator_PayOrder_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.coord.PayOrder(context.Background(), uuid.New(), "1111 2222 3333 4444")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCoordinator_RefundOrder(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)
	st, err := f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	require.NoError(t, err)

	require.NoError(t, f.coord.RefundOrder(context.Background(), o.UUID, "1111 2222 3333 4444"))

	stored, err := f.store.GetByUUID(context.Background(), o.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, stored.Status)
	assert.Empty(t, stored.LineItems)
	assert.NotEqual(t, st.PaymentID, stored.PaymentID)
	assert.Equal(t, 10, f.inv.level(article1))
	assert.Equal(t, 10, f.inv.level(article2))

	require.Len(t, f.store.Events(), 2)
	ev := f.lastEvent(t)
	assert.Equal(t, domain.StatusRefunded, ev.Status)
	assert.Len(t, ev.LineItems, 2)

	err = f.coord.RefundOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	assert.ErrorIs(t, err, domain.ErrNothingToRefund)
	assert.Equal(t, 1, f.pay.refunds)
}

func TestCoordinator_RefundOrder_Unpaid(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)

	err := f.coord.RefundOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	assert.ErrorIs(t, err, domain.ErrNothingToRefund)
	assert.Zero(t, f.pay.refunds)
}

func TestCoordinator_RefundOrder_NotConfirmed(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)
	_, err := f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	require.NoError(t, err)
	f.pay.refund = func() (payment.Settlement, error) {
		return payment.Settlement{Status: payment.OutcomeFailed}, nil
	}

	require.NoError(t, f.coord.RefundOrder(context.Background(), o.UUID, "1111 2222 3333 4444"))

	stored, err := f.store.GetByUUID(context.Background(), o.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, stored.Status)
	assert.Len(t, stored.LineItems, 2)
	assert.Len(t, f.store.Events(), 1)
}

func TestCoordinator_RefundOrder_RestoreFails(t *testing.T) {
	f := newFixture(t, nil)
	o := f.create(t)
	_, err := f.coord.PayOrder(context.Background(), o.UUID, "1111 2222 3333 4444")
	require.NoError(t, err)
	f.inv.restoreErr = errDown

	require.NoError(t, f.coord.RefundOrder(context.Background(), o.UUID, "1111 2222 3333 4444"))

	stored, err := f.store.GetByUUID(context.Background(), o.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, stored.Status)
	assert.Equal(t, 8, f.inv.level(article1))
	assert.Equal(t, domain.StatusRefunded, f.lastEvent(t).Status)
	assert.Contains(t, journalStates(f.store.Journal(), OpRestoreStock), sagadomain.StateFailed)
}
