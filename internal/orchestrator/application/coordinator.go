package application

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	pkgerrors "github.com/pkg/errors"

	inventory "github.com/dmehra2102/order-orchestrator/internal/inventory/domain"
	sagadomain "github.com/dmehra2102/order-orchestrator/internal/orchestrator/domain"
	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
	payment "github.com/dmehra2102/order-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/order-orchestrator/pkg/distlock"
	"github.com/dmehra2102/order-orchestrator/pkg/outbox"
	"github.com/dmehra2102/order-orchestrator/pkg/resilience"
	"github.com/dmehra2102/order-orchestrator/pkg/tracing"
)

// Remote operation names, each with its own breaker and policy.
const (
	OpCheckOrder     = "checkOrder"
	OpPriceQuote     = "priceQuote"
	OpDecrementStock = "decrementStock"
	OpRestoreStock   = "restoreStock"
	OpPayOrder       = "payOrder"
	OpRefundOrder    = "refundOrder"
)

// Coordinator runs the create, pay and refund workflows. Remote calls go
// through the gateway and never run inside a store transaction.
type Coordinator struct {
	log       *slog.Logger
	gateway   *resilience.Gateway
	inventory InventoryClient
	payments  PaymentClient
	orders    OrderStore
	journal   Journal
	locks     Locker
	tracer    trace.Tracer
	now       func() time.Time
}

func NewCoordinator(log *slog.Logger, gateway *resilience.Gateway, inv InventoryClient, pay PaymentClient, orders OrderStore, journal Journal, locks Locker) *Coordinator {
	return &Coordinator{
		log:       log,
		gateway:   gateway,
		inventory: inv,
		payments:  pay,
		orders:    orders,
		journal:   journal,
		locks:     locks,
		tracer:    otel.Tracer("orchestrator"),
		now:       time.Now,
	}
}

func (c *Coordinator) CheckOrder(ctx context.Context, items []domain.LineItem) (bool, error) {
	stock := toStock(items)
	return resilience.Execute(ctx, c.gateway, OpCheckOrder, func(ctx context.Context) (bool, error) {
		return c.inventory.CheckAvailability(ctx, stock)
	})
}

// CreateOrder prices the items, reserves stock and only then persists the
// order. A failed persist restores the reserved stock.
func (c *Coordinator) CreateOrder(ctx context.Context, user domain.User, items []domain.LineItem, addr domain.Address) (domain.Order, error) {
	ctx, span := c.tracer.Start(ctx, "CreateOrder")
	defer span.End()

	if err := domain.ValidateLineItems(items); err != nil {
		return domain.Order{}, err
	}
	ok, err := c.CheckOrder(ctx, items)
	if err != nil {
		return domain.Order{}, err
	}
	if !ok {
		return domain.Order{}, domain.ErrStockUnavailable
	}

	stock := toStock(items)
	total, err := resilience.Execute(ctx, c.gateway, OpPriceQuote, func(ctx context.Context) (decimal.Decimal, error) {
		return c.inventory.PriceQuote(ctx, stock)
	})
	if err != nil {
		return domain.Order{}, err
	}

	order, err := domain.NewOrder(uuid.New(), user, addr, items, total, c.now())
	if err != nil {
		return domain.Order{}, err
	}
	span.SetAttributes(attribute.String("order.uuid", order.UUID.String()))

	var persisted domain.Order
	err = newSaga(c.log, c.journal, order.UUID, sagadomain.SagaCreateOrder).
		step("reserveStock",
			func(ctx context.Context) error {
				return c.gateway.Run(ctx, OpDecrementStock, func(ctx context.Context) error {
					return c.inventory.Decrement(ctx, stock)
				})
			},
			func(ctx context.Context) error {
				return c.restore(ctx, stock)
			}).
		step("persistOrder",
			func(ctx context.Context) error {
				var err error
				persisted, err = c.orders.Create(ctx, order)
				return err
			}, nil).
		run(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	c.log.InfoContext(ctx, "order created", "order_uuid", persisted.UUID, "total", persisted.TotalAmount.String(), "user_id", user.ID)
	return persisted, nil
}

// PayOrder charges the card for the order total. A declined charge is still
// recorded as FAILED, and its event staged, before ErrFailedPayOrder is returned.
func (c *Coordinator) PayOrder(ctx context.Context, id uuid.UUID, card string) (payment.Settlement, error) {
	ctx, span := c.tracer.Start(ctx, "PayOrder", trace.WithAttributes(attribute.String("order.uuid", id.String())))
	defer span.End()

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return payment.Settlement{}, err
	}
	defer unlock()

	o, err := c.orders.GetByUUID(ctx, id)
	if err != nil {
		return payment.Settlement{}, err
	}
	if err := o.CanPay(); err != nil {
		return payment.Settlement{}, err
	}

	st, err := resilience.Execute(ctx, c.gateway, OpPayOrder, func(ctx context.Context) (payment.Settlement, error) {
		return c.payments.Charge(ctx, o.TotalAmount, card)
	})
	declined := errors.Is(err, domain.ErrFailedPayOrder) || (err == nil && st.Status == payment.OutcomeFailed)
	switch {
	case declined:
		if err := o.MarkPaymentFailed(c.now()); err != nil {
			return payment.Settlement{}, err
		}
		if err := c.save(ctx, o, nil); err != nil {
			return payment.Settlement{}, err
		}
		appendEntry(ctx, c.log, c.journal, id, sagadomain.SagaPayOrder, OpPayOrder, sagadomain.StateFailed, domain.ErrFailedPayOrder)
		c.log.WarnContext(ctx, "payment declined", "order_uuid", id)
		return payment.Settlement{}, domain.ErrFailedPayOrder
	case err != nil:
		return payment.Settlement{}, err
	case st.Status != payment.OutcomeSuccess:
		c.log.ErrorContext(ctx, "unexpected settlement status", "order_uuid", id, "status", st.Status, "payment_id", st.PaymentID)
		return payment.Settlement{}, pkgerrors.Errorf("unexpected settlement status %q", st.Status)
	case st.PaymentID == uuid.Nil:
		// The card was charged but the charge cannot be referenced; leave the
		// order unpaid and journal it for manual reconciliation.
		err := pkgerrors.New("successful settlement without payment id")
		appendEntry(ctx, c.log, c.journal, id, sagadomain.SagaPayOrder, OpPayOrder, sagadomain.StateFailed, err)
		c.log.ErrorContext(ctx, "charged without payment id, order left unpaid", "order_uuid", id)
		return payment.Settlement{}, err
	}

	if err := o.MarkPaid(st.PaymentID, c.now()); err != nil {
		return payment.Settlement{}, err
	}
	if err := c.save(ctx, o, nil); err != nil {
		c.log.ErrorContext(ctx, "charged order could not be stored", "order_uuid", id, "payment_id", st.PaymentID, "err", err)
		appendEntry(ctx, c.log, c.journal, id, sagadomain.SagaPayOrder, "persistOrder", sagadomain.StateFailed, err)
		return payment.Settlement{}, err
	}
	appendEntry(ctx, c.log, c.journal, id, sagadomain.SagaPayOrder, OpPayOrder, sagadomain.StateCompleted, nil)
	c.log.InfoContext(ctx, "order paid", "order_uuid", id, "payment_id", st.PaymentID)
	return st, nil
}

// RefundOrder refunds a paid order, restores its stock and detaches its line
// items. A settlement other than REFUNDED leaves the order untouched.
func (c *Coordinator) RefundOrder(ctx context.Context, id uuid.UUID, card string) error {
	ctx, span := c.tracer.Start(ctx, "RefundOrder", trace.WithAttributes(attribute.String("order.uuid", id.String())))
	defer span.End()

	unlock, err := c.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := c.orders.GetByUUID(ctx, id)
	if err != nil {
		return err
	}
	if err := o.CanRefund(); err != nil {
		return err
	}

	st, err := resilience.Execute(ctx, c.gateway, OpRefundOrder, func(ctx context.Context) (payment.Settlement, error) {
		return c.payments.Refund(ctx, o.TotalAmount, card)
	})
	if err != nil {
		return err
	}
	if st.Status != payment.OutcomeRefunded {
		c.log.WarnContext(ctx, "refund not confirmed, order unchanged", "order_uuid", id, "status", st.Status)
		return nil
	}

	items, err := o.MarkRefunded(st.PaymentID, c.now())
	if err != nil {
		return err
	}
	if err := c.restore(ctx, toStock(items)); err != nil {
		// The money is already returned; the order must still reach REFUNDED.
		appendEntry(ctx, c.log, c.journal, id, sagadomain.SagaRefundOrder, OpRestoreStock, sagadomain.StateFailed, err)
		c.log.ErrorContext(ctx, "stock restore failed after refund", "order_uuid", id, "err", err)
	}
	if err := c.save(ctx, o, items); err != nil {
		c.log.ErrorContext(ctx, "refunded order could not be stored", "order_uuid", id, "err", err)
		appendEntry(ctx, c.log, c.journal, id, sagadomain.SagaRefundOrder, "persistOrder", sagadomain.StateFailed, err)
		return err
	}
	appendEntry(ctx, c.log, c.journal, id, sagadomain.SagaRefundOrder, OpRefundOrder, sagadomain.StateCompleted, nil)
	c.log.InfoContext(ctx, "order refunded", "order_uuid", id, "payment_id", o.PaymentID)
	return nil
}

func (c *Coordinator) restore(ctx context.Context, stock []inventory.Item) error {
	return c.gateway.Run(ctx, OpRestoreStock, func(ctx context.Context) error {
		return c.inventory.Restore(ctx, stock)
	})
}

// save stages the lifecycle snapshot of o in the same write as its new state.
func (c *Coordinator) save(ctx context.Context, o domain.Order, items []domain.LineItem) error {
	payload, err := json.Marshal(domain.NewLifecycleEvent(o, items))
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode lifecycle event")
	}
	ev := outbox.NewEvent(domain.AggregateType, o.UUID.String(), domain.EventOrderStatusChanged, payload, tracing.Traceparent(ctx))
	return c.orders.SaveWithOutbox(ctx, o, ev)
}

func (c *Coordinator) lock(ctx context.Context, id uuid.UUID) (func(), error) {
	l, err := c.locks.Acquire(ctx, "order:"+id.String())
	if errors.Is(err, distlock.ErrNotAcquired) {
		return nil, domain.ErrOrderBusy
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to acquire order lock")
	}
	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			c.log.WarnContext(ctx, "order lock release failed", "order_uuid", id, "err", err)
		}
	}, nil
}

func toStock(items []domain.LineItem) []inventory.Item {
	out := make([]inventory.Item, 0, len(items))
	for _, it := range items {
		out = append(out, inventory.Item{ArticleID: it.ArticleID, Quantity: it.Quantity})
	}
	return inventory.Merge(out)
}
