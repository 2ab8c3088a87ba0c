package application

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	inventory "github.com/dmehra2102/order-orchestrator/internal/inventory/domain"
	sagadomain "github.com/dmehra2102/order-orchestrator/internal/orchestrator/domain"
	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
	payment "github.com/dmehra2102/order-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/order-orchestrator/pkg/distlock"
	"github.com/dmehra2102/order-orchestrator/pkg/outbox"
)

type InventoryClient interface {
	CheckAvailability(ctx context.Context, items []inventory.Item) (bool, error)
	PriceQuote(ctx context.Context, items []inventory.Item) (decimal.Decimal, error)
	Decrement(ctx context.Context, items []inventory.Item) error
	Restore(ctx context.Context, items []inventory.Item) error
}

type PaymentClient interface {
	Charge(ctx context.Context, amount decimal.Decimal, card string) (payment.Settlement, error)
	Refund(ctx context.Context, amount decimal.Decimal, card string) (payment.Settlement, error)
}

// OrderStore persists orders. SaveWithOutbox writes the status change and the
// staged event atomically, failing with domain.ErrConcurrentUpdate when the
// stored version differs from o.Version.
type OrderStore interface {
	Create(ctx context.Context, o domain.Order) (domain.Order, error)
	GetByUUID(ctx context.Context, id uuid.UUID) (domain.Order, error)
	SaveWithOutbox(ctx context.Context, o domain.Order, event outbox.Event) error
}

type Journal interface {
	Append(ctx context.Context, e sagadomain.Entry) error
}

type Locker interface {
	Acquire(ctx context.Context, key string) (distlock.Lock, error)
}
