package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusWaitingForPayment OrderStatus = "WAITING_FOR_PAYMENT"
	StatusSuccess           OrderStatus = "SUCCESS"
	StatusFailed            OrderStatus = "FAILED"
	StatusRefunded          OrderStatus = "REFUNDED"
)

var transitions = map[OrderStatus][]OrderStatus{
	StatusWaitingForPayment: {StatusSuccess, StatusFailed},
	StatusFailed:            {StatusSuccess, StatusFailed},
	StatusSuccess:           {StatusRefunded},
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusWaitingForPayment, StatusSuccess, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

type Address struct {
	City            string `json:"city"`
	Street          string `json:"street"`
	HouseNumber     int    `json:"houseNumber"`
	ApartmentNumber int    `json:"apartmentNumber"`
}

type LineItem struct {
	ArticleID uuid.UUID `json:"articleId"`
	Quantity  int       `json:"quantity"`
}

// Order is the aggregate root. PaymentID is uuid.Nil while no settlement is recorded.
type Order struct {
	ID          int64
	UUID        uuid.UUID
	TotalAmount decimal.Decimal
	Status      OrderStatus
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	Address     Address
	User        User
	LineItems   []LineItem
	PaymentID   uuid.UUID
	Version     int
}

func ValidateLineItems(items []LineItem) error {
	if len(items) == 0 {
		return NewInvalidRequest("order must contain at least one item")
	}
	for _, item := range items {
		if item.ArticleID == uuid.Nil {
			return NewInvalidRequest("article id is required")
		}
		if item.Quantity <= 0 {
			return NewInvalidRequest("quantity must be positive")
		}
	}
	return nil
}

func NewOrder(id uuid.UUID, user User, addr Address, items []LineItem, total decimal.Decimal, now time.Time) (Order, error) {
	if err := ValidateLineItems(items); err != nil {
		return Order{}, err
	}
	if !total.IsPositive() {
		return Order{}, NewInvalidRequest("total amount must be positive")
	}
	return Order{
		UUID:        id,
		TotalAmount: total,
		Status:      StatusWaitingForPayment,
		CreatedAt:   now.UTC(),
		Address:     addr,
		User:        user,
		LineItems:   append([]LineItem(nil), items...),
	}, nil
}

// CanPay returns the rejection for a pay attempt, or nil when the order accepts one.
func (o *Order) CanPay() error {
	switch o.Status {
	case StatusSuccess:
		return ErrOrderAlreadyPaid
	case StatusRefunded:
		return ErrOrderCancelled
	}
	return nil
}

func (o *Order) CanRefund() error {
	if o.Status != StatusSuccess {
		return ErrNothingToRefund
	}
	return nil
}

func (o *Order) MarkPaid(paymentID uuid.UUID, now time.Time) error {
	if paymentID == uuid.Nil {
		return NewInvalidRequest("settlement has no payment id")
	}
	if err := o.transition(StatusSuccess, now); err != nil {
		return err
	}
	o.PaymentID = paymentID
	return nil
}

// MarkPaymentFailed records a declined settlement. A FAILED order never carries a payment id.
func (o *Order) MarkPaymentFailed(now time.Time) error {
	if err := o.transition(StatusFailed, now); err != nil {
		return err
	}
	o.PaymentID = uuid.Nil
	return nil
}

// MarkRefunded detaches the line items and returns them. A nil paymentID keeps
// the id of the original charge.
func (o *Order) MarkRefunded(paymentID uuid.UUID, now time.Time) ([]LineItem, error) {
	if err := o.transition(StatusRefunded, now); err != nil {
		return nil, err
	}
	if paymentID != uuid.Nil {
		o.PaymentID = paymentID
	}
	items := o.LineItems
	o.LineItems = nil
	return items, nil
}

func (o *Order) transition(next OrderStatus, now time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return &Error{kind: KindFailedOrderStatus, msg: "Error: order in status " + string(o.Status) + " cannot move to " + string(next) + "!"}
	}
	o.Status = next
	t := now.UTC()
	o.UpdatedAt = &t
	return nil
}
