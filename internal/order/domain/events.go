package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	AggregateType           = "order"
	EventOrderStatusChanged = "OrderStatusChanged"
)

const TimestampLayout = "2006-01-02 15:04"

type Timestamp time.Time

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(TimestampLayout))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// LifecycleEvent is the snapshot appended to the order event log on every status change.
type LifecycleEvent struct {
	OrderUUID   uuid.UUID   `json:"orderUuid"`
	TotalAmount json.Number `json:"totalAmount"`
	Status      OrderStatus `json:"status"`
	CreatedAt   Timestamp   `json:"createdAt"`
	UpdatedAt   *Timestamp  `json:"updatedAt"`
	Address     Address     `json:"address"`
	User        User        `json:"user"`
	LineItems   []LineItem  `json:"lineItems"`
	PaymentID   *uuid.UUID  `json:"paymentId"`
}

// NewLifecycleEvent snapshots o. items overrides the order's line items when the
// transition detached them (refund).
func NewLifecycleEvent(o Order, items []LineItem) LifecycleEvent {
	if items == nil {
		items = o.LineItems
	}
	ev := LifecycleEvent{
		OrderUUID:   o.UUID,
		TotalAmount: json.Number(o.TotalAmount.String()),
		Status:      o.Status,
		CreatedAt:   Timestamp(o.CreatedAt),
		Address:     o.Address,
		User:        o.User,
		LineItems:   append([]LineItem{}, items...),
	}
	if o.UpdatedAt != nil {
		u := Timestamp(*o.UpdatedAt)
		ev.UpdatedAt = &u
	}
	if o.PaymentID != uuid.Nil {
		id := o.PaymentID
		ev.PaymentID = &id
	}
	return ev
}
