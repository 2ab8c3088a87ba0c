package domain

import (
	"time"

	"github.com/google/uuid"
)

type SagaState string

const (
	StateStarted            SagaState = "started"
	StateCompleted          SagaState = "completed"
	StateFailed             SagaState = "failed"
	StateCompensated        SagaState = "compensated"
	StateCompensationFailed SagaState = "compensation_failed"
)

const (
	SagaCreateOrder = "createOrder"
	SagaPayOrder    = "payOrder"
	SagaRefundOrder = "refundOrder"
)

// Entry is one append-only journal record of a saga step transition. SagaID is the order uuid.
type Entry struct {
	SagaID    uuid.UUID
	Saga      string
	Step      string
	State     SagaState
	Error     string
	TraceID   string
	CreatedAt time.Time
}
