package domain

import "github.com/google/uuid"

type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeFailed   Outcome = "FAILED"
	OutcomeRefunded Outcome = "REFUNDED"
)

// Settlement is the payment collaborator's answer to a charge or refund.
type Settlement struct {
	PaymentID uuid.UUID `json:"paymentId"`
	Status    Outcome   `json:"status"`
}
