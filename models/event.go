package models

import "time"

const (
	OutcomeVerified         = "verified"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeFailed           = "failed"
	OutcomeRejected         = "rejected"
)

// PaymentEvent is an audit record of one gateway callback delivery.
type PaymentEvent struct {
	ID               string    `json:"id"`
	TransactionID    string    `json:"transaction_id"`
	Gateway          string    `json:"gateway"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	Outcome          string    `json:"outcome"`
	Reason           string    `json:"reason,omitempty"`
	Payload          string    `json:"payload,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}
