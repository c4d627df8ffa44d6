package models

import "time"

type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderVerified OrderStatus = "VERIFIED"
	OrderFailed   OrderStatus = "FAILED"
	OrderBlocked  OrderStatus = "BLOCKED"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	return s != OrderPending
}

type Order struct {
	TransactionID        string      `json:"transaction_id"`
	SessionID            string      `json:"session_id"`
	TemplateID           string      `json:"template_id"`
	Gateway              string      `json:"gateway"`
	GatewayOrderID       string      `json:"gateway_order_id,omitempty"`
	AmountMinor          int64       `json:"amount_minor"`
	Currency             string      `json:"currency"`
	Status               OrderStatus `json:"status"`
	FailureReason        string      `json:"failure_reason,omitempty"`
	CustomerName         string      `json:"customer_name,omitempty"`
	CustomerEmail        string      `json:"customer_email,omitempty"`
	CustomerPhone        string      `json:"customer_phone,omitempty"`
	VerificationAttempts int         `json:"verification_attempts"`
	SourceIP             string      `json:"source_ip,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	VerifiedAt           *time.Time  `json:"verified_at,omitempty"`
	UpdatedAt            time.Time   `json:"updated_at"`
}
