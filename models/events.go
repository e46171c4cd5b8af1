package models

import "github.com/shopspring/decimal"

const (
	EventPaymentSuccess  = "payment_success"
	EventPaymentFailed   = "payment_failed"
	EventRefundSucceeded = "refund_succeeded"
	EventOrderCreated    = "order_created"
)

// SettlementEvent is published to Kafka for downstream consumers
// (order management, notifications).
type SettlementEvent struct {
	EventType      string          `json:"event_type"`
	PaymentOrderID PaymentOrderID  `json:"payment_order_id"`
	IdentityID     IdentityID      `json:"identity_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         PaymentStatus   `json:"status,omitempty"`
	PSPTxnID       string          `json:"psp_txn_id,omitempty"`
	OrderID        OrderID         `json:"order_id,omitempty"`
	RefundID       RefundID        `json:"refund_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// RefundRequest arrives on the refund request topic from admin tooling.
// RequestID makes redelivery of the same request a no-op.
type RefundRequest struct {
	RequestID      string           `json:"request_id,omitempty"`
	PaymentOrderID PaymentOrderID   `json:"payment_order_id"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Reason         string           `json:"reason"`
}
