package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusNotStarted        PaymentStatus = "NOT_STARTED"
	PaymentStatusExecuting         PaymentStatus = "EXECUTING"
	PaymentStatusSuccess           PaymentStatus = "SUCCESS"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusNotStarted:        {PaymentStatusExecuting},
	PaymentStatusExecuting:         {PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusPending},
	PaymentStatusPending:           {PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusPending},
	PaymentStatusSuccess:           {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
	PaymentStatusPartiallyRefunded: {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
}

var paymentStatuses = []PaymentStatus{
	PaymentStatusNotStarted, PaymentStatusExecuting, PaymentStatusPending, PaymentStatusSuccess,
	PaymentStatusPartiallyRefunded, PaymentStatusRefunded, PaymentStatusFailed,
}

// CanTransitionTo reports whether the payment lifecycle allows moving from s to target.
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// SourcesOf lists the statuses a payment order may move to target from.
func SourcesOf(target PaymentStatus) []PaymentStatus {
	var sources []PaymentStatus
	for _, s := range paymentStatuses {
		if s.CanTransitionTo(target) {
			sources = append(sources, s)
		}
	}
	return sources
}

// CheckTransition rejects a compare-and-set whose from statuses cannot reach
// to. Staying in the same status is a patch, not a transition.
func CheckTransition(from []PaymentStatus, to PaymentStatus) error {
	for _, s := range from {
		if s != to && !s.CanTransitionTo(to) {
			return fmt.Errorf("payment order cannot move from %s to %s", s, to)
		}
	}
	return nil
}

// IsTerminal reports whether a status check can be answered without asking the PSP.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	}
	return false
}

// IsSettled reports whether money was collected for an order in this status.
func (s PaymentStatus) IsSettled() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusPartiallyRefunded, PaymentStatusRefunded:
		return true
	}
	return false
}

// IsRefundable reports whether refunds may be issued against an order in this status.
func (s PaymentStatus) IsRefundable() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusPartiallyRefunded
}

// PaymentEvent is one checkout attempt. Only Completed changes after creation.
type PaymentEvent struct {
	ID         PaymentEventID  `json:"id"`
	CartID     CartID          `json:"cart_id"`
	IdentityID IdentityID      `json:"identity_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Completed  bool            `json:"completed"`
	CreatedAt  time.Time       `json:"created_at"`
}

type PaymentOrder struct {
	ID             PaymentOrderID  `json:"payment_order_id"`
	PaymentEventID PaymentEventID  `json:"payment_event_id"`
	IdentityID     IdentityID      `json:"identity_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PSP            string          `json:"psp"`
	Status         PaymentStatus   `json:"status"`
	PSPTxnID       string          `json:"psp_txn_id,omitempty"`
	PSPReference   string          `json:"psp_reference,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	PSPCode        string          `json:"psp_code,omitempty"`
	PSPMessage     string          `json:"psp_message,omitempty"`
	PSPRaw         json.RawMessage `json:"psp_raw,omitempty"`
	RetryCount     int             `json:"retry_count"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StatusPatch carries the PSP facts recorded alongside a status transition.
// Empty fields leave the stored value untouched.
type StatusPatch struct {
	PSPTxnID      string
	PSPReference  string
	PaymentMethod string
	PSPCode       string
	PSPMessage    string
	PSPRaw        json.RawMessage
	Executed      bool
	Completed     bool
	IncrementTry  bool
}

type PaymentRefund struct {
	ID             RefundID        `json:"refund_id"`
	PaymentOrderID PaymentOrderID  `json:"payment_order_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Reason         string          `json:"reason"`
	Status         PaymentStatus   `json:"status"`
	MerchantRef    string          `json:"merchant_ref"`
	RequestID      string          `json:"request_id,omitempty"`
	PSPRefundRef   string          `json:"psp_refund_ref,omitempty"`
	PSPCode        string          `json:"psp_code,omitempty"`
	PSPMessage     string          `json:"psp_message,omitempty"`
	PSPRaw         json.RawMessage `json:"psp_raw,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
