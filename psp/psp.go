// Package psp defines the contract every payment service provider adapter
// implements, plus the pieces adapters share: status tables, request signing
// and minor-unit conversion.
package psp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"settlement-svc/models"

	"github.com/shopspring/decimal"
)

// Status is the normalized outcome of a PSP operation.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusPending Status = "PENDING"
)

var (
	// ErrTransport wraps timeouts, 5xx responses and open circuits. The
	// outcome of the call is unknown and must be treated as PENDING.
	ErrTransport = errors.New("psp transport error")
	// ErrRejected means the PSP refused the request outright; nothing was
	// charged.
	ErrRejected        = errors.New("psp rejected request")
	ErrInvalidWebhook  = errors.New("invalid psp webhook")
	ErrUnknownProvider = errors.New("unknown psp provider")
)

type Buyer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type InitiateRequest struct {
	PaymentOrderID models.PaymentOrderID
	IdentityID     models.IdentityID
	Amount         decimal.Decimal
	Currency       string
	Buyer          Buyer
	ReturnURL      string
}

// Checkout is what the client needs to complete payment at the PSP.
type Checkout struct {
	CheckoutURL string
	Reference   string
	// SignedPayload holds PSP-specific fields the client posts as-is.
	SignedPayload map[string]string
	Raw           json.RawMessage
}

type StatusResult struct {
	Status        Status
	Code          string
	Message       string
	PSPTxnID      string
	PaymentMethod string
	Amount        decimal.Decimal
	Raw           json.RawMessage
}

type RefundRequest struct {
	RefundID       models.RefundID
	PaymentOrderID models.PaymentOrderID
	PSPTxnID       string
	// Amount nil refunds the full payment.
	Amount   *decimal.Decimal
	Currency string
	Reason   string
}

type RefundResult struct {
	Status       Status
	PSPRefundRef string
	Code         string
	Message      string
	Raw          json.RawMessage
}

// WebhookEvent is a parsed PSP callback. SignedPayload and Signature are what
// VerifyWebhookSignature must be called with. RefundID is set for refund
// callbacks, where PaymentOrderID may be empty.
type WebhookEvent struct {
	PaymentOrderID models.PaymentOrderID
	RefundID       models.RefundID
	Result         StatusResult
	SignedPayload  []byte
	Signature      string
}

type Adapter interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*Checkout, error)
	CheckStatus(ctx context.Context, id models.PaymentOrderID) (*StatusResult, error)
	InitiateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CheckRefundStatus(ctx context.Context, id models.PaymentOrderID, refundID models.RefundID) (*RefundResult, error)
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhook(rawBody []byte, signatureHeader string) (*WebhookEvent, error)
}

type Settlement struct {
	PaymentOrderID models.PaymentOrderID
	PSPTxnID       string
	Amount         decimal.Decimal
	Currency       string
	SettledAt      time.Time
}

// SettlementReporter is implemented by adapters that can list settled
// transactions for reconciliation.
type SettlementReporter interface {
	Settlements(ctx context.Context, from, to time.Time) ([]Settlement, error)
}

// ToMinorUnits converts an amount to the PSP's smallest currency unit,
// rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
