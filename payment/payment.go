// Package payment drives payment orders through their lifecycle: checkout,
// PSP execution, settlement into the ledger, refunds and webhook ingress.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"settlement-svc/models"
	"settlement-svc/psp"
	"settlement-svc/repository"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid payment state transition")
	// ErrSettlementIncomplete means the payment is recorded as SUCCESS with
	// its ledger entry, but a downstream side effect did not finish. The
	// settlement can be repaired later.
	ErrSettlementIncomplete = errors.New("settlement side effects incomplete")
)

var tracer = otel.Tracer("settlement-service")

// CartService is the cart collaborator.
type CartService interface {
	GetCart(ctx context.Context, id models.CartID) (*models.Cart, error)
	// ClearCart drops cart id. The identity's active cart pointer is only
	// removed while it still names id.
	ClearCart(ctx context.Context, identity models.IdentityID, id models.CartID) error
}

// EventPublisher delivers settlement events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event models.SettlementEvent) error
}

// Outcome is what a PSP reported about a payment.
type Outcome struct {
	PSPTxnID      string
	PaymentMethod string
	Code          string
	Message       string
	Amount        decimal.Decimal
	Raw           json.RawMessage

	polled bool
}

func OutcomeFromResult(r psp.StatusResult) Outcome {
	return Outcome{
		PSPTxnID:      r.PSPTxnID,
		PaymentMethod: r.PaymentMethod,
		Code:          r.Code,
		Message:       r.Message,
		Amount:        r.Amount,
		Raw:           r.Raw,
	}
}

func (o Outcome) patch(completed bool) models.StatusPatch {
	return models.StatusPatch{
		PSPTxnID:      o.PSPTxnID,
		PaymentMethod: o.PaymentMethod,
		PSPCode:       o.Code,
		PSPMessage:    o.Message,
		PSPRaw:        o.Raw,
		Completed:     completed,
		IncrementTry:  o.polled,
	}
}

// notFound converts a repository miss into ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
