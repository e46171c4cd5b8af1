package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-svc/logging"
	"settlement-svc/middleware"
	"settlement-svc/models"
	"settlement-svc/psp"
	"settlement-svc/repository"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// activeRefunds hold a share of the refundable amount.
var activeRefunds = []models.PaymentStatus{
	models.PaymentStatusSuccess,
	models.PaymentStatusPending,
	models.PaymentStatusExecuting,
}

var unresolvedRefund = []models.PaymentStatus{models.PaymentStatusExecuting, models.PaymentStatusPending}

type RefundEngine struct {
	store    repository.Store
	registry *psp.Registry
	events   EventPublisher
	logger   *zap.Logger
}

func NewRefundEngine(store repository.Store, registry *psp.Registry, events EventPublisher, logger *zap.Logger) *RefundEngine {
	return &RefundEngine{store: store, registry: registry, events: events, logger: logger}
}

// InitiateRefund reserves amount against the payment order and asks the PSP
// to return it. A nil amount refunds whatever is still refundable.
func (r *RefundEngine) InitiateRefund(ctx context.Context, id models.PaymentOrderID, amount *decimal.Decimal, reason string) (*models.PaymentRefund, error) {
	return r.initiate(ctx, "", id, amount, reason)
}

// InitiateRequestedRefund is InitiateRefund keyed by a caller-supplied
// request id. Repeating a request returns the refund it already created.
func (r *RefundEngine) InitiateRequestedRefund(ctx context.Context, requestID string, id models.PaymentOrderID, amount *decimal.Decimal, reason string) (*models.PaymentRefund, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: refund request id is required", ErrValidation)
	}
	return r.initiate(ctx, requestID, id, amount, reason)
}

func (r *RefundEngine) initiate(ctx context.Context, requestID string, id models.PaymentOrderID, amount *decimal.Decimal, reason string) (*models.PaymentRefund, error) {
	ctx, span := tracer.Start(ctx, "InitiateRefund")
	defer span.End()
	span.SetAttributes(attribute.String("payment_order.id", id.String()))
	logger := logging.FromContext(ctx, r.logger).With(zap.String("payment_order_id", id.String()))

	if amount != nil && !amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive, got %s", ErrValidation, amount)
	}

	var (
		refund   *models.PaymentRefund
		order    *models.PaymentOrder
		replayed bool
	)
	err := r.store.Atomic(ctx, func(tx repository.Store) error {
		var err error
		order, err = tx.LockPaymentOrder(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %w: payment order %s", ErrValidation, ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if requestID != "" {
			existing, err := tx.GetRefundByRequestID(ctx, requestID)
			switch {
			case err == nil:
				if existing.PaymentOrderID != id {
					return fmt.Errorf("%w: request %s already refunded payment order %s", ErrValidation, requestID, existing.PaymentOrderID)
				}
				refund, replayed = existing, true
				return nil
			case !errors.Is(err, repository.ErrNotFound):
				return err
			}
		}
		if !order.Status.IsRefundable() {
			return fmt.Errorf("%w: payment order %s is %s", ErrValidation, id, order.Status)
		}

		reserved, err := tx.SumRefunds(ctx, id, activeRefunds)
		if err != nil {
			return err
		}
		remaining := order.Amount.Sub(reserved)

		refundAmount := remaining
		if amount != nil {
			refundAmount = *amount
		}
		if !refundAmount.IsPositive() {
			return fmt.Errorf("%w: nothing left to refund on %s", ErrValidation, id)
		}
		if refundAmount.GreaterThan(remaining) {
			return fmt.Errorf("%w: refund %s exceeds refundable %s", ErrValidation, refundAmount.StringFixed(2), remaining.StringFixed(2))
		}

		refundID := models.NewRefundID()
		refund = &models.PaymentRefund{
			ID:             refundID,
			PaymentOrderID: id,
			Amount:         refundAmount,
			Currency:       order.Currency,
			Reason:         reason,
			Status:         models.PaymentStatusExecuting,
			MerchantRef:    refundID.String(),
			RequestID:      requestID,
		}
		return tx.CreateRefund(ctx, refund)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if replayed {
		logger.Info("Refund request already handled",
			zap.String("request_id", requestID),
			zap.String("refund_id", refund.ID.String()),
			zap.String("status", string(refund.Status)),
		)
		return refund, nil
	}
	span.SetAttributes(attribute.String("refund.id", refund.ID.String()))
	logger.Info("Refund reserved",
		zap.String("refund_id", refund.ID.String()),
		zap.String("amount", refund.Amount.StringFixed(2)),
	)

	adapter, err := r.registry.Get(order.PSP)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	refundAmount := refund.Amount
	result, err := adapter.InitiateRefund(ctx, psp.RefundRequest{
		RefundID:       refund.ID,
		PaymentOrderID: id,
		PSPTxnID:       order.PSPTxnID,
		Amount:         &refundAmount,
		Currency:       refund.Currency,
		Reason:         reason,
	})
	switch {
	case err == nil:
		middleware.ObservePSPCall(order.PSP, "refund", "ok", started)
	case errors.Is(err, psp.ErrRejected):
		middleware.ObservePSPCall(order.PSP, "refund", "rejected", started)
		result = &psp.RefundResult{Status: psp.StatusFailed, Code: "REJECTED", Message: err.Error()}
	default:
		// the PSP may or may not have the refund; keep the reservation
		middleware.ObservePSPCall(order.PSP, "refund", "error", started)
		logger.Warn("PSP refund call failed, refund left pending", zap.String("refund_id", refund.ID.String()), zap.Error(err))
		result = &psp.RefundResult{Status: psp.StatusPending, Message: err.Error()}
	}

	if err := r.apply(ctx, refund, result); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return r.getRefund(ctx, refund.ID)
}

// CheckRefundStatus answers from storage for decided refunds and asks the
// PSP otherwise.
func (r *RefundEngine) CheckRefundStatus(ctx context.Context, id models.RefundID) (*models.PaymentRefund, error) {
	ctx, span := tracer.Start(ctx, "CheckRefundStatus")
	defer span.End()
	span.SetAttributes(attribute.String("refund.id", id.String()))

	refund, err := r.getRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	if refund.Status == models.PaymentStatusSuccess || refund.Status == models.PaymentStatusFailed {
		return refund, nil
	}

	order, err := r.store.GetPaymentOrder(ctx, refund.PaymentOrderID)
	if err != nil {
		return nil, notFound(err)
	}
	adapter, err := r.registry.Get(order.PSP)
	if err != nil {
		return nil, err
	}

	result, err := adapter.CheckRefundStatus(ctx, order.ID, refund.ID)
	if err != nil {
		logging.FromContext(ctx, r.logger).Warn("PSP refund status check failed",
			zap.String("refund_id", id.String()),
			zap.Error(err),
		)
		return refund, nil
	}
	if err := r.apply(ctx, refund, result); err != nil {
		return nil, err
	}
	return r.getRefund(ctx, id)
}

// DispatchRefund applies a refund outcome the PSP pushed to us. Refunds
// already SUCCESS or FAILED are left alone.
func (r *RefundEngine) DispatchRefund(ctx context.Context, id models.RefundID, result *psp.RefundResult) error {
	ctx, span := tracer.Start(ctx, "DispatchRefund")
	defer span.End()
	span.SetAttributes(attribute.String("refund.id", id.String()))

	refund, err := r.getRefund(ctx, id)
	if err != nil {
		return err
	}
	if refund.Status == models.PaymentStatusSuccess || refund.Status == models.PaymentStatusFailed {
		logging.FromContext(ctx, r.logger).Info("Refund callback for a decided refund ignored",
			zap.String("refund_id", id.String()),
			zap.String("status", string(refund.Status)),
		)
		return nil
	}
	if err := r.apply(ctx, refund, result); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// apply records a PSP refund outcome. SUCCESS writes the REFUND ledger entry
// and moves the payment order to PARTIALLY_REFUNDED or REFUNDED atomically.
func (r *RefundEngine) apply(ctx context.Context, refund *models.PaymentRefund, result *psp.RefundResult) error {
	logger := logging.FromContext(ctx, r.logger).With(
		zap.String("refund_id", refund.ID.String()),
		zap.String("payment_order_id", refund.PaymentOrderID.String()),
	)
	patch := models.StatusPatch{
		PSPTxnID:   result.PSPRefundRef,
		PSPCode:    result.Code,
		PSPMessage: result.Message,
		PSPRaw:     result.Raw,
	}

	switch result.Status {
	case psp.StatusFailed:
		patch.Completed = true
		ok, err := r.store.TransitionRefund(ctx, refund.ID, unresolvedRefund, models.PaymentStatusFailed, patch)
		if err != nil {
			return err
		}
		if ok {
			middleware.RecordRefund(string(models.PaymentStatusFailed))
			logger.Info("Refund failed", zap.String("code", result.Code), zap.String("message", result.Message))
		}
		return nil

	case psp.StatusPending:
		ok, err := r.store.TransitionRefund(ctx, refund.ID, unresolvedRefund, models.PaymentStatusPending, patch)
		if err != nil {
			return err
		}
		if ok && refund.Status != models.PaymentStatusPending {
			middleware.RecordRefund(string(models.PaymentStatusPending))
		}
		return nil
	}

	patch.Completed = true
	var (
		applied bool
		order   *models.PaymentOrder
		target  models.PaymentStatus
	)
	err := r.store.Atomic(ctx, func(tx repository.Store) error {
		var err error
		order, err = tx.LockPaymentOrder(ctx, refund.PaymentOrderID)
		if err != nil {
			return notFound(err)
		}
		ok, err := tx.TransitionRefund(ctx, refund.ID, unresolvedRefund, models.PaymentStatusSuccess, patch)
		if err != nil || !ok {
			return err
		}
		applied = true

		if _, err := tx.RecordLedgerEntry(ctx, models.Posting{
			PaymentOrderID: refund.PaymentOrderID,
			DebitAccount:   models.PlatformRevenueAccount,
			CreditAccount:  models.IdentityAccount(order.IdentityID),
			Amount:         refund.Amount,
			Currency:       refund.Currency,
			Description:    fmt.Sprintf("refund %s of payment %s", refund.ID, refund.PaymentOrderID),
			Metadata:       models.LedgerMetadata{Type: models.LedgerEntryRefund, RefundID: refund.ID, PSPTxnID: result.PSPRefundRef},
		}); err != nil {
			return err
		}

		refunded, err := tx.SumRefunds(ctx, refund.PaymentOrderID, []models.PaymentStatus{models.PaymentStatusSuccess})
		if err != nil {
			return err
		}
		target = models.PaymentStatusPartiallyRefunded
		if refunded.GreaterThanOrEqual(order.Amount) {
			target = models.PaymentStatusRefunded
		}
		ok, err = tx.TransitionPaymentOrder(ctx, order.ID, models.SourcesOf(target), target, models.StatusPatch{})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: payment order %s is %s and cannot become %s", ErrInvalidTransition, order.ID, order.Status, target)
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to record refund success", zap.Error(err))
		return fmt.Errorf("failed to settle refund: %w", err)
	}
	if !applied {
		return nil
	}

	middleware.RecordRefund(string(models.PaymentStatusSuccess))
	middleware.RecordLedgerEntry(string(models.LedgerEntryRefund))
	middleware.RecordPaymentTransition(string(target))
	logger.Info("Refund succeeded",
		zap.String("amount", refund.Amount.StringFixed(2)),
		zap.String("payment_status", string(target)),
	)

	publishEvent(ctx, r.events, models.SettlementEvent{
		EventType:      models.EventRefundSucceeded,
		PaymentOrderID: refund.PaymentOrderID,
		IdentityID:     order.IdentityID,
		Amount:         refund.Amount,
		Currency:       refund.Currency,
		Status:         target,
		RefundID:       refund.ID,
		Reason:         refund.Reason,
	}, logger)
	return nil
}

func (r *RefundEngine) getRefund(ctx context.Context, id models.RefundID) (*models.PaymentRefund, error) {
	refund, err := r.store.GetRefund(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return refund, nil
}
