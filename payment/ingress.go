package payment

import (
	"context"
	"errors"
	"fmt"

	"settlement-svc/logging"
	"settlement-svc/middleware"
	"settlement-svc/psp"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Ack is the plain-text body returned to the PSP. FAILURE makes the PSP
// retry the delivery.
type Ack string

const (
	AckSuccess Ack = "SUCCESS"
	AckFailure Ack = "FAILURE"
)

type Ingress struct {
	registry *psp.Registry
	executor *Executor
	refunds  *RefundEngine
	logger   *zap.Logger
}

func NewIngress(registry *psp.Registry, executor *Executor, refunds *RefundEngine, logger *zap.Logger) *Ingress {
	return &Ingress{registry: registry, executor: executor, refunds: refunds, logger: logger}
}

// Handle parses, authenticates and dispatches one webhook delivery. An empty
// provider means the default PSP.
func (i *Ingress) Handle(ctx context.Context, provider string, rawBody []byte, signature string) (ack Ack) {
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer span.End()
	logger := logging.FromContext(ctx, i.logger)

	if provider == "" {
		provider = i.registry.Default()
	}
	span.SetAttributes(attribute.String("psp", provider))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Webhook dispatch panicked", zap.String("psp", provider), zap.Any("panic", r))
			span.RecordError(fmt.Errorf("panic: %v", r))
			ack = AckFailure
		}
		middleware.RecordWebhookDelivery(provider, string(ack))
	}()

	adapter, err := i.registry.Get(provider)
	if err != nil {
		logger.Warn("Webhook for unknown PSP", zap.String("psp", provider))
		return AckFailure
	}

	event, err := adapter.ParseWebhook(rawBody, signature)
	if err != nil {
		logger.Warn("Unparseable webhook", zap.String("psp", provider), zap.Error(err))
		return AckFailure
	}
	logger = logger.With(zap.String("psp", provider))

	if !adapter.VerifyWebhookSignature(event.SignedPayload, event.Signature) {
		logger.Warn("Webhook signature mismatch")
		return AckFailure
	}
	if event.RefundID != "" {
		return i.handleRefund(ctx, adapter, event, logger.With(zap.String("refund_id", event.RefundID.String())))
	}
	logger = logger.With(zap.String("payment_order_id", event.PaymentOrderID.String()))

	order, err := i.executor.store.GetPaymentOrder(ctx, event.PaymentOrderID)
	if err != nil {
		logger.Warn("Webhook for unknown payment order", zap.Error(err))
		return AckFailure
	}
	if order.PSP != adapter.Name() {
		logger.Warn("Webhook from a PSP that does not own the payment order", zap.String("owner", order.PSP))
		return AckFailure
	}

	ctx = logging.WithLogger(ctx, logger)
	err = i.executor.Dispatch(ctx, event.PaymentOrderID, event.Result)
	switch {
	case err == nil:
		return AckSuccess
	case errors.Is(err, ErrSettlementIncomplete):
		// the payment is recorded; redelivery would not repair the side effects
		return AckSuccess
	default:
		span.RecordError(err)
		logger.Error("Webhook dispatch failed", zap.Error(err))
		return AckFailure
	}
}

func (i *Ingress) handleRefund(ctx context.Context, adapter psp.Adapter, event *psp.WebhookEvent, logger *zap.Logger) Ack {
	if i.refunds == nil {
		logger.Warn("Refund callback received but refunds are not handled here")
		return AckFailure
	}
	refund, err := i.executor.store.GetRefund(ctx, event.RefundID)
	if err != nil {
		logger.Warn("Webhook for unknown refund", zap.Error(err))
		return AckFailure
	}
	order, err := i.executor.store.GetPaymentOrder(ctx, refund.PaymentOrderID)
	if err != nil {
		logger.Error("Refund without its payment order", zap.Error(err))
		return AckFailure
	}
	if order.PSP != adapter.Name() {
		logger.Warn("Refund callback from a PSP that does not own the payment order", zap.String("owner", order.PSP))
		return AckFailure
	}

	ctx = logging.WithLogger(ctx, logger.With(zap.String("payment_order_id", order.ID.String())))
	err = i.refunds.DispatchRefund(ctx, refund.ID, &psp.RefundResult{
		Status:       event.Result.Status,
		PSPRefundRef: event.Result.PSPTxnID,
		Code:         event.Result.Code,
		Message:      event.Result.Message,
		Raw:          event.Result.Raw,
	})
	if err != nil {
		logger.Error("Refund callback dispatch failed", zap.Error(err))
		return AckFailure
	}
	return AckSuccess
}
