package handlers

import (
	"context"
	"errors"
	"net/http"

	"settlement-svc/ledger"
	"settlement-svc/logging"
	"settlement-svc/models"
	"settlement-svc/payment"
	"settlement-svc/psp"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// LedgerVerifier runs the ledger balance check.
type LedgerVerifier interface {
	VerifyBalance(ctx context.Context) (*ledger.Balance, error)
}

type PaymentHandler struct {
	executor *payment.Executor
	refunds  *payment.RefundEngine
	ingress  *payment.Ingress
	ledger   LedgerVerifier
	logger   *zap.Logger
}

func NewPaymentHandler(
	executor *payment.Executor,
	refunds *payment.RefundEngine,
	ingress *payment.Ingress,
	verifier LedgerVerifier,
	logger *zap.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		executor: executor,
		refunds:  refunds,
		ingress:  ingress,
		ledger:   verifier,
		logger:   logger,
	}
}

// Register mounts the payment routes on r.
func (h *PaymentHandler) Register(r gin.IRouter) {
	r.POST("/payments", h.Checkout)
	r.POST("/payments/:id/execute", h.ExecutePayment)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/payments/:id/status", h.GetPaymentStatus)
	r.POST("/payments/:id/refunds", h.CreateRefund)
	r.GET("/refunds/:id", h.GetRefund)
	r.GET("/ledger/verify", h.VerifyLedger)
	r.POST("/payment/webhook", h.Webhook)
	r.POST("/payment/webhook/:provider", h.Webhook)
}

func (h *PaymentHandler) Checkout(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-service").Start(c.Request.Context(), "CheckoutHTTP")
	defer span.End()

	var req payment.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("cart.id", string(req.CartID)),
		attribute.String("identity.id", req.IdentityID.String()),
	)

	session, err := h.executor.Checkout(ctx, req)
	if err != nil {
		h.respondSessionError(c, ctx, span, session, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

type executeRequest struct {
	Buyer     psp.Buyer `json:"buyer"`
	ReturnURL string    `json:"return_url"`
}

func (h *PaymentHandler) ExecutePayment(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-service").Start(c.Request.Context(), "ExecutePaymentHTTP")
	defer span.End()

	var req executeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	session, err := h.executor.ExecutePaymentOrder(ctx, models.PaymentOrderID(c.Param("id")), req.Buyer, req.ReturnURL)
	if err != nil {
		h.respondSessionError(c, ctx, span, session, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// respondSessionError answers 202 with the session when the PSP could not be
// reached; the order stays EXECUTING until a status check resolves it.
func (h *PaymentHandler) respondSessionError(c *gin.Context, ctx context.Context, span trace.Span, session *payment.CheckoutSession, err error) {
	if session != nil && errors.Is(err, psp.ErrTransport) {
		logging.FromContext(ctx, h.logger).Warn("PSP unreachable, payment accepted as in flight",
			zap.String("payment_order_id", session.PaymentOrderID.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusAccepted, session)
		return
	}
	h.respondError(c, ctx, span, err)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-service").Start(c.Request.Context(), "GetPayment")
	defer span.End()

	id := models.PaymentOrderID(c.Param("id"))
	span.SetAttributes(attribute.String("payment_order.id", id.String()))

	details, err := h.executor.PaymentDetails(ctx, id)
	if err != nil {
		h.respondError(c, ctx, span, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-service").Start(c.Request.Context(), "GetPaymentStatus")
	defer span.End()

	id := models.PaymentOrderID(c.Param("id"))
	span.SetAttributes(attribute.String("payment_order.id", id.String()))

	order, err := h.executor.CheckPaymentStatus(ctx, id)
	if err != nil {
		h.respondError(c, ctx, span, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

func (h *PaymentHandler) CreateRefund(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-service").Start(c.Request.Context(), "CreateRefund")
	defer span.End()

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := models.PaymentOrderID(c.Param("id"))
	span.SetAttributes(attribute.String("payment_order.id", id.String()))

	refund, err := h.refunds.InitiateRefund(ctx, id, req.Amount, req.Reason)
	if err != nil {
		h.respondError(c, ctx, span, err)
		return
	}

	status := http.StatusCreated
	if refund.Status == models.PaymentStatusPending || refund.Status == models.PaymentStatusExecuting {
		status = http.StatusAccepted
	}
	c.JSON(status, refund)
}

func (h *PaymentHandler) GetRefund(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-service").Start(c.Request.Context(), "GetRefund")
	defer span.End()

	refund, err := h.refunds.CheckRefundStatus(ctx, models.RefundID(c.Param("id")))
	if err != nil {
		h.respondError(c, ctx, span, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func (h *PaymentHandler) VerifyLedger(c *gin.Context) {
	ctx, span := otel.Tracer("settlement-service").Start(c.Request.Context(), "VerifyLedger")
	defer span.End()

	balance, err := h.ledger.VerifyBalance(ctx)
	if err != nil {
		h.respondError(c, ctx, span, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// Webhook always answers 200; the plain-text body tells the PSP whether to
// redeliver.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		logging.FromContext(c.Request.Context(), h.logger).Warn("Failed to read webhook body", zap.Error(err))
		c.String(http.StatusOK, string(payment.AckFailure))
		return
	}

	signature := c.GetHeader("X-VERIFY")
	if signature == "" {
		signature = c.GetHeader("X-Signature")
	}

	ack := h.ingress.Handle(c.Request.Context(), c.Param("provider"), body, signature)
	c.String(http.StatusOK, string(ack))
}

func (h *PaymentHandler) respondError(c *gin.Context, ctx context.Context, span trace.Span, err error) {
	switch {
	case errors.Is(err, payment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, payment.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, payment.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		span.RecordError(err)
		logging.FromContext(ctx, h.logger).Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
