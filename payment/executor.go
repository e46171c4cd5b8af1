package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-svc/ledger"
	"settlement-svc/logging"
	"settlement-svc/middleware"
	"settlement-svc/models"
	"settlement-svc/psp"
	"settlement-svc/repository"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type CheckoutRequest struct {
	CartID     models.CartID     `json:"cart_id"`
	IdentityID models.IdentityID `json:"identity_id"`
	Currency   string            `json:"currency"`
	Buyer      psp.Buyer         `json:"buyer"`
	ReturnURL  string            `json:"return_url"`
	PSP        string            `json:"psp"`
}

// CheckoutSession is returned to the client after a payment order is sent
// to the PSP.
type CheckoutSession struct {
	PaymentEventID models.PaymentEventID `json:"payment_event_id"`
	PaymentOrderID models.PaymentOrderID `json:"payment_order_id"`
	Status         models.PaymentStatus  `json:"status"`
	Amount         string                `json:"amount"`
	Currency       string                `json:"currency"`
	PSP            string                `json:"psp"`
	CheckoutURL    string                `json:"checkout_url,omitempty"`
	SignedPayload  map[string]string     `json:"checksum_data,omitempty"`
}

// PaymentDetails is a payment order with everything recorded against it.
type PaymentDetails struct {
	Order   *models.PaymentOrder   `json:"payment_order"`
	Ledger  []models.LedgerEntry   `json:"ledger_entries"`
	Refunds []models.PaymentRefund `json:"refunds"`
}

type Executor struct {
	store           repository.Store
	registry        *psp.Registry
	carts           CartService
	events          EventPublisher
	defaultCurrency string
	logger          *zap.Logger
}

func NewExecutor(store repository.Store, registry *psp.Registry, carts CartService, events EventPublisher, defaultCurrency string, logger *zap.Logger) *Executor {
	return &Executor{
		store:           store,
		registry:        registry,
		carts:           carts,
		events:          events,
		defaultCurrency: defaultCurrency,
		logger:          logger,
	}
}

// Checkout turns a cart into a payment event with one payment order and
// sends the order to the PSP.
func (e *Executor) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	ctx, span := tracer.Start(ctx, "Checkout")
	defer span.End()
	logger := logging.FromContext(ctx, e.logger)

	if req.CartID == "" || req.IdentityID == "" {
		return nil, fmt.Errorf("%w: cart_id and identity_id are required", ErrValidation)
	}
	currency := req.Currency
	if currency == "" {
		currency = e.defaultCurrency
	}

	adapter, err := e.registry.Get(req.PSP)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	cart, err := e.carts.GetCart(ctx, req.CartID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", notFound(err))
	}
	if cart.IdentityID != "" && cart.IdentityID != req.IdentityID {
		return nil, fmt.Errorf("%w: cart %s does not belong to %s", ErrValidation, req.CartID, req.IdentityID)
	}
	if len(cart.Items) == 0 {
		return nil, fmt.Errorf("%w: cart %s is empty", ErrValidation, req.CartID)
	}
	amount := cart.Total()
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: cart total must be positive, got %s", ErrValidation, amount)
	}

	event := &models.PaymentEvent{
		ID:         models.NewPaymentEventID(),
		CartID:     req.CartID,
		IdentityID: req.IdentityID,
		Amount:     amount,
		Currency:   currency,
	}
	order := &models.PaymentOrder{
		ID:             models.NewPaymentOrderID(),
		PaymentEventID: event.ID,
		IdentityID:     req.IdentityID,
		Amount:         amount,
		Currency:       currency,
		PSP:            adapter.Name(),
		Status:         models.PaymentStatusNotStarted,
	}

	err = e.store.Atomic(ctx, func(tx repository.Store) error {
		if err := tx.CreatePaymentEvent(ctx, event); err != nil {
			return err
		}
		return tx.CreatePaymentOrder(ctx, order)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("payment_event.id", event.ID.String()),
		attribute.String("payment_order.id", order.ID.String()),
	)
	logger.Info("Payment event created",
		zap.String("payment_event_id", event.ID.String()),
		zap.String("payment_order_id", order.ID.String()),
		zap.String("identity_id", req.IdentityID.String()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("currency", currency),
		zap.String("psp", order.PSP),
	)

	return e.ExecutePaymentOrder(ctx, order.ID, req.Buyer, req.ReturnURL)
}

// ExecutePaymentOrder sends a NOT_STARTED order to its PSP. When the PSP
// cannot be reached the order stays EXECUTING and the returned session comes
// with an error wrapping psp.ErrTransport; CheckPaymentStatus resolves it.
func (e *Executor) ExecutePaymentOrder(ctx context.Context, id models.PaymentOrderID, buyer psp.Buyer, returnURL string) (*CheckoutSession, error) {
	ctx, span := tracer.Start(ctx, "ExecutePaymentOrder")
	defer span.End()
	span.SetAttributes(attribute.String("payment_order.id", id.String()))
	logger := logging.FromContext(ctx, e.logger).With(zap.String("payment_order_id", id.String()))

	order, err := e.store.GetPaymentOrder(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	adapter, err := e.registry.Get(order.PSP)
	if err != nil {
		return nil, err
	}

	ok, err := e.store.TransitionPaymentOrder(ctx, id,
		models.SourcesOf(models.PaymentStatusExecuting), models.PaymentStatusExecuting,
		models.StatusPatch{Executed: true})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: payment order %s is %s, not %s", ErrInvalidTransition, id, order.Status, models.PaymentStatusNotStarted)
	}
	middleware.RecordPaymentTransition(string(models.PaymentStatusExecuting))

	session := &CheckoutSession{
		PaymentEventID: order.PaymentEventID,
		PaymentOrderID: order.ID,
		Status:         models.PaymentStatusExecuting,
		Amount:         order.Amount.StringFixed(2),
		Currency:       order.Currency,
		PSP:            order.PSP,
	}

	started := time.Now()
	checkout, err := adapter.Initiate(ctx, psp.InitiateRequest{
		PaymentOrderID: order.ID,
		IdentityID:     order.IdentityID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		Buyer:          buyer,
		ReturnURL:      returnURL,
	})
	switch {
	case err == nil:
		middleware.ObservePSPCall(order.PSP, "initiate", "ok", started)
	case errors.Is(err, psp.ErrRejected):
		middleware.ObservePSPCall(order.PSP, "initiate", "rejected", started)
		logger.Warn("PSP rejected payment", zap.Error(err))
		if err := e.HandlePaymentFailure(ctx, id, Outcome{Code: "REJECTED", Message: err.Error()}); err != nil {
			return nil, err
		}
		session.Status = models.PaymentStatusFailed
		return session, nil
	default:
		middleware.ObservePSPCall(order.PSP, "initiate", "error", started)
		span.RecordError(err)
		span.SetStatus(codes.Error, "psp initiate failed")
		logger.Error("PSP initiate failed, payment order left EXECUTING", zap.Error(err))
		return session, fmt.Errorf("failed to initiate payment: %w", err)
	}

	// record the checkout reference without changing status
	if _, err := e.store.TransitionPaymentOrder(ctx, id,
		[]models.PaymentStatus{models.PaymentStatusExecuting}, models.PaymentStatusExecuting,
		models.StatusPatch{PSPReference: checkout.Reference, PSPRaw: checkout.Raw}); err != nil {
		logger.Warn("Failed to record checkout reference", zap.Error(err))
	}

	session.CheckoutURL = checkout.CheckoutURL
	session.SignedPayload = checkout.SignedPayload
	logger.Info("Payment order executing", zap.String("psp", order.PSP), zap.String("reference", checkout.Reference))
	return session, nil
}

// HandlePaymentSuccess moves an in-flight order to SUCCESS and records the
// PAYMENT ledger entry in the same transaction. A repeated success for an
// order that already left EXECUTING/PENDING is a no-op.
func (e *Executor) HandlePaymentSuccess(ctx context.Context, id models.PaymentOrderID, outcome Outcome) error {
	ctx, span := tracer.Start(ctx, "HandlePaymentSuccess")
	defer span.End()
	span.SetAttributes(attribute.String("payment_order.id", id.String()))
	logger := logging.FromContext(ctx, e.logger).With(zap.String("payment_order_id", id.String()))

	order, err := e.store.GetPaymentOrder(ctx, id)
	if err != nil {
		return notFound(err)
	}
	if !outcome.Amount.IsZero() && !outcome.Amount.Equal(order.Amount) {
		logger.Error("PSP reported a different amount than the payment order",
			zap.String("order_amount", order.Amount.StringFixed(2)),
			zap.String("psp_amount", outcome.Amount.StringFixed(2)),
		)
	}

	applied := false
	err = e.store.Atomic(ctx, func(tx repository.Store) error {
		ok, err := tx.TransitionPaymentOrder(ctx, id, models.SourcesOf(models.PaymentStatusSuccess), models.PaymentStatusSuccess, outcome.patch(true))
		if err != nil || !ok {
			return err
		}
		applied = true
		_, err = tx.RecordLedgerEntry(ctx, models.Posting{
			PaymentOrderID: id,
			DebitAccount:   models.IdentityAccount(order.IdentityID),
			CreditAccount:  models.PlatformRevenueAccount,
			Amount:         order.Amount,
			Currency:       order.Currency,
			Description:    fmt.Sprintf("payment %s", id),
			Metadata:       models.LedgerMetadata{Type: models.LedgerEntryPayment, PSPTxnID: outcome.PSPTxnID},
		})
		return err
	})
	if err != nil {
		applied = false
		span.RecordError(err)
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			logger.Error("PAYMENT ledger entry already exists for an in-flight order", zap.Error(err))
		}
		return fmt.Errorf("failed to settle payment: %w", err)
	}
	if !applied {
		current, err := e.store.GetPaymentOrder(ctx, id)
		switch {
		case err != nil:
			logger.Error("Failed to reload payment order after ignored success",
				zap.String("psp_txn_id", outcome.PSPTxnID),
				zap.Error(err),
			)
		case current.Status == models.PaymentStatusFailed:
			logger.Error("PSP reported success for a FAILED payment order", zap.String("psp_txn_id", outcome.PSPTxnID))
		default:
			logger.Info("Duplicate payment success ignored")
		}
		return nil
	}

	middleware.RecordPaymentTransition(string(models.PaymentStatusSuccess))
	middleware.RecordLedgerEntry(string(models.LedgerEntryPayment))
	logger.Info("Payment settled",
		zap.String("psp_txn_id", outcome.PSPTxnID),
		zap.String("amount", order.Amount.StringFixed(2)),
		zap.String("currency", order.Currency),
	)

	e.publish(ctx, models.SettlementEvent{
		EventType:      models.EventPaymentSuccess,
		PaymentOrderID: id,
		IdentityID:     order.IdentityID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		Status:         models.PaymentStatusSuccess,
		PSPTxnID:       outcome.PSPTxnID,
	})

	return e.settle(ctx, order)
}

// HandlePaymentFailure moves an in-flight order to FAILED.
func (e *Executor) HandlePaymentFailure(ctx context.Context, id models.PaymentOrderID, outcome Outcome) error {
	ctx, span := tracer.Start(ctx, "HandlePaymentFailure")
	defer span.End()
	span.SetAttributes(attribute.String("payment_order.id", id.String()))
	logger := logging.FromContext(ctx, e.logger).With(zap.String("payment_order_id", id.String()))

	order, err := e.store.GetPaymentOrder(ctx, id)
	if err != nil {
		return notFound(err)
	}
	ok, err := e.store.TransitionPaymentOrder(ctx, id, models.SourcesOf(models.PaymentStatusFailed), models.PaymentStatusFailed, outcome.patch(true))
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("Payment failure ignored", zap.String("status", string(order.Status)))
		return nil
	}

	middleware.RecordPaymentTransition(string(models.PaymentStatusFailed))
	logger.Info("Payment failed", zap.String("code", outcome.Code), zap.String("message", outcome.Message))

	e.publish(ctx, models.SettlementEvent{
		EventType:      models.EventPaymentFailed,
		PaymentOrderID: id,
		IdentityID:     order.IdentityID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		Status:         models.PaymentStatusFailed,
		Reason:         outcome.Message,
	})
	return nil
}

// HandlePaymentPending records that the PSP has not decided yet.
func (e *Executor) HandlePaymentPending(ctx context.Context, id models.PaymentOrderID, outcome Outcome) error {
	logger := logging.FromContext(ctx, e.logger).With(zap.String("payment_order_id", id.String()))

	if _, err := e.store.GetPaymentOrder(ctx, id); err != nil {
		return notFound(err)
	}
	ok, err := e.store.TransitionPaymentOrder(ctx, id, models.SourcesOf(models.PaymentStatusPending), models.PaymentStatusPending, outcome.patch(false))
	if err != nil {
		return err
	}
	if ok {
		middleware.RecordPaymentTransition(string(models.PaymentStatusPending))
		logger.Info("Payment pending", zap.String("code", outcome.Code))
	}
	return nil
}

// Dispatch applies a normalized PSP result to the order.
func (e *Executor) Dispatch(ctx context.Context, id models.PaymentOrderID, result psp.StatusResult) error {
	return e.dispatch(ctx, id, result.Status, OutcomeFromResult(result))
}

func (e *Executor) dispatch(ctx context.Context, id models.PaymentOrderID, status psp.Status, outcome Outcome) error {
	switch status {
	case psp.StatusSuccess:
		return e.HandlePaymentSuccess(ctx, id, outcome)
	case psp.StatusFailed:
		return e.HandlePaymentFailure(ctx, id, outcome)
	default:
		return e.HandlePaymentPending(ctx, id, outcome)
	}
}

// CheckPaymentStatus answers from storage for settled, failed and
// not-yet-started orders, and asks the PSP otherwise. A PSP that cannot be
// reached leaves the order as it was.
func (e *Executor) CheckPaymentStatus(ctx context.Context, id models.PaymentOrderID) (*models.PaymentOrder, error) {
	ctx, span := tracer.Start(ctx, "CheckPaymentStatus")
	defer span.End()
	span.SetAttributes(attribute.String("payment_order.id", id.String()))
	logger := logging.FromContext(ctx, e.logger).With(zap.String("payment_order_id", id.String()))

	order, err := e.store.GetPaymentOrder(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	if order.Status.IsTerminal() || order.Status == models.PaymentStatusNotStarted {
		return order, nil
	}

	adapter, err := e.registry.Get(order.PSP)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := adapter.CheckStatus(ctx, id)
	if err != nil {
		middleware.ObservePSPCall(order.PSP, "status", "error", started)
		logger.Warn("PSP status check failed", zap.String("status", string(order.Status)), zap.Error(err))
		return order, nil
	}
	middleware.ObservePSPCall(order.PSP, "status", "ok", started)

	outcome := OutcomeFromResult(*result)
	outcome.polled = true
	if err := e.dispatch(ctx, id, result.Status, outcome); err != nil && !errors.Is(err, ErrSettlementIncomplete) {
		span.RecordError(err)
		return nil, err
	}

	order, err = e.store.GetPaymentOrder(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return order, nil
}

// PaymentDetails loads a payment order with its ledger entries and refunds.
func (e *Executor) PaymentDetails(ctx context.Context, id models.PaymentOrderID) (*PaymentDetails, error) {
	order, err := e.store.GetPaymentOrder(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	entries, err := e.store.LedgerEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	refunds, err := e.store.ListRefunds(ctx, id)
	if err != nil {
		return nil, err
	}
	return &PaymentDetails{Order: order, Ledger: entries, Refunds: refunds}, nil
}

// RepairSettlement re-runs the settlement side effects of a settled order
// whose payment event never completed.
func (e *Executor) RepairSettlement(ctx context.Context, id models.PaymentOrderID) error {
	order, err := e.store.GetPaymentOrder(ctx, id)
	if err != nil {
		return notFound(err)
	}
	if !order.Status.IsSettled() {
		return fmt.Errorf("%w: payment order %s is %s", ErrInvalidTransition, id, order.Status)
	}
	logging.FromContext(ctx, e.logger).Info("Repairing settlement", zap.String("payment_order_id", id.String()))
	return e.settle(ctx, order)
}

// settle creates the order and closes the checkout once money is in the
// ledger. Each step is idempotent; the first failure stops the rest and the
// ledger entry stands.
func (e *Executor) settle(ctx context.Context, po *models.PaymentOrder) error {
	ctx, span := tracer.Start(ctx, "Settle")
	defer span.End()
	logger := logging.FromContext(ctx, e.logger).With(
		zap.String("payment_order_id", po.ID.String()),
		zap.String("payment_event_id", po.PaymentEventID.String()),
		zap.String("identity_id", po.IdentityID.String()),
	)

	fail := func(step string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, step)
		logger.Error("Settlement side effect failed",
			zap.String("step", step),
			zap.String("amount", po.Amount.StringFixed(2)),
			zap.String("currency", po.Currency),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s: %v", ErrSettlementIncomplete, step, err)
	}

	event, err := e.store.GetPaymentEvent(ctx, po.PaymentEventID)
	if err != nil {
		return fail("load payment event", err)
	}
	if event.Completed {
		return nil
	}

	order, err := e.store.GetOrderByPaymentOrder(ctx, po.ID)
	if errors.Is(err, repository.ErrNotFound) {
		cart, err := e.carts.GetCart(ctx, event.CartID)
		if err != nil {
			return fail("load cart", err)
		}
		order = &models.Order{
			ID:                models.NewOrderID(),
			PaymentOrderID:    po.ID,
			IdentityID:        po.IdentityID,
			ShippingAddressID: cart.ShippingAddressID,
			Items:             snapshot(cart.Items),
			TotalAmount:       po.Amount,
			Currency:          po.Currency,
			Status:            models.OrderStatusPending,
		}
		created, err := e.store.CreateOrder(ctx, order)
		if err != nil {
			return fail("create order", err)
		}
		if !created {
			if order, err = e.store.GetOrderByPaymentOrder(ctx, po.ID); err != nil {
				return fail("load order", err)
			}
		}
	} else if err != nil {
		return fail("load order", err)
	}

	if err := e.carts.ClearCart(ctx, event.IdentityID, event.CartID); err != nil {
		return fail("clear cart", err)
	}
	if err := e.store.MarkPaymentEventCompleted(ctx, event.ID); err != nil {
		return fail("complete payment event", err)
	}

	logger.Info("Order created from settled payment", zap.String("order_id", order.ID.String()))
	e.publish(ctx, models.SettlementEvent{
		EventType:      models.EventOrderCreated,
		PaymentOrderID: po.ID,
		IdentityID:     po.IdentityID,
		Amount:         po.Amount,
		Currency:       po.Currency,
		OrderID:        order.ID,
	})
	return nil
}

func snapshot(items []models.CartItem) []models.OrderItem {
	out := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
			Name:      item.Name,
			SKU:       item.SKU,
		})
	}
	return out
}

// publish is best effort; settlement never waits on the event bus.
func (e *Executor) publish(ctx context.Context, event models.SettlementEvent) {
	publishEvent(ctx, e.events, event, logging.FromContext(ctx, e.logger))
}

func publishEvent(ctx context.Context, events EventPublisher, event models.SettlementEvent, logger *zap.Logger) {
	if events == nil {
		return
	}
	if err := events.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish settlement event",
			zap.String("event_type", event.EventType),
			zap.String("payment_order_id", event.PaymentOrderID.String()),
			zap.Error(err),
		)
	}
}
