package payment

import (
	"context"
	"testing"

	"settlement-svc/models"
	"settlement-svc/psp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngress_SuccessWebhookSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.checkout(t)
	body, sig := signedWebhook(t, fakeWebhook{OrderID: session.PaymentOrderID.String(), Status: psp.StatusSuccess, TxnID: "T1", Amount: "500.00"})

	assert.Equal(t, AckSuccess, h.ingress.Handle(ctx, "", body, sig))
	// redelivery is acknowledged without settling twice
	assert.Equal(t, AckSuccess, h.ingress.Handle(ctx, "fakepsp", body, sig))

	order, err := h.store.GetPaymentOrder(ctx, session.PaymentOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, order.Status)
	assert.Equal(t, "T1", order.PSPTxnID)
	assert.Len(t, h.store.AllLedgerEntries(), 1)
	assert.Equal(t, 1, h.carts.cleared["u1"])
	assert.Equal(t, []models.CartID{"cart_1"}, h.carts.dropped)
}

func TestIngress_FailureWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.checkout(t)
	body, sig := signedWebhook(t, fakeWebhook{OrderID: session.PaymentOrderID.String(), Status: psp.StatusFailed})

	assert.Equal(t, AckSuccess, h.ingress.Handle(ctx, "", body, sig))

	// a late success does not resurrect the order
	body, sig = signedWebhook(t, fakeWebhook{OrderID: session.PaymentOrderID.String(), Status: psp.StatusSuccess, TxnID: "T1"})
	assert.Equal(t, AckSuccess, h.ingress.Handle(ctx, "", body, sig))

	order, err := h.store.GetPaymentOrder(ctx, session.PaymentOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, order.Status)
	assert.Empty(t, h.store.AllLedgerEntries())
}

func TestIngress_RejectsBadDeliveries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	session := h.checkout(t)
	body, sig := signedWebhook(t, fakeWebhook{OrderID: session.PaymentOrderID.String(), Status: psp.StatusSuccess})
	unknownBody, unknownSig := signedWebhook(t, fakeWebhook{OrderID: "po_missing", Status: psp.StatusSuccess})

	tests := []struct {
		name      string
		provider  string
		body      []byte
		signature string
	}{
		{"bad signature", "", body, "deadbeef"},
		{"missing signature", "", body, ""},
		{"malformed body", "", []byte("{not json"), sig},
		{"unknown provider", "other", body, sig},
		{"unknown payment order", "", unknownBody, unknownSig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, AckFailure, h.ingress.Handle(ctx, tt.provider, tt.body, tt.signature))
		})
	}

	order, err := h.store.GetPaymentOrder(ctx, session.PaymentOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusExecuting, order.Status)
	assert.Empty(t, h.store.AllLedgerEntries())
}

func TestIngress_SettlementIncompleteStillAcks(t *testing.T) {
	h := newHarness(t)
	session := h.checkout(t)
	h.carts.clearErr = assert.AnError
	body, sig := signedWebhook(t, fakeWebhook{OrderID: session.PaymentOrderID.String(), Status: psp.StatusSuccess, TxnID: "T1"})

	assert.Equal(t, AckSuccess, h.ingress.Handle(context.Background(), "", body, sig))
	assert.Len(t, h.store.AllLedgerEntries(), 1)
}

func TestIngress_RecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	session := h.checkout(t)
	h.carts.getPanic = true
	body, sig := signedWebhook(t, fakeWebhook{OrderID: session.PaymentOrderID.String(), Status: psp.StatusSuccess, TxnID: "T1"})

	assert.Equal(t, AckFailure, h.ingress.Handle(context.Background(), "", body, sig))
}

func TestIngress_RefundCallbackSettlesPendingRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.settled(t)
	h.adapter.refund = func(req psp.RefundRequest) (*psp.RefundResult, error) {
		return nil, psp.ErrTransport
	}
	refund, err := h.refunds.InitiateRefund(ctx, id, amountOf("200"), "damaged item")
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, refund.Status)

	body, sig := signedWebhook(t, fakeWebhook{RefundID: refund.ID.String(), Status: psp.StatusSuccess, TxnID: "RR1"})
	assert.Equal(t, AckSuccess, h.ingress.Handle(ctx, "", body, sig))
	// redelivery is acknowledged without a second ledger entry
	assert.Equal(t, AckSuccess, h.ingress.Handle(ctx, "", body, sig))

	stored, err := h.store.GetRefund(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)
	assert.Equal(t, "RR1", stored.PSPRefundRef)
	assert.Len(t, ledgerEntriesOfType(t, h.store, id, models.LedgerEntryRefund), 1)

	order, err := h.store.GetPaymentOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, order.Status)
	assert.Contains(t, h.events.types(), models.EventRefundSucceeded)
}

func TestIngress_RefundCallbackFailureReleasesRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.settled(t)
	h.adapter.refund = func(req psp.RefundRequest) (*psp.RefundResult, error) {
		return nil, psp.ErrTransport
	}
	refund, err := h.refunds.InitiateRefund(ctx, id, nil, "")
	require.NoError(t, err)

	body, sig := signedWebhook(t, fakeWebhook{RefundID: refund.ID.String(), Status: psp.StatusFailed})
	assert.Equal(t, AckSuccess, h.ingress.Handle(ctx, "", body, sig))

	// a late success does not resurrect the refund
	body, sig = signedWebhook(t, fakeWebhook{RefundID: refund.ID.String(), Status: psp.StatusSuccess, TxnID: "RR1"})
	assert.Equal(t, AckSuccess, h.ingress.Handle(ctx, "", body, sig))

	stored, err := h.store.GetRefund(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	assert.Empty(t, ledgerEntriesOfType(t, h.store, id, models.LedgerEntryRefund))

	order, err := h.store.GetPaymentOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, order.Status)
}

func TestIngress_RefundCallbackForUnknownRefund(t *testing.T) {
	h := newHarness(t)
	h.settled(t)
	body, sig := signedWebhook(t, fakeWebhook{RefundID: "rf_missing", Status: psp.StatusSuccess, TxnID: "RR1"})

	assert.Equal(t, AckFailure, h.ingress.Handle(context.Background(), "", body, sig))
	assert.Len(t, h.store.AllLedgerEntries(), 1)
}
