package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"settlement-svc/models"
	"settlement-svc/psp"
	"settlement-svc/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const webhookKey = "webhook-secret"

// fakeAdapter is a scriptable PSP. Webhook bodies are JSON fakeWebhook
// documents signed with webhookKey.
type fakeAdapter struct {
	mu           sync.Mutex
	name         string
	initiate     func(req psp.InitiateRequest) (*psp.Checkout, error)
	status       func(id models.PaymentOrderID) (*psp.StatusResult, error)
	refund       func(req psp.RefundRequest) (*psp.RefundResult, error)
	refundStatus func(id models.RefundID) (*psp.RefundResult, error)
	statusCalls  int
	signer       psp.Signer
}

type fakeWebhook struct {
	OrderID  string     `json:"order_id"`
	RefundID string     `json:"refund_id,omitempty"`
	Status   psp.Status `json:"status"`
	TxnID    string     `json:"txn_id"`
	Amount   string     `json:"amount"`
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		name:   "fakepsp",
		signer: psp.NewSigner(webhookKey),
		initiate: func(req psp.InitiateRequest) (*psp.Checkout, error) {
			return &psp.Checkout{CheckoutURL: "https://psp.example/pay/" + req.PaymentOrderID.String(), Reference: "ref-" + req.PaymentOrderID.String()}, nil
		},
		status: func(id models.PaymentOrderID) (*psp.StatusResult, error) {
			return &psp.StatusResult{Status: psp.StatusPending, Code: "PAYMENT_PENDING"}, nil
		},
		refund: func(req psp.RefundRequest) (*psp.RefundResult, error) {
			return &psp.RefundResult{Status: psp.StatusSuccess, PSPRefundRef: "R-" + req.RefundID.String(), Code: "REFUND_SUCCESS"}, nil
		},
		refundStatus: func(id models.RefundID) (*psp.RefundResult, error) {
			return &psp.RefundResult{Status: psp.StatusPending}, nil
		},
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Initiate(ctx context.Context, req psp.InitiateRequest) (*psp.Checkout, error) {
	return f.initiate(req)
}

func (f *fakeAdapter) CheckStatus(ctx context.Context, id models.PaymentOrderID) (*psp.StatusResult, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	return f.status(id)
}

func (f *fakeAdapter) InitiateRefund(ctx context.Context, req psp.RefundRequest) (*psp.RefundResult, error) {
	return f.refund(req)
}

func (f *fakeAdapter) CheckRefundStatus(ctx context.Context, id models.PaymentOrderID, refundID models.RefundID) (*psp.RefundResult, error) {
	return f.refundStatus(refundID)
}

func (f *fakeAdapter) VerifyWebhookSignature(payload []byte, signature string) bool {
	return f.signer.Verify(payload, signature)
}

func (f *fakeAdapter) ParseWebhook(rawBody []byte, signatureHeader string) (*psp.WebhookEvent, error) {
	var w fakeWebhook
	if err := json.Unmarshal(rawBody, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", psp.ErrInvalidWebhook, err)
	}
	amount, _ := decimal.NewFromString(w.Amount)
	return &psp.WebhookEvent{
		PaymentOrderID: models.PaymentOrderID(w.OrderID),
		RefundID:       models.RefundID(w.RefundID),
		Result:         psp.StatusResult{Status: w.Status, PSPTxnID: w.TxnID, Amount: amount, Code: string(w.Status)},
		SignedPayload:  rawBody,
		Signature:      signatureHeader,
	}, nil
}

func signedWebhook(t *testing.T, w fakeWebhook) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(w)
	require.NoError(t, err)
	return body, psp.NewSigner(webhookKey).Sign(body)
}

type fakeCarts struct {
	mu       sync.Mutex
	carts    map[models.CartID]*models.Cart
	cleared  map[models.IdentityID]int
	dropped  []models.CartID
	clearErr error
	getPanic bool
}

func newFakeCarts() *fakeCarts {
	return &fakeCarts{carts: make(map[models.CartID]*models.Cart), cleared: make(map[models.IdentityID]int)}
}

func (c *fakeCarts) GetCart(ctx context.Context, id models.CartID) (*models.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getPanic {
		panic("cart store exploded")
	}
	cart, ok := c.carts[id]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", id, repository.ErrNotFound)
	}
	copied := *cart
	return &copied, nil
}

func (c *fakeCarts) ClearCart(ctx context.Context, identity models.IdentityID, id models.CartID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clearErr != nil {
		return c.clearErr
	}
	c.cleared[identity]++
	c.dropped = append(c.dropped, id)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.SettlementEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event models.SettlementEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, e := range p.events {
		types = append(types, e.EventType)
	}
	return types
}

type harness struct {
	store    *repository.MemoryStore
	adapter  *fakeAdapter
	carts    *fakeCarts
	events   *fakePublisher
	executor *Executor
	refunds  *RefundEngine
	ingress  *Ingress
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	store := repository.NewMemoryStore()
	adapter := newFakeAdapter()
	registry := psp.NewRegistry(adapter.Name(), adapter)
	carts := newFakeCarts()
	events := &fakePublisher{}

	executor := NewExecutor(store, registry, carts, events, "INR", logger)
	refunds := NewRefundEngine(store, registry, events, logger)
	return &harness{
		store:    store,
		adapter:  adapter,
		carts:    carts,
		events:   events,
		executor: executor,
		refunds:  refunds,
		ingress:  NewIngress(registry, executor, refunds, logger),
	}
}

// addCart stores a cart worth 500.00 for identity u1.
func (h *harness) addCart() models.CartID {
	h.carts.carts["cart_1"] = &models.Cart{
		ID:         "cart_1",
		IdentityID: "u1",
		Items: []models.CartItem{
			{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("150.00"), Name: "Mug", SKU: "MUG-1"},
			{ProductID: "p2", Quantity: 1, Price: decimal.RequireFromString("200.00"), Name: "Lamp", SKU: "LMP-1"},
		},
		ShippingAddressID: "addr_1",
	}
	return "cart_1"
}

// checkout creates an EXECUTING payment order for the default cart.
func (h *harness) checkout(t *testing.T) *CheckoutSession {
	t.Helper()
	session, err := h.executor.Checkout(context.Background(), CheckoutRequest{CartID: h.addCart(), IdentityID: "u1"})
	require.NoError(t, err)
	return session
}

// settled returns a payment order that already reached SUCCESS.
func (h *harness) settled(t *testing.T) models.PaymentOrderID {
	t.Helper()
	session := h.checkout(t)
	require.NoError(t, h.executor.HandlePaymentSuccess(context.Background(), session.PaymentOrderID, Outcome{PSPTxnID: "T1"}))
	return session.PaymentOrderID
}

func ledgerEntriesOfType(t *testing.T, store *repository.MemoryStore, id models.PaymentOrderID, entryType models.LedgerEntryType) []models.LedgerEntry {
	t.Helper()
	entries, err := store.LedgerEntries(context.Background(), id)
	require.NoError(t, err)
	var out []models.LedgerEntry
	for _, e := range entries {
		var m models.LedgerMetadata
		require.NoError(t, json.Unmarshal(e.Metadata, &m))
		if m.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}
