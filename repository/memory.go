package repository

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"settlement-svc/ledger"
	"settlement-svc/models"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store with the same uniqueness and
// compare-and-set behaviour as PostgresStore. Atomic sections are
// serialized and rolled back on error.
type MemoryStore struct {
	txMu sync.Mutex

	mu              sync.Mutex
	events          map[models.PaymentEventID]models.PaymentEvent
	paymentOrders   map[models.PaymentOrderID]models.PaymentOrder
	refunds         map[models.RefundID]models.PaymentRefund
	refundIDs       []models.RefundID
	orders          map[models.PaymentOrderID]models.Order
	entries         []models.LedgerEntry
	reconciliations []models.PaymentReconciliation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:        make(map[models.PaymentEventID]models.PaymentEvent),
		paymentOrders: make(map[models.PaymentOrderID]models.PaymentOrder),
		refunds:       make(map[models.RefundID]models.PaymentRefund),
		orders:        make(map[models.PaymentOrderID]models.Order),
	}
}

type memoryTx struct {
	*MemoryStore
}

func (t memoryTx) Atomic(ctx context.Context, fn func(Store) error) error {
	return fn(t)
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()
	if err := fn(memoryTx{s}); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	events        map[models.PaymentEventID]models.PaymentEvent
	paymentOrders map[models.PaymentOrderID]models.PaymentOrder
	refunds       map[models.RefundID]models.PaymentRefund
	refundIDs     []models.RefundID
	orders        map[models.PaymentOrderID]models.Order
	entries       []models.LedgerEntry
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memorySnapshot{
		events:        cloneMap(s.events),
		paymentOrders: cloneMap(s.paymentOrders),
		refunds:       cloneMap(s.refunds),
		refundIDs:     slices.Clone(s.refundIDs),
		orders:        cloneMap(s.orders),
		entries:       slices.Clone(s.entries),
	}
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = snap.events
	s.paymentOrders = snap.paymentOrders
	s.refunds = snap.refunds
	s.refundIDs = snap.refundIDs
	s.orders = snap.orders
	s.entries = snap.entries
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) CreatePaymentEvent(ctx context.Context, e *models.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("failed to create payment event: duplicate id %s", e.ID)
	}
	e.CreatedAt = time.Now()
	s.events[e.ID] = *e
	return nil
}

func (s *MemoryStore) GetPaymentEvent(ctx context.Context, id models.PaymentEventID) (*models.PaymentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("payment event %s: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (s *MemoryStore) MarkPaymentEventCompleted(ctx context.Context, id models.PaymentEventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("payment event %s: %w", id, ErrNotFound)
	}
	e.Completed = true
	s.events[id] = e
	return nil
}

func (s *MemoryStore) CreatePaymentOrder(ctx context.Context, o *models.PaymentOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.paymentOrders[o.ID]; ok {
		return fmt.Errorf("failed to create payment order: duplicate id %s", o.ID)
	}
	if _, ok := s.events[o.PaymentEventID]; !ok {
		return fmt.Errorf("failed to create payment order: unknown payment event %s", o.PaymentEventID)
	}
	if o.Status == "" {
		o.Status = models.PaymentStatusNotStarted
	}
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	s.paymentOrders[o.ID] = *o
	return nil
}

func (s *MemoryStore) GetPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.paymentOrders[id]
	if !ok {
		return nil, fmt.Errorf("payment order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

// LockPaymentOrder relies on Atomic serializing transactions.
func (s *MemoryStore) LockPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.PaymentOrder, error) {
	return s.GetPaymentOrder(ctx, id)
}

func (s *MemoryStore) TransitionPaymentOrder(ctx context.Context, id models.PaymentOrderID, from []models.PaymentStatus, to models.PaymentStatus, patch models.StatusPatch) (bool, error) {
	if err := models.CheckTransition(from, to); err != nil {
		return false, fmt.Errorf("failed to transition payment order %s: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.paymentOrders[id]
	if !ok || !slices.Contains(from, o.Status) {
		return false, nil
	}

	if to.IsSettled() {
		for _, other := range s.paymentOrders {
			if other.ID != id && other.PaymentEventID == o.PaymentEventID && other.Status.IsSettled() {
				return false, fmt.Errorf("failed to transition payment order: event %s already settled", o.PaymentEventID)
			}
		}
	}

	now := time.Now()
	o.Status = to
	setIfNotEmpty(&o.PSPTxnID, patch.PSPTxnID)
	setIfNotEmpty(&o.PSPReference, patch.PSPReference)
	setIfNotEmpty(&o.PaymentMethod, patch.PaymentMethod)
	setIfNotEmpty(&o.PSPCode, patch.PSPCode)
	setIfNotEmpty(&o.PSPMessage, patch.PSPMessage)
	if len(patch.PSPRaw) > 0 {
		o.PSPRaw = patch.PSPRaw
	}
	if patch.Executed {
		o.ExecutedAt = &now
	}
	if patch.Completed {
		o.CompletedAt = &now
	}
	if patch.IncrementTry {
		o.RetryCount++
	}
	o.UpdatedAt = now
	s.paymentOrders[id] = o
	return true, nil
}

func (s *MemoryStore) CreateRefund(ctx context.Context, r *models.PaymentRefund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refunds[r.ID]; ok {
		return fmt.Errorf("failed to create refund: duplicate id %s", r.ID)
	}
	if _, ok := s.paymentOrders[r.PaymentOrderID]; !ok {
		return fmt.Errorf("failed to create refund: unknown payment order %s", r.PaymentOrderID)
	}
	if r.RequestID != "" {
		for _, existing := range s.refunds {
			if existing.RequestID == r.RequestID {
				return fmt.Errorf("failed to create refund: duplicate request %s", r.RequestID)
			}
		}
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	s.refunds[r.ID] = *r
	s.refundIDs = append(s.refundIDs, r.ID)
	return nil
}

func (s *MemoryStore) GetRefund(ctx context.Context, id models.RefundID) (*models.PaymentRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, fmt.Errorf("refund %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) GetRefundByRequestID(ctx context.Context, requestID string) (*models.PaymentRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if r.RequestID == requestID {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("refund request %s: %w", requestID, ErrNotFound)
}

func (s *MemoryStore) ListRefunds(ctx context.Context, id models.PaymentOrderID) ([]models.PaymentRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refunds []models.PaymentRefund
	for _, refundID := range s.refundIDs {
		if r := s.refunds[refundID]; r.PaymentOrderID == id {
			refunds = append(refunds, r)
		}
	}
	return refunds, nil
}

func (s *MemoryStore) TransitionRefund(ctx context.Context, id models.RefundID, from []models.PaymentStatus, to models.PaymentStatus, patch models.StatusPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok || !slices.Contains(from, r.Status) {
		return false, nil
	}
	now := time.Now()
	r.Status = to
	setIfNotEmpty(&r.PSPRefundRef, patch.PSPTxnID)
	setIfNotEmpty(&r.PSPCode, patch.PSPCode)
	setIfNotEmpty(&r.PSPMessage, patch.PSPMessage)
	if len(patch.PSPRaw) > 0 {
		r.PSPRaw = patch.PSPRaw
	}
	if patch.Completed {
		r.CompletedAt = &now
	}
	r.UpdatedAt = now
	s.refunds[id] = r
	return true, nil
}

func (s *MemoryStore) SumRefunds(ctx context.Context, id models.PaymentOrderID, statuses []models.PaymentStatus) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, r := range s.refunds {
		if r.PaymentOrderID == id && slices.Contains(statuses, r.Status) {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (s *MemoryStore) CreateOrder(ctx context.Context, o *models.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.PaymentOrderID]; ok {
		return false, nil
	}
	if o.Status == "" {
		o.Status = models.OrderStatusPending
	}
	o.CreatedAt = time.Now()
	s.orders[o.PaymentOrderID] = *o
	return true, nil
}

func (s *MemoryStore) GetOrderByPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order for payment order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) RecordLedgerEntry(ctx context.Context, p models.Posting) (*models.LedgerEntry, error) {
	if err := ledger.Validate(p); err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		var m models.LedgerMetadata
		_ = json.Unmarshal(e.Metadata, &m)
		if m.Type != p.Metadata.Type {
			continue
		}
		if (m.Type == models.LedgerEntryPayment && e.PaymentOrderID == p.PaymentOrderID) ||
			(m.Type == models.LedgerEntryRefund && m.RefundID == p.Metadata.RefundID) {
			return nil, fmt.Errorf("%w: %s for %s", ledger.ErrDuplicateEntry, p.Metadata.Type, p.PaymentOrderID)
		}
	}

	entry := models.LedgerEntry{
		TxnID:          models.NewLedgerTxnID(),
		PaymentOrderID: p.PaymentOrderID,
		DebitAccount:   p.DebitAccount,
		CreditAccount:  p.CreditAccount,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Description:    p.Description,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}
	s.entries = append(s.entries, entry)
	return &entry, nil
}

func (s *MemoryStore) LedgerEntries(ctx context.Context, id models.PaymentOrderID) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.LedgerEntry
	for _, e := range s.entries {
		if e.PaymentOrderID == id {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// AllLedgerEntries returns every entry in insertion order.
func (s *MemoryStore) AllLedgerEntries() []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

func (s *MemoryStore) SettledPayments(ctx context.Context, provider string, from, to time.Time) ([]SettledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payments []SettledPayment
	for _, o := range s.paymentOrders {
		if o.PSP != provider || !o.Status.IsSettled() || o.CompletedAt == nil {
			continue
		}
		if o.CompletedAt.Before(from) || !o.CompletedAt.Before(to) {
			continue
		}
		p := SettledPayment{
			PaymentOrderID: o.ID,
			PSPTxnID:       o.PSPTxnID,
			Amount:         o.Amount,
			Currency:       o.Currency,
			Status:         o.Status,
		}
		for _, e := range s.entries {
			var m models.LedgerMetadata
			_ = json.Unmarshal(e.Metadata, &m)
			if e.PaymentOrderID == o.ID && m.Type == models.LedgerEntryPayment {
				amount := e.Amount
				p.LedgerAmount = &amount
			}
		}
		_, p.HasOrder = s.orders[o.ID]
		payments = append(payments, p)
	}
	slices.SortFunc(payments, func(a, b SettledPayment) int {
		return cmp.Compare(a.PaymentOrderID, b.PaymentOrderID)
	})
	return payments, nil
}

func (s *MemoryStore) CreateReconciliation(ctx context.Context, r *models.PaymentReconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.CreatedAt = time.Now()
	s.reconciliations = append(s.reconciliations, *r)
	return nil
}

// Reconciliations returns the stored reports in creation order.
func (s *MemoryStore) Reconciliations() []models.PaymentReconciliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reconciliations)
}

func setIfNotEmpty(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
