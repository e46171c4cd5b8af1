package repository

import (
	"context"
	"errors"
	"testing"

	"settlement-svc/ledger"
	"settlement-svc/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMemoryOrder(t *testing.T, s *MemoryStore) *models.PaymentOrder {
	t.Helper()
	ctx := context.Background()
	event := &models.PaymentEvent{ID: "pe_1", CartID: "c1", IdentityID: "u1", Amount: decimal.RequireFromString("500"), Currency: "INR"}
	require.NoError(t, s.CreatePaymentEvent(ctx, event))
	order := &models.PaymentOrder{ID: "po_1", PaymentEventID: "pe_1", IdentityID: "u1", Amount: event.Amount, Currency: "INR", PSP: "gateway"}
	require.NoError(t, s.CreatePaymentOrder(ctx, order))
	return order
}

func TestMemoryStore_AtomicRollsBack(t *testing.T) {
	s := NewMemoryStore()
	seedMemoryOrder(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(tx Store) error {
		ok, err := tx.TransitionPaymentOrder(ctx, "po_1",
			[]models.PaymentStatus{models.PaymentStatusNotStarted}, models.PaymentStatusExecuting, models.StatusPatch{Executed: true})
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	require.ErrorIs(t, err, boom)

	o, err := s.GetPaymentOrder(ctx, "po_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusNotStarted, o.Status)
	assert.Nil(t, o.ExecutedAt)
}

func TestMemoryStore_LedgerUniqueness(t *testing.T) {
	s := NewMemoryStore()
	seedMemoryOrder(t, s)
	ctx := context.Background()

	posting := models.Posting{
		PaymentOrderID: "po_1",
		DebitAccount:   models.IdentityAccount("u1"),
		CreditAccount:  models.PlatformRevenueAccount,
		Amount:         decimal.RequireFromString("500"),
		Currency:       "INR",
		Metadata:       models.LedgerMetadata{Type: models.LedgerEntryPayment},
	}
	_, err := s.RecordLedgerEntry(ctx, posting)
	require.NoError(t, err)

	_, err = s.RecordLedgerEntry(ctx, posting)
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)

	refund := models.Posting{
		PaymentOrderID: "po_1",
		DebitAccount:   models.PlatformRevenueAccount,
		CreditAccount:  models.IdentityAccount("u1"),
		Amount:         decimal.RequireFromString("200"),
		Currency:       "INR",
		Metadata:       models.LedgerMetadata{Type: models.LedgerEntryRefund, RefundID: "rf_1"},
	}
	_, err = s.RecordLedgerEntry(ctx, refund)
	require.NoError(t, err)
	refund.Metadata.RefundID = "rf_2"
	_, err = s.RecordLedgerEntry(ctx, refund)
	require.NoError(t, err)

	entries, err := s.LedgerEntries(ctx, "po_1")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestMemoryStore_CompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	seedMemoryOrder(t, s)
	ctx := context.Background()

	ok, err := s.TransitionPaymentOrder(ctx, "po_1",
		[]models.PaymentStatus{models.PaymentStatusExecuting}, models.PaymentStatusSuccess, models.StatusPatch{})
	require.NoError(t, err)
	assert.False(t, ok, "transition from a state the order is not in must not apply")

	_, err = s.TransitionPaymentOrder(ctx, "po_1",
		[]models.PaymentStatus{models.PaymentStatusNotStarted}, models.PaymentStatusSuccess, models.StatusPatch{})
	assert.Error(t, err, "a transition the lifecycle does not allow must be refused")

	created, err := s.CreateOrder(ctx, &models.Order{ID: "ord_1", PaymentOrderID: "po_1"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.CreateOrder(ctx, &models.Order{ID: "ord_2", PaymentOrderID: "po_1"})
	require.NoError(t, err)
	assert.False(t, created)
}
