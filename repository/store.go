// Package repository persists payment events, payment orders, refunds,
// orders and reconciliation reports in PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"errors"

	"settlement-svc/database"
	"settlement-svc/ledger"
	"settlement-svc/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("record not found")

// Store is the persistence surface of the settlement flow. Transition methods
// are compare-and-set on status: they report false, not an error, when the
// row is no longer in one of the expected states.
type Store interface {
	CreatePaymentEvent(ctx context.Context, e *models.PaymentEvent) error
	GetPaymentEvent(ctx context.Context, id models.PaymentEventID) (*models.PaymentEvent, error)
	MarkPaymentEventCompleted(ctx context.Context, id models.PaymentEventID) error

	CreatePaymentOrder(ctx context.Context, o *models.PaymentOrder) error
	GetPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.PaymentOrder, error)
	// LockPaymentOrder reads the order and holds its row lock until the
	// surrounding Atomic call returns.
	LockPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.PaymentOrder, error)
	TransitionPaymentOrder(ctx context.Context, id models.PaymentOrderID, from []models.PaymentStatus, to models.PaymentStatus, patch models.StatusPatch) (bool, error)

	CreateRefund(ctx context.Context, r *models.PaymentRefund) error
	GetRefund(ctx context.Context, id models.RefundID) (*models.PaymentRefund, error)
	GetRefundByRequestID(ctx context.Context, requestID string) (*models.PaymentRefund, error)
	ListRefunds(ctx context.Context, id models.PaymentOrderID) ([]models.PaymentRefund, error)
	TransitionRefund(ctx context.Context, id models.RefundID, from []models.PaymentStatus, to models.PaymentStatus, patch models.StatusPatch) (bool, error)
	SumRefunds(ctx context.Context, id models.PaymentOrderID, statuses []models.PaymentStatus) (decimal.Decimal, error)

	// CreateOrder reports false when an order already exists for the payment order.
	CreateOrder(ctx context.Context, o *models.Order) (bool, error)
	GetOrderByPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.Order, error)

	RecordLedgerEntry(ctx context.Context, p models.Posting) (*models.LedgerEntry, error)
	LedgerEntries(ctx context.Context, id models.PaymentOrderID) ([]models.LedgerEntry, error)

	// Atomic runs fn against a Store bound to a single transaction.
	Atomic(ctx context.Context, fn func(Store) error) error
}

type PostgresStore struct {
	db     *sql.DB
	q      database.DBTX
	ledger *ledger.Ledger
	logger *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		q:      db,
		ledger: ledger.New(db, logger),
		logger: logger,
	}
}

// Ledger exposes the ledger bound to the store's connection.
func (s *PostgresStore) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		// already inside a transaction
		return fn(s)
	}
	return database.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&PostgresStore{
			q:      tx,
			ledger: s.ledger.WithTx(tx),
			logger: s.logger,
		})
	})
}

func (s *PostgresStore) RecordLedgerEntry(ctx context.Context, p models.Posting) (*models.LedgerEntry, error) {
	return s.ledger.Record(ctx, p)
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, id models.PaymentOrderID) ([]models.LedgerEntry, error) {
	return s.ledger.EntriesFor(ctx, id)
}

func statusArray(statuses []models.PaymentStatus) any {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return pq.Array(values)
}

// rawArg maps an empty raw PSP payload to SQL NULL.
func rawArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
