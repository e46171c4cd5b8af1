// Package ledger is the append-only double-entry record of money movement.
//
// Entries are only ever inserted. Corrections are new compensating entries;
// there is deliberately no update or delete method here, and the schema
// turns UPDATE/DELETE on ledger_entries into no-ops.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"settlement-svc/database"
	"settlement-svc/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidPosting = errors.New("invalid ledger posting")
	// ErrDuplicateEntry means the PAYMENT entry for an order, or the REFUND
	// entry for a refund, already exists.
	ErrDuplicateEntry = errors.New("ledger entry already recorded")
)

type Ledger struct {
	db     database.DBTX
	logger *zap.Logger
}

func New(db database.DBTX, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// WithTx returns a Ledger that writes through tx.
func (l *Ledger) WithTx(tx database.DBTX) *Ledger {
	return &Ledger{db: tx, logger: l.logger}
}

// Record appends one entry. It fails only on invalid input or storage errors.
func (l *Ledger) Record(ctx context.Context, p models.Posting) (*models.LedgerEntry, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}

	entry := &models.LedgerEntry{
		TxnID:          models.NewLedgerTxnID(),
		PaymentOrderID: p.PaymentOrderID,
		DebitAccount:   p.DebitAccount,
		CreditAccount:  p.CreditAccount,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Description:    p.Description,
		Metadata:       metadata,
	}

	err = l.db.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (txn_id, payment_order_id, debit_account, credit_account, amount, currency, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`,
		entry.TxnID, entry.PaymentOrderID, entry.DebitAccount, entry.CreditAccount,
		entry.Amount, entry.Currency, entry.Description, string(metadata),
	).Scan(&entry.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s for %s", ErrDuplicateEntry, p.Metadata.Type, p.PaymentOrderID)
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	l.logger.Info("Ledger entry recorded",
		zap.String("txn_id", entry.TxnID.String()),
		zap.String("payment_order_id", entry.PaymentOrderID.String()),
		zap.String("type", string(p.Metadata.Type)),
		zap.String("debit", entry.DebitAccount),
		zap.String("credit", entry.CreditAccount),
		zap.String("amount", entry.Amount.StringFixed(2)),
		zap.String("currency", entry.Currency),
	)
	return entry, nil
}

// EntriesFor lists the entries of a payment order in insertion order.
func (l *Ledger) EntriesFor(ctx context.Context, id models.PaymentOrderID) ([]models.LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT txn_id, payment_order_id, debit_account, credit_account, amount, currency, description, metadata, created_at
		FROM ledger_entries WHERE payment_order_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var metadata []byte
		if err := rows.Scan(&e.TxnID, &e.PaymentOrderID, &e.DebitAccount, &e.CreditAccount,
			&e.Amount, &e.Currency, &e.Description, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Metadata = json.RawMessage(metadata)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

// Validate checks a posting without touching storage.
func Validate(p models.Posting) error {
	switch {
	case p.PaymentOrderID == "":
		return fmt.Errorf("%w: missing payment order", ErrInvalidPosting)
	case p.DebitAccount == "" || p.CreditAccount == "":
		return fmt.Errorf("%w: missing account", ErrInvalidPosting)
	case p.DebitAccount == p.CreditAccount:
		return fmt.Errorf("%w: debit and credit are both %s", ErrInvalidPosting, p.DebitAccount)
	case !p.Amount.GreaterThan(decimal.Zero):
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPosting, p.Amount)
	case p.Currency == "":
		return fmt.Errorf("%w: missing currency", ErrInvalidPosting)
	case p.Metadata.Type != models.LedgerEntryPayment && p.Metadata.Type != models.LedgerEntryRefund:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidPosting, p.Metadata.Type)
	}
	return nil
}
