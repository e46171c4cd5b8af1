package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"settlement-svc/models"

	"github.com/shopspring/decimal"
)

// SettledPayment is the local view of a settled payment order used by
// reconciliation.
type SettledPayment struct {
	PaymentOrderID models.PaymentOrderID
	PSPTxnID       string
	Amount         decimal.Decimal
	Currency       string
	Status         models.PaymentStatus
	// LedgerAmount is nil when no PAYMENT entry exists.
	LedgerAmount *decimal.Decimal
	HasOrder     bool
}

// SettledPayments lists payment orders of one PSP that reached a settled
// state inside [from, to).
func (s *PostgresStore) SettledPayments(ctx context.Context, provider string, from, to time.Time) ([]SettledPayment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT po.payment_order_id, po.psp_txn_id, po.amount, po.currency, po.status, le.amount, o.order_id IS NOT NULL
		FROM payment_orders po
		LEFT JOIN ledger_entries le ON le.payment_order_id = po.payment_order_id AND le.metadata->>'type' = 'PAYMENT'
		LEFT JOIN orders o ON o.payment_order_id = po.payment_order_id
		WHERE po.psp = $1 AND po.completed_at >= $2 AND po.completed_at < $3
			AND po.status IN ('SUCCESS', 'PARTIALLY_REFUNDED', 'REFUNDED')
		ORDER BY po.completed_at`,
		provider, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query settled payments: %w", err)
	}
	defer rows.Close()

	var payments []SettledPayment
	for rows.Next() {
		var p SettledPayment
		var ledgerAmount decimal.NullDecimal
		if err := rows.Scan(&p.PaymentOrderID, &p.PSPTxnID, &p.Amount, &p.Currency, &p.Status, &ledgerAmount, &p.HasOrder); err != nil {
			return nil, fmt.Errorf("failed to scan settled payment: %w", err)
		}
		if ledgerAmount.Valid {
			amount := ledgerAmount.Decimal
			p.LedgerAmount = &amount
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settled payments: %w", err)
	}
	return payments, nil
}

// CreateReconciliation stores a reconciliation report. Reports are never updated.
func (s *PostgresStore) CreateReconciliation(ctx context.Context, r *models.PaymentReconciliation) error {
	discrepancies := r.Discrepancies
	if discrepancies == nil {
		discrepancies = []models.Discrepancy{}
	}
	data, err := json.Marshal(discrepancies)
	if err != nil {
		return fmt.Errorf("failed to marshal discrepancies: %w", err)
	}

	err = s.q.QueryRowContext(ctx,
		`INSERT INTO payment_reconciliations (reconciliation_id, psp, window_start, window_end, local_total, psp_total, discrepancies, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`,
		r.ID, r.PSP, r.WindowStart, r.WindowEnd, r.LocalTotal, r.PSPTotal, string(data), r.Status,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create reconciliation: %w", err)
	}
	return nil
}
