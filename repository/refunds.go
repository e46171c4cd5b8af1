package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-svc/models"

	"github.com/shopspring/decimal"
)

const refundColumns = `refund_id, payment_order_id, amount, currency, reason, status, merchant_ref,
	COALESCE(request_id, ''), psp_refund_ref, psp_code, psp_message, psp_raw, created_at, updated_at, completed_at`

func (s *PostgresStore) CreateRefund(ctx context.Context, r *models.PaymentRefund) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO payment_refunds (refund_id, payment_order_id, amount, currency, reason, status, merchant_ref, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')) RETURNING created_at, updated_at`,
		r.ID, r.PaymentOrderID, r.Amount, r.Currency, r.Reason, r.Status, r.MerchantRef, r.RequestID,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRefund(ctx context.Context, id models.RefundID) (*models.PaymentRefund, error) {
	r, err := scanRefund(s.q.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM payment_refunds WHERE refund_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refund %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetRefundByRequestID(ctx context.Context, requestID string) (*models.PaymentRefund, error) {
	r, err := scanRefund(s.q.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM payment_refunds WHERE request_id = $1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refund request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRefunds(ctx context.Context, id models.PaymentOrderID) ([]models.PaymentRefund, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM payment_refunds WHERE payment_order_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query refunds: %w", err)
	}
	defer rows.Close()

	var refunds []models.PaymentRefund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		refunds = append(refunds, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refunds: %w", err)
	}
	return refunds, nil
}

// TransitionRefund is the refund counterpart of TransitionPaymentOrder.
// patch.PSPTxnID is stored as the PSP refund reference.
func (s *PostgresStore) TransitionRefund(ctx context.Context, id models.RefundID, from []models.PaymentStatus, to models.PaymentStatus, patch models.StatusPatch) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE payment_refunds SET
			status = $1,
			psp_refund_ref = COALESCE(NULLIF($2, ''), psp_refund_ref),
			psp_code = COALESCE(NULLIF($3, ''), psp_code),
			psp_message = COALESCE(NULLIF($4, ''), psp_message),
			psp_raw = COALESCE($5::jsonb, psp_raw),
			completed_at = CASE WHEN $6 THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE refund_id = $7 AND status = ANY($8)`,
		to, patch.PSPTxnID, patch.PSPCode, patch.PSPMessage, rawArg(patch.PSPRaw), patch.Completed,
		id, statusArray(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition refund: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// SumRefunds totals the refunds of a payment order in the given statuses.
func (s *PostgresStore) SumRefunds(ctx context.Context, id models.PaymentOrderID, statuses []models.PaymentStatus) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payment_refunds WHERE payment_order_id = $1 AND status = ANY($2)`,
		id, statusArray(statuses),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}

func scanRefund(row rowScanner) (*models.PaymentRefund, error) {
	var r models.PaymentRefund
	var raw []byte
	err := row.Scan(&r.ID, &r.PaymentOrderID, &r.Amount, &r.Currency, &r.Reason, &r.Status, &r.MerchantRef,
		&r.RequestID, &r.PSPRefundRef, &r.PSPCode, &r.PSPMessage, &raw, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.PSPRaw = raw
	return &r, nil
}
