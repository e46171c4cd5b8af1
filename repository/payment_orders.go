package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-svc/models"

	"go.uber.org/zap"
)

const paymentOrderColumns = `payment_order_id, payment_event_id, identity_id, amount, currency, psp, status,
	psp_txn_id, psp_reference, payment_method, psp_code, psp_message, psp_raw, retry_count,
	executed_at, completed_at, created_at, updated_at`

func (s *PostgresStore) CreatePaymentOrder(ctx context.Context, o *models.PaymentOrder) error {
	if o.Status == "" {
		o.Status = models.PaymentStatusNotStarted
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO payment_orders (payment_order_id, payment_event_id, identity_id, amount, currency, psp, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`,
		o.ID, o.PaymentEventID, o.IdentityID, o.Amount, o.Currency, o.PSP, o.Status,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.PaymentOrder, error) {
	return s.getPaymentOrder(ctx, `SELECT `+paymentOrderColumns+` FROM payment_orders WHERE payment_order_id = $1`, id)
}

func (s *PostgresStore) LockPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.PaymentOrder, error) {
	return s.getPaymentOrder(ctx, `SELECT `+paymentOrderColumns+` FROM payment_orders WHERE payment_order_id = $1 FOR UPDATE`, id)
}

func (s *PostgresStore) getPaymentOrder(ctx context.Context, query string, id models.PaymentOrderID) (*models.PaymentOrder, error) {
	o, err := scanPaymentOrder(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment order: %w", err)
	}
	return o, nil
}

// TransitionPaymentOrder moves the order to `to` only if its current status is
// one of `from`. Empty patch fields keep their stored values.
func (s *PostgresStore) TransitionPaymentOrder(ctx context.Context, id models.PaymentOrderID, from []models.PaymentStatus, to models.PaymentStatus, patch models.StatusPatch) (bool, error) {
	if err := models.CheckTransition(from, to); err != nil {
		return false, fmt.Errorf("failed to transition payment order %s: %w", id, err)
	}
	result, err := s.q.ExecContext(ctx,
		`UPDATE payment_orders SET
			status = $1,
			psp_txn_id = COALESCE(NULLIF($2, ''), psp_txn_id),
			psp_reference = COALESCE(NULLIF($3, ''), psp_reference),
			payment_method = COALESCE(NULLIF($4, ''), payment_method),
			psp_code = COALESCE(NULLIF($5, ''), psp_code),
			psp_message = COALESCE(NULLIF($6, ''), psp_message),
			psp_raw = COALESCE($7::jsonb, psp_raw),
			executed_at = CASE WHEN $8 THEN NOW() ELSE executed_at END,
			completed_at = CASE WHEN $9 THEN NOW() ELSE completed_at END,
			retry_count = retry_count + CASE WHEN $10 THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE payment_order_id = $11 AND status = ANY($12)`,
		to, patch.PSPTxnID, patch.PSPReference, patch.PaymentMethod, patch.PSPCode, patch.PSPMessage,
		rawArg(patch.PSPRaw), patch.Executed, patch.Completed, patch.IncrementTry,
		id, statusArray(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition payment order: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		s.logger.Debug("Payment order transition skipped",
			zap.String("payment_order_id", id.String()),
			zap.String("to", string(to)),
		)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaymentOrder(row rowScanner) (*models.PaymentOrder, error) {
	var o models.PaymentOrder
	var raw []byte
	err := row.Scan(&o.ID, &o.PaymentEventID, &o.IdentityID, &o.Amount, &o.Currency, &o.PSP, &o.Status,
		&o.PSPTxnID, &o.PSPReference, &o.PaymentMethod, &o.PSPCode, &o.PSPMessage, &raw, &o.RetryCount,
		&o.ExecutedAt, &o.CompletedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.PSPRaw = raw
	return &o, nil
}
