package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"settlement-svc/models"
)

func (s *PostgresStore) CreatePaymentEvent(ctx context.Context, e *models.PaymentEvent) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO payment_events (payment_event_id, cart_id, identity_id, amount, currency, completed)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		e.ID, e.CartID, e.IdentityID, e.Amount, e.Currency, e.Completed,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPaymentEvent(ctx context.Context, id models.PaymentEventID) (*models.PaymentEvent, error) {
	var e models.PaymentEvent
	err := s.q.QueryRowContext(ctx,
		`SELECT payment_event_id, cart_id, identity_id, amount, currency, completed, created_at
		FROM payment_events WHERE payment_event_id = $1`,
		id,
	).Scan(&e.ID, &e.CartID, &e.IdentityID, &e.Amount, &e.Currency, &e.Completed, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment event: %w", err)
	}
	return &e, nil
}

// MarkPaymentEventCompleted is idempotent.
func (s *PostgresStore) MarkPaymentEventCompleted(ctx context.Context, id models.PaymentEventID) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE payment_events SET completed = TRUE WHERE payment_event_id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete payment event: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("payment event %s: %w", id, ErrNotFound)
	}
	return nil
}
