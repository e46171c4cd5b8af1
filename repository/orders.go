package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"settlement-svc/models"
)

func (s *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) (bool, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return false, fmt.Errorf("failed to marshal order items: %w", err)
	}
	if o.Status == "" {
		o.Status = models.OrderStatusPending
	}

	err = s.q.QueryRowContext(ctx,
		`INSERT INTO orders (order_id, payment_order_id, identity_id, shipping_address_id, items, total_amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_order_id) DO NOTHING
		RETURNING created_at`,
		o.ID, o.PaymentOrderID, o.IdentityID, o.ShippingAddressID, string(items), o.TotalAmount, o.Currency, o.Status,
	).Scan(&o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create order: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetOrderByPaymentOrder(ctx context.Context, id models.PaymentOrderID) (*models.Order, error) {
	var o models.Order
	var items []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT order_id, payment_order_id, identity_id, shipping_address_id, items, total_amount, currency, status, created_at
		FROM orders WHERE payment_order_id = $1`,
		id,
	).Scan(&o.ID, &o.PaymentOrderID, &o.IdentityID, &o.ShippingAddressID, &items, &o.TotalAmount, &o.Currency, &o.Status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order for payment order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order items: %w", err)
	}
	return &o, nil
}
