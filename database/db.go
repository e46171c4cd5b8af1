package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func InitDB(dsn string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established")
	return db, nil
}

// Migrate creates the settlement tables if they do not exist.
func Migrate(ctx context.Context, db DBTX) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

// RunInTx runs fn inside a transaction, committing when fn returns nil.
func RunInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payment_events (
		id SERIAL PRIMARY KEY,
		payment_event_id VARCHAR(64) UNIQUE NOT NULL,
		cart_id VARCHAR(64) NOT NULL,
		identity_id VARCHAR(64) NOT NULL,
		amount NUMERIC(18, 2) NOT NULL CHECK (amount > 0),
		currency CHAR(3) NOT NULL,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_orders (
		id SERIAL PRIMARY KEY,
		payment_order_id VARCHAR(64) UNIQUE NOT NULL,
		payment_event_id VARCHAR(64) NOT NULL REFERENCES payment_events (payment_event_id),
		identity_id VARCHAR(64) NOT NULL,
		amount NUMERIC(18, 2) NOT NULL CHECK (amount > 0),
		currency CHAR(3) NOT NULL,
		psp VARCHAR(32) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'NOT_STARTED',
		psp_txn_id VARCHAR(128) NOT NULL DEFAULT '',
		psp_reference VARCHAR(512) NOT NULL DEFAULT '',
		payment_method VARCHAR(64) NOT NULL DEFAULT '',
		psp_code VARCHAR(64) NOT NULL DEFAULT '',
		psp_message TEXT NOT NULL DEFAULT '',
		psp_raw JSONB,
		retry_count INTEGER NOT NULL DEFAULT 0,
		executed_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_orders_event ON payment_orders (payment_event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_orders_status ON payment_orders (status, updated_at)`,
	// at most one settled payment order per payment event
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_payment_orders_event_settled ON payment_orders (payment_event_id)
		WHERE status IN ('SUCCESS', 'PARTIALLY_REFUNDED', 'REFUNDED')`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		txn_id VARCHAR(64) UNIQUE NOT NULL,
		payment_order_id VARCHAR(64) NOT NULL REFERENCES payment_orders (payment_order_id),
		debit_account VARCHAR(128) NOT NULL,
		credit_account VARCHAR(128) NOT NULL,
		amount NUMERIC(18, 2) NOT NULL,
		currency CHAR(3) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_order ON ledger_entries (payment_order_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_payment ON ledger_entries (payment_order_id)
		WHERE metadata->>'type' = 'PAYMENT'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_refund ON ledger_entries ((metadata->>'refund_id'))
		WHERE metadata->>'type' = 'REFUND'`,
	// the ledger is append-only
	`CREATE OR REPLACE RULE ledger_entries_no_update AS ON UPDATE TO ledger_entries DO INSTEAD NOTHING`,
	`CREATE OR REPLACE RULE ledger_entries_no_delete AS ON DELETE TO ledger_entries DO INSTEAD NOTHING`,
	`CREATE TABLE IF NOT EXISTS payment_refunds (
		id SERIAL PRIMARY KEY,
		refund_id VARCHAR(64) UNIQUE NOT NULL,
		payment_order_id VARCHAR(64) NOT NULL REFERENCES payment_orders (payment_order_id),
		amount NUMERIC(18, 2) NOT NULL CHECK (amount > 0),
		currency CHAR(3) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		merchant_ref VARCHAR(64) UNIQUE NOT NULL,
		request_id VARCHAR(128),
		psp_refund_ref VARCHAR(128) NOT NULL DEFAULT '',
		psp_code VARCHAR(64) NOT NULL DEFAULT '',
		psp_message TEXT NOT NULL DEFAULT '',
		psp_raw JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_refunds_order ON payment_refunds (payment_order_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_refunds_request ON payment_refunds (request_id) WHERE request_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		order_id VARCHAR(64) UNIQUE NOT NULL,
		payment_order_id VARCHAR(64) UNIQUE NOT NULL REFERENCES payment_orders (payment_order_id),
		identity_id VARCHAR(64) NOT NULL,
		shipping_address_id VARCHAR(64) NOT NULL DEFAULT '',
		items JSONB NOT NULL,
		total_amount NUMERIC(18, 2) NOT NULL,
		currency CHAR(3) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_reconciliations (
		id SERIAL PRIMARY KEY,
		reconciliation_id VARCHAR(64) UNIQUE NOT NULL,
		psp VARCHAR(32) NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		local_total NUMERIC(18, 2) NOT NULL,
		psp_total NUMERIC(18, 2) NOT NULL,
		discrepancies JSONB NOT NULL,
		status VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
