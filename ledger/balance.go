package ledger

import (
	"context"
	"fmt"

	"settlement-svc/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AccountBalance struct {
	Account  string          `json:"account"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// Balance is the result of a ledger verification pass.
type Balance struct {
	Balanced     bool                       `json:"balanced"`
	Drift        decimal.Decimal            `json:"drift"`
	Currencies   map[string]decimal.Decimal `json:"currencies"`
	Malformed    int                        `json:"malformed"`
	OverRefunded []models.PaymentOrderID    `json:"over_refunded,omitempty"`
}

// AccountBalances returns the net position of every account, debits positive.
func (l *Ledger) AccountBalances(ctx context.Context) ([]AccountBalance, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT account, currency, SUM(delta) FROM (
			SELECT debit_account AS account, currency, amount AS delta FROM ledger_entries
			UNION ALL
			SELECT credit_account AS account, currency, -amount AS delta FROM ledger_entries
		) legs GROUP BY account, currency ORDER BY account, currency`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query account balances: %w", err)
	}
	defer rows.Close()

	var balances []AccountBalance
	for rows.Next() {
		var b AccountBalance
		if err := rows.Scan(&b.Account, &b.Currency, &b.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan account balance: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate account balances: %w", err)
	}
	return balances, nil
}

// VerifyBalance checks that debits and credits cancel out per currency, that
// no entry is malformed, and that no payment order has refunded more than it
// collected. Imbalance is reported, never corrected.
func (l *Ledger) VerifyBalance(ctx context.Context) (*Balance, error) {
	accounts, err := l.AccountBalances(ctx)
	if err != nil {
		return nil, err
	}

	result := &Balance{Currencies: make(map[string]decimal.Decimal)}
	for _, a := range accounts {
		result.Currencies[a.Currency] = result.Currencies[a.Currency].Add(a.Balance)
	}
	result.Drift = decimal.Zero
	for _, drift := range result.Currencies {
		result.Drift = result.Drift.Add(drift.Abs())
	}

	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE amount <= 0 OR debit_account = credit_account`,
	).Scan(&result.Malformed); err != nil {
		return nil, fmt.Errorf("failed to count malformed entries: %w", err)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT payment_order_id FROM ledger_entries GROUP BY payment_order_id
		HAVING SUM(CASE WHEN metadata->>'type' = 'REFUND' THEN amount ELSE 0 END)
			> SUM(CASE WHEN metadata->>'type' = 'PAYMENT' THEN amount ELSE 0 END)`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query over-refunded orders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id models.PaymentOrderID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan over-refunded order: %w", err)
		}
		result.OverRefunded = append(result.OverRefunded, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate over-refunded orders: %w", err)
	}

	result.Balanced = result.Drift.IsZero() && result.Malformed == 0 && len(result.OverRefunded) == 0
	if !result.Balanced {
		l.logger.Error("Ledger imbalance detected",
			zap.String("drift", result.Drift.StringFixed(2)),
			zap.Int("malformed", result.Malformed),
			zap.Int("over_refunded", len(result.OverRefunded)),
		)
	}
	return result, nil
}
