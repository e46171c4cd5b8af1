package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const PlatformRevenueAccount = "platform:revenue"

// IdentityAccount is the ledger account label of a paying identity.
func IdentityAccount(id IdentityID) string {
	return "identity:" + string(id)
}

type LedgerEntryType string

const (
	LedgerEntryPayment LedgerEntryType = "PAYMENT"
	LedgerEntryRefund  LedgerEntryType = "REFUND"
)

// LedgerMetadata tags what kind of money movement an entry records.
type LedgerMetadata struct {
	Type     LedgerEntryType `json:"type"`
	RefundID RefundID        `json:"refund_id,omitempty"`
	PSPTxnID string          `json:"psp_txn_id,omitempty"`
}

// LedgerEntry is one immutable double-entry row: Amount leaves DebitAccount's
// counterparty and lands in CreditAccount.
type LedgerEntry struct {
	TxnID          LedgerTxnID     `json:"txn_id"`
	PaymentOrderID PaymentOrderID  `json:"payment_order_id"`
	DebitAccount   string          `json:"debit_account"`
	CreditAccount  string          `json:"credit_account"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Posting is a request to append a ledger entry.
type Posting struct {
	PaymentOrderID PaymentOrderID
	DebitAccount   string
	CreditAccount  string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Metadata       LedgerMetadata
}
