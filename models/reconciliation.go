package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscrepancyKind string

const (
	DiscrepancyMissingAtPSP    DiscrepancyKind = "MISSING_AT_PSP"
	DiscrepancyMissingInLedger DiscrepancyKind = "MISSING_IN_LEDGER"
	DiscrepancyAmountMismatch  DiscrepancyKind = "AMOUNT_MISMATCH"
	DiscrepancyMissingOrder    DiscrepancyKind = "MISSING_ORDER"
	DiscrepancyLedgerImbalance DiscrepancyKind = "LEDGER_IMBALANCE"
)

type Discrepancy struct {
	Kind           DiscrepancyKind  `json:"kind"`
	PaymentOrderID PaymentOrderID   `json:"payment_order_id,omitempty"`
	PSPTxnID       string           `json:"psp_txn_id,omitempty"`
	LocalAmount    *decimal.Decimal `json:"local_amount,omitempty"`
	PSPAmount      *decimal.Decimal `json:"psp_amount,omitempty"`
	Detail         string           `json:"detail,omitempty"`
}

type ReconciliationStatus string

const (
	ReconciliationMatched       ReconciliationStatus = "MATCHED"
	ReconciliationDiscrepancies ReconciliationStatus = "DISCREPANCIES"
)

// PaymentReconciliation is the write-once report of one reconciliation run.
type PaymentReconciliation struct {
	ID            ReconciliationID     `json:"id"`
	PSP           string               `json:"psp"`
	WindowStart   time.Time            `json:"window_start"`
	WindowEnd     time.Time            `json:"window_end"`
	LocalTotal    decimal.Decimal      `json:"local_total"`
	PSPTotal      decimal.Decimal      `json:"psp_total"`
	Discrepancies []Discrepancy        `json:"discrepancies"`
	Status        ReconciliationStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
}
