package models

import "github.com/google/uuid"

// Each entity gets its own identifier type so ids cannot be swapped across
// aggregate boundaries without an explicit conversion.
type (
	PaymentEventID   string
	PaymentOrderID   string
	RefundID         string
	LedgerTxnID      string
	OrderID          string
	CartID           string
	IdentityID       string
	ProductID        string
	AddressID        string
	ReconciliationID string
)

// RefundIDPrefix starts every RefundID; PSP callbacks use it to tell refunds
// from payments.
const RefundIDPrefix = "rf_"

func NewPaymentEventID() PaymentEventID     { return PaymentEventID("pe_" + uuid.NewString()) }
func NewPaymentOrderID() PaymentOrderID     { return PaymentOrderID("po_" + uuid.NewString()) }
func NewRefundID() RefundID                 { return RefundID(RefundIDPrefix + uuid.NewString()) }
func NewLedgerTxnID() LedgerTxnID           { return LedgerTxnID("txn_" + uuid.NewString()) }
func NewOrderID() OrderID                   { return OrderID("ord_" + uuid.NewString()) }
func NewReconciliationID() ReconciliationID { return ReconciliationID("rec_" + uuid.NewString()) }

func (id PaymentEventID) String() string { return string(id) }
func (id PaymentOrderID) String() string { return string(id) }
func (id RefundID) String() string       { return string(id) }
func (id LedgerTxnID) String() string    { return string(id) }
func (id OrderID) String() string        { return string(id) }
func (id CartID) String() string         { return string(id) }
func (id IdentityID) String() string     { return string(id) }
