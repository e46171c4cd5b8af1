package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"settlement-svc/ledger"
	"settlement-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func setupStoreTest(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	return NewPostgresStore(db, logger), mock
}

var paymentOrderRowColumns = []string{
	"payment_order_id", "payment_event_id", "identity_id", "amount", "currency", "psp", "status",
	"psp_txn_id", "psp_reference", "payment_method", "psp_code", "psp_message", "psp_raw", "retry_count",
	"executed_at", "completed_at", "created_at", "updated_at",
}

func TestPostgresStore_GetPaymentOrder_Success(t *testing.T) {
	store, mock := setupStoreTest(t)

	now := time.Now()
	rows := sqlmock.NewRows(paymentOrderRowColumns).
		AddRow("po_1", "pe_1", "u1", "500.00", "INR", "gateway", "SUCCESS",
			"T123", "", "UPI", "PAYMENT_SUCCESS", "", []byte(`{"code":"PAYMENT_SUCCESS"}`), 1,
			now, now, now, now)

	mock.ExpectQuery("SELECT (.+) FROM payment_orders WHERE payment_order_id = \\$1").
		WithArgs("po_1").
		WillReturnRows(rows)

	o, err := store.GetPaymentOrder(context.Background(), "po_1")
	if err != nil {
		t.Fatalf("GetPaymentOrder returned error: %v", err)
	}
	if o.Status != models.PaymentStatusSuccess {
		t.Errorf("Expected status SUCCESS, got %s", o.Status)
	}
	if !o.Amount.Equal(decimal.RequireFromString("500")) {
		t.Errorf("Expected amount 500, got %s", o.Amount)
	}
	if o.ExecutedAt == nil || o.PSPTxnID != "T123" {
		t.Errorf("Expected executed order with txn id, got %+v", o)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPostgresStore_GetPaymentOrder_NotFound(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectQuery("SELECT (.+) FROM payment_orders WHERE payment_order_id = \\$1").
		WithArgs("po_missing").
		WillReturnRows(sqlmock.NewRows(paymentOrderRowColumns))

	_, err := store.GetPaymentOrder(context.Background(), "po_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_TransitionPaymentOrder(t *testing.T) {
	store, mock := setupStoreTest(t)
	from := []models.PaymentStatus{models.PaymentStatusExecuting, models.PaymentStatusPending}

	mock.ExpectExec("UPDATE payment_orders SET").
		WithArgs("SUCCESS", "T123", "", "UPI", "PAYMENT_SUCCESS", "", nil, false, true, false,
			"po_1", pq.Array([]string{"EXECUTING", "PENDING"})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE payment_orders SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	patch := models.StatusPatch{PSPTxnID: "T123", PaymentMethod: "UPI", PSPCode: "PAYMENT_SUCCESS", Completed: true}

	ok, err := store.TransitionPaymentOrder(context.Background(), "po_1", from, models.PaymentStatusSuccess, patch)
	if err != nil || !ok {
		t.Fatalf("Expected first transition to apply, got %v, %v", ok, err)
	}

	ok, err = store.TransitionPaymentOrder(context.Background(), "po_1", from, models.PaymentStatusSuccess, patch)
	if err != nil {
		t.Fatalf("TransitionPaymentOrder returned error: %v", err)
	}
	if ok {
		t.Error("Expected second transition to be a no-op")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPostgresStore_TransitionPaymentOrder_RejectsInvalidTransition(t *testing.T) {
	store, mock := setupStoreTest(t)

	_, err := store.TransitionPaymentOrder(context.Background(), "po_1",
		[]models.PaymentStatus{models.PaymentStatusFailed}, models.PaymentStatusSuccess, models.StatusPatch{})
	if err == nil {
		t.Fatal("Expected FAILED -> SUCCESS to be refused")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Expected no query, got: %v", err)
	}
}

func TestPostgresStore_CreateOrder_Conflict(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectQuery("INSERT INTO orders (.+) ON CONFLICT \\(payment_order_id\\) DO NOTHING").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectQuery("INSERT INTO orders (.+) ON CONFLICT \\(payment_order_id\\) DO NOTHING").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	order := &models.Order{ID: "ord_1", PaymentOrderID: "po_1", IdentityID: "u1", TotalAmount: decimal.RequireFromString("500"), Currency: "INR"}

	created, err := store.CreateOrder(context.Background(), order)
	if err != nil || !created {
		t.Fatalf("Expected order to be created, got %v, %v", created, err)
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected PENDING order, got %s", order.Status)
	}

	created, err = store.CreateOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	if created {
		t.Error("Expected duplicate order insert to be skipped")
	}
}

func TestPostgresStore_SumRefunds(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM payment_refunds").
		WithArgs("po_1", pq.Array([]string{"SUCCESS", "PENDING"})).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("200.00"))

	total, err := store.SumRefunds(context.Background(), "po_1",
		[]models.PaymentStatus{models.PaymentStatusSuccess, models.PaymentStatusPending})
	if err != nil {
		t.Fatalf("SumRefunds returned error: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("200")) {
		t.Errorf("Expected 200, got %s", total)
	}
}

var refundRowColumns = []string{
	"refund_id", "payment_order_id", "amount", "currency", "reason", "status", "merchant_ref",
	"request_id", "psp_refund_ref", "psp_code", "psp_message", "psp_raw", "created_at", "updated_at", "completed_at",
}

func TestPostgresStore_CreateRefund_StoresRequestID(t *testing.T) {
	store, mock := setupStoreTest(t)

	now := time.Now()
	mock.ExpectQuery("INSERT INTO payment_refunds (.+) NULLIF\\(\\$8, ''\\)").
		WithArgs("rf_1", "po_1", sqlmock.AnyArg(), "INR", "damaged", "EXECUTING", "rf_1", "req-1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	err := store.CreateRefund(context.Background(), &models.PaymentRefund{
		ID:             "rf_1",
		PaymentOrderID: "po_1",
		Amount:         decimal.RequireFromString("200"),
		Currency:       "INR",
		Reason:         "damaged",
		Status:         models.PaymentStatusExecuting,
		MerchantRef:    "rf_1",
		RequestID:      "req-1",
	})
	if err != nil {
		t.Fatalf("CreateRefund returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPostgresStore_GetRefundByRequestID(t *testing.T) {
	store, mock := setupStoreTest(t)

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM payment_refunds WHERE request_id = \\$1").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(refundRowColumns).
			AddRow("rf_1", "po_1", "200.00", "INR", "damaged", "SUCCESS", "rf_1",
				"req-1", "R1", "REFUND_SUCCESS", "", nil, now, now, now))
	mock.ExpectQuery("SELECT (.+) FROM payment_refunds WHERE request_id = \\$1").
		WithArgs("req-2").
		WillReturnRows(sqlmock.NewRows(refundRowColumns))

	r, err := store.GetRefundByRequestID(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("GetRefundByRequestID returned error: %v", err)
	}
	if r.ID != "rf_1" || r.RequestID != "req-1" || r.Status != models.PaymentStatusSuccess {
		t.Errorf("Unexpected refund %+v", r)
	}

	_, err = store.GetRefundByRequestID(context.Background(), "req-2")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPostgresStore_Atomic_CommitsTransitionAndLedger(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_orders SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	err := store.Atomic(context.Background(), func(tx Store) error {
		if _, err := tx.TransitionPaymentOrder(context.Background(), "po_1",
			[]models.PaymentStatus{models.PaymentStatusExecuting}, models.PaymentStatusSuccess, models.StatusPatch{}); err != nil {
			return err
		}
		_, err := tx.RecordLedgerEntry(context.Background(), models.Posting{
			PaymentOrderID: "po_1",
			DebitAccount:   models.IdentityAccount("u1"),
			CreditAccount:  models.PlatformRevenueAccount,
			Amount:         decimal.RequireFromString("500"),
			Currency:       "INR",
			Metadata:       models.LedgerMetadata{Type: models.LedgerEntryPayment},
		})
		return err
	})
	if err != nil {
		t.Fatalf("Atomic returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPostgresStore_Atomic_RollsBackOnDuplicateLedger(t *testing.T) {
	store, mock := setupStoreTest(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_orders SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO ledger_entries").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.Atomic(context.Background(), func(tx Store) error {
		if _, err := tx.TransitionPaymentOrder(context.Background(), "po_1",
			[]models.PaymentStatus{models.PaymentStatusExecuting}, models.PaymentStatusSuccess, models.StatusPatch{}); err != nil {
			return err
		}
		_, err := tx.RecordLedgerEntry(context.Background(), models.Posting{
			PaymentOrderID: "po_1",
			DebitAccount:   models.IdentityAccount("u1"),
			CreditAccount:  models.PlatformRevenueAccount,
			Amount:         decimal.RequireFromString("500"),
			Currency:       "INR",
			Metadata:       models.LedgerMetadata{Type: models.LedgerEntryPayment},
		})
		return err
	})
	if !errors.Is(err, ledger.ErrDuplicateEntry) {
		t.Fatalf("Expected ErrDuplicateEntry, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPostgresStore_SettledPayments(t *testing.T) {
	store, mock := setupStoreTest(t)

	rows := sqlmock.NewRows([]string{"payment_order_id", "psp_txn_id", "amount", "currency", "status", "amount", "has_order"}).
		AddRow("po_1", "T1", "500.00", "INR", "SUCCESS", "500.00", true).
		AddRow("po_2", "T2", "300.00", "INR", "SUCCESS", nil, false)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	mock.ExpectQuery("SELECT (.+) FROM payment_orders po").
		WithArgs("gateway", from, to).
		WillReturnRows(rows)

	payments, err := store.SettledPayments(context.Background(), "gateway", from, to)
	if err != nil {
		t.Fatalf("SettledPayments returned error: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("Expected 2 payments, got %d", len(payments))
	}
	if payments[0].LedgerAmount == nil || !payments[0].HasOrder {
		t.Errorf("Expected first payment to have ledger entry and order, got %+v", payments[0])
	}
	if payments[1].LedgerAmount != nil {
		t.Errorf("Expected second payment without ledger entry, got %s", payments[1].LedgerAmount)
	}
}
