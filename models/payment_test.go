package models

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestPaymentStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		want     bool
	}{
		{PaymentStatusNotStarted, PaymentStatusExecuting, true},
		{PaymentStatusNotStarted, PaymentStatusSuccess, false},
		{PaymentStatusExecuting, PaymentStatusSuccess, true},
		{PaymentStatusExecuting, PaymentStatusPending, true},
		{PaymentStatusPending, PaymentStatusFailed, true},
		{PaymentStatusSuccess, PaymentStatusPartiallyRefunded, true},
		{PaymentStatusSuccess, PaymentStatusFailed, false},
		{PaymentStatusPartiallyRefunded, PaymentStatusRefunded, true},
		{PaymentStatusFailed, PaymentStatusSuccess, false},
		{PaymentStatusRefunded, PaymentStatusPartiallyRefunded, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestPaymentStatus_FailedAndRefundedHaveNoExits(t *testing.T) {
	all := []PaymentStatus{
		PaymentStatusNotStarted, PaymentStatusExecuting, PaymentStatusSuccess, PaymentStatusFailed,
		PaymentStatusPending, PaymentStatusRefunded, PaymentStatusPartiallyRefunded,
	}
	for _, from := range []PaymentStatus{PaymentStatusFailed, PaymentStatusRefunded} {
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Errorf("Expected no transition out of %s, but %s is allowed", from, to)
			}
		}
	}
}

func TestSourcesOf(t *testing.T) {
	tests := []struct {
		target PaymentStatus
		want   []PaymentStatus
	}{
		{PaymentStatusExecuting, []PaymentStatus{PaymentStatusNotStarted}},
		{PaymentStatusSuccess, []PaymentStatus{PaymentStatusExecuting, PaymentStatusPending}},
		{PaymentStatusFailed, []PaymentStatus{PaymentStatusExecuting, PaymentStatusPending}},
		{PaymentStatusRefunded, []PaymentStatus{PaymentStatusSuccess, PaymentStatusPartiallyRefunded}},
		{PaymentStatusNotStarted, nil},
	}

	for _, tt := range tests {
		got := SourcesOf(tt.target)
		if len(got) != len(tt.want) {
			t.Errorf("SourcesOf(%s): expected %v, got %v", tt.target, tt.want, got)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SourcesOf(%s): expected %v, got %v", tt.target, tt.want, got)
				break
			}
		}
	}
}

func TestCheckTransition(t *testing.T) {
	if err := CheckTransition([]PaymentStatus{PaymentStatusExecuting, PaymentStatusPending}, PaymentStatusSuccess); err != nil {
		t.Errorf("Expected settlement to be allowed, got %v", err)
	}
	if err := CheckTransition([]PaymentStatus{PaymentStatusExecuting}, PaymentStatusExecuting); err != nil {
		t.Errorf("Expected same-status patch to be allowed, got %v", err)
	}
	if err := CheckTransition([]PaymentStatus{PaymentStatusFailed}, PaymentStatusSuccess); err == nil {
		t.Error("Expected FAILED -> SUCCESS to be rejected")
	}
	if err := CheckTransition([]PaymentStatus{PaymentStatusNotStarted}, PaymentStatusSuccess); err == nil {
		t.Error("Expected NOT_STARTED -> SUCCESS to be rejected")
	}
}

func TestPaymentStatus_Refundable(t *testing.T) {
	if !PaymentStatusSuccess.IsRefundable() || !PaymentStatusPartiallyRefunded.IsRefundable() {
		t.Error("Expected settled payments to be refundable")
	}
	if PaymentStatusPending.IsRefundable() || PaymentStatusRefunded.IsRefundable() {
		t.Error("Expected pending and fully refunded payments to be non-refundable")
	}
	if PaymentStatusPending.IsTerminal() || !PaymentStatusFailed.IsTerminal() {
		t.Error("Unexpected terminal classification")
	}
}

func TestCart_Total(t *testing.T) {
	cart := Cart{Items: []CartItem{
		{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("150.00")},
		{ProductID: "p2", Quantity: 1, Price: decimal.RequireFromString("200.00")},
	}}

	if got := cart.Total(); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("Expected total 500.00, got %s", got)
	}
	if got := (&Cart{}).Total(); !got.IsZero() {
		t.Errorf("Expected empty cart total 0, got %s", got)
	}
}

func TestNewIDs_HavePrefixes(t *testing.T) {
	if id := NewPaymentOrderID(); !strings.HasPrefix(id.String(), "po_") {
		t.Errorf("Unexpected payment order id %s", id)
	}
	if id := NewRefundID(); !strings.HasPrefix(id.String(), "rf_") {
		t.Errorf("Unexpected refund id %s", id)
	}
	if NewPaymentEventID() == NewPaymentEventID() {
		t.Error("Expected unique payment event ids")
	}
}
