package psp

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_VerifyRoundTrip(t *testing.T) {
	signer := NewSigner("salt-key")
	body := []byte(`{"merchantId":"M1","amount":50000}`)

	sig := signer.Sign(body)
	assert.True(t, signer.Verify(body, sig))

	for i := range body {
		flipped := append([]byte(nil), body...)
		flipped[i] ^= 0x01
		if signer.Verify(flipped, sig) {
			t.Fatalf("Expected verification to fail with byte %d flipped", i)
		}
	}

	assert.False(t, signer.Verify(body, "not-hex"))
	assert.False(t, NewSigner("other-key").Verify(body, sig))
}

func TestSigner_SignJSONIsCanonical(t *testing.T) {
	signer := NewSigner("k")
	a, sigA, err := signer.SignJSON(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, sigB, err := signer.SignJSON(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, sigA, sigB)
}

func TestToMinorUnits(t *testing.T) {
	tests := map[string]int64{
		"500.00": 50000,
		"0.01":   1,
		"10.005": 1001,
		"199.99": 19999,
	}
	for amount, want := range tests {
		assert.Equal(t, want, ToMinorUnits(decimal.RequireFromString(amount)), amount)
	}
	assert.True(t, FromMinorUnits(50000).Equal(decimal.RequireFromString("500")))
}

func TestStatusTable_Lookup(t *testing.T) {
	table := NewStatusTable(StatusPending, map[string]Status{
		"PAYMENT_SUCCESS": StatusSuccess,
		"PAYMENT_ERROR":   StatusFailed,
	})

	assert.Equal(t, StatusSuccess, table.Lookup("PAYMENT_SUCCESS"))
	assert.Equal(t, StatusFailed, table.Lookup("payment_error"))
	assert.Equal(t, StatusPending, table.Lookup("SOMETHING_NEW"))
}

type namedAdapter struct {
	Adapter
	name string
}

func (a namedAdapter) Name() string { return a.name }

func TestRegistry_Get(t *testing.T) {
	registry := NewRegistry("gateway", namedAdapter{name: "gateway"}, namedAdapter{name: "midtrans"})

	a, err := registry.Get("")
	require.NoError(t, err)
	assert.Equal(t, "gateway", a.Name())

	a, err = registry.Get("midtrans")
	require.NoError(t, err)
	assert.Equal(t, "midtrans", a.Name())

	_, err = registry.Get("stripe")
	assert.True(t, errors.Is(err, ErrUnknownProvider))
	assert.Equal(t, []string{"gateway", "midtrans"}, registry.Names())
}

