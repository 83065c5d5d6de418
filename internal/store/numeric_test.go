package store_test

import (
	"math/big"
	"testing"

	"lendmirror/internal/store"
)

// Largest value a uint256 balance can hold; must round-trip through
// NUMERIC(78,0) untouched.
const uint256Max = "115792089237316195423570985008687907853269984665640564039457584007913129639935"

func TestNumeric_ScanBytes(t *testing.T) {
	var n store.Numeric
	if err := n.Scan([]byte("123456789012345678901234567890")); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := n.Int.String(); got != "123456789012345678901234567890" {
		t.Errorf("Int = %s", got)
	}
}

func TestNumeric_ScanString(t *testing.T) {
	var n store.Numeric
	if err := n.Scan(uint256Max); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := n.Int.String(); got != uint256Max {
		t.Errorf("Int = %s, want uint256 max", got)
	}
}

func TestNumeric_ScanNil(t *testing.T) {
	var n store.Numeric
	if err := n.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if n.Int == nil || n.Int.Sign() != 0 {
		t.Errorf("Int = %v, want zero", n.Int)
	}
}

func TestNumeric_ScanInvalid(t *testing.T) {
	var n store.Numeric
	if err := n.Scan("not a number"); err == nil {
		t.Error("scan of garbage succeeded")
	}
	if err := n.Scan(3.14); err == nil {
		t.Error("scan of float succeeded")
	}
}

func TestNumeric_Value(t *testing.T) {
	v, err := store.Numeric{Int: big.NewInt(42)}.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v != "42" {
		t.Errorf("value = %v, want \"42\"", v)
	}

	v, err = store.Numeric{}.Value()
	if err != nil {
		t.Fatalf("value of nil int: %v", err)
	}
	if v != "0" {
		t.Errorf("value = %v, want \"0\"", v)
	}
}

func TestNumeric_RoundTrip(t *testing.T) {
	in, _ := new(big.Int).SetString(uint256Max, 10)
	v, err := store.Numeric{Int: in}.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	var out store.Numeric
	if err := out.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if out.Int.Cmp(in) != 0 {
		t.Errorf("round trip: got %s, want %s", out.Int, in)
	}
}
