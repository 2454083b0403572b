package fixedpoint

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

// bi parses a base-10 integer literal for tests.
func bi(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big.Int literal: " + s)
	}
	return v
}

func TestToDecimal_TokenScale(t *testing.T) {
	got := ToDecimal(bi("1500000000000000000"), TokenDecimals)
	if !got.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("expected 1.5, got %s", got)
	}
}

func TestToDecimal_Rounding(t *testing.T) {
	// 1.23456 tokens rounded to 2 digits.
	got := ToDecimal(bi("1234560000000000000"), TokenDecimals, 2)
	if !got.Equal(decimal.RequireFromString("1.23")) {
		t.Errorf("expected 1.23, got %s", got)
	}
}

func TestToDecimal_NilIsZero(t *testing.T) {
	if got := ToDecimal(nil, TokenDecimals); !got.IsZero() {
		t.Errorf("expected 0 for nil, got %s", got)
	}
}

func TestToDecimal_BeyondFloatPrecision(t *testing.T) {
	// 123456789012345678.123456789012345678 tokens cannot survive a float64
	// round-trip; the decimal must keep every digit.
	v := bi("123456789012345678123456789012345678")
	got := ToDecimal(v, TokenDecimals)
	want := decimal.RequireFromString("123456789012345678.123456789012345678")
	if !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestFromTokens(t *testing.T) {
	got := FromTokens(5000)
	if got.Cmp(bi("5000000000000000000000")) != 0 {
		t.Errorf("expected 5000e18, got %s", got)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5000", "5000000000000000000000"},
		{" 0.25 ", "250000000000000000"},
		{"1", "1000000000000000000"},
		{"0", "0"},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in, TokenDecimals)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
		}
		if got.Cmp(bi(tt.want)) != 0 {
			t.Errorf("Parse(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.5.5", "0.0000000000000000001"} {
		if _, err := Parse(in, TokenDecimals); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Parse(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	got, err := MulDiv(big.NewInt(10), big.NewInt(1), big.NewInt(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Int64() != 3 {
		t.Errorf("expected 3, got %s", got)
	}
}

func TestMulDiv_DoesNotMutateInputs(t *testing.T) {
	a, b, c := big.NewInt(7), big.NewInt(6), big.NewInt(4)
	if _, err := MulDiv(a, b, c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Int64() != 7 || b.Int64() != 6 || c.Int64() != 4 {
		t.Errorf("inputs mutated: a=%s b=%s c=%s", a, b, c)
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	if _, err := MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0)); err != ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
	if _, err := MulDiv(big.NewInt(1), big.NewInt(1), nil); err != ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero for nil divisor, got %v", err)
	}
}

func TestRatio(t *testing.T) {
	got, err := Ratio(big.NewInt(1), big.NewInt(3), 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("0.3333")) {
		t.Errorf("expected 0.3333, got %s", got)
	}

	if _, err := Ratio(big.NewInt(1), new(big.Int), 4); err != ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestSum(t *testing.T) {
	got := Sum(big.NewInt(1), nil, big.NewInt(41))
	if got.Int64() != 42 {
		t.Errorf("expected 42, got %s", got)
	}
}
