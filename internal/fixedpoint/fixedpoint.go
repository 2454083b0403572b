// Package fixedpoint converts the game's on-chain scaled integers into
// display decimals.
//
// Token amounts are uint256 values scaled by 10^18 and feed prices are
// scaled by 10^8. Ratio math must stay in integer space (MulDiv) and only the
// final figure is converted with ToDecimal; converting first loses precision
// once amounts exceed what a float64 mantissa can hold.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// TokenDecimals is the scale of BET token amounts.
	TokenDecimals int32 = 18

	// PriceDecimals is the scale of price feed answers.
	PriceDecimals int32 = 8

	// DisplayDigits is the default rounding applied to values shown to players.
	DisplayDigits int32 = 2
)

var (
	// ErrDivisionByZero is returned when a scaled divisor is zero. Callers
	// are expected to pre-check and branch instead of letting it surface.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrInvalidAmount is returned when a human-entered amount cannot be
	// represented at the requested scale.
	ErrInvalidAmount = errors.New("fixedpoint: invalid amount")
)

// Scale returns 10^decimals.
func Scale(decimals int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ToDecimal converts a scaled integer into a decimal with the given number of
// decimal places. An optional roundingDigits rounds the result half away from
// zero. A nil value converts to zero.
func ToDecimal(v *big.Int, decimals int32, roundingDigits ...int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	d := decimal.NewFromBigInt(v, -decimals)
	if len(roundingDigits) > 0 {
		return d.Round(roundingDigits[0])
	}
	return d
}

// ToTokens is ToDecimal at TokenDecimals.
func ToTokens(v *big.Int, roundingDigits ...int32) decimal.Decimal {
	return ToDecimal(v, TokenDecimals, roundingDigits...)
}

// FromTokens returns n whole tokens as a scaled integer.
func FromTokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Scale(TokenDecimals))
}

// Parse converts a human-entered amount such as "5000" or "0.25" into a
// scaled integer. Amounts with more fractional digits than the scale allows
// are rejected rather than truncated.
func Parse(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, decimals)
	}
	return scaled.BigInt(), nil
}

// MulDiv returns a*b/c truncated toward zero, the same rounding the game
// contract applies. It fails with ErrDivisionByZero when c is zero or nil.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c == nil || c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c), nil
}

// Ratio returns a/b as a decimal rounded to precision places.
func Ratio(a, b *big.Int, precision int32) (decimal.Decimal, error) {
	if b == nil || b.Sign() == 0 {
		return decimal.Zero, ErrDivisionByZero
	}
	if a == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(a, 0).DivRound(decimal.NewFromBigInt(b, 0), precision), nil
}

// Sum adds values, treating nil as zero.
func Sum(values ...*big.Int) *big.Int {
	out := new(big.Int)
	for _, v := range values {
		if v != nil {
			out.Add(out, v)
		}
	}
	return out
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
