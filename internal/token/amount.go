// Package token holds the fixed-point quantity type for the CO2e token.
// One token is one kilogram of CO2e and carries two decimal places on chain.
package token

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"

	apperrors "github.com/R3E-Network/settlement_layer/internal/errors"
)

// Decimals is the mint's decimal precision.
const Decimals = 2

// BaseUnitsPerToken is 10^Decimals.
const BaseUnitsPerToken uint64 = 100

// Amount is a token quantity in base units (hundredths of a token).
type Amount uint64

// FromTokens converts whole tokens to an Amount.
func FromTokens(tokens uint64) (Amount, error) {
	hi, lo := bits.Mul64(tokens, BaseUnitsPerToken)
	if hi != 0 {
		return 0, apperrors.InvalidAmount("%d tokens overflows base units", tokens)
	}
	return Amount(lo), nil
}

// MustTokens is FromTokens for constants and tests.
func MustTokens(tokens uint64) Amount {
	a, err := FromTokens(tokens)
	if err != nil {
		panic(err)
	}
	return a
}

// maxInputLen bounds the textual form accepted by Parse.
const maxInputLen = 40

// maxExponent bounds the decimal exponent; 10^20 tokens is already past
// the largest storable amount.
const maxExponent = 20

// MaxAmount is the largest storable amount. Durable stores keep amounts in
// signed 64-bit columns.
const MaxAmount = Amount(math.MaxInt64)

// Parse reads a decimal token quantity such as "12.75". More than two
// fractional digits, negative values and non-numbers are rejected.
func Parse(s string) (Amount, error) {
	if len(s) > maxInputLen {
		return 0, apperrors.InvalidAmount("amount is longer than %d characters", maxInputLen)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, apperrors.InvalidAmount("%q is not a decimal amount", s)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal token quantity to base units exactly.
// Amounts above MaxAmount are rejected.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, apperrors.InvalidAmount("amount %s is negative", d.String())
	}
	if d.IsZero() {
		return 0, nil
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxInputLen {
		return 0, apperrors.InvalidAmount("amount out of range")
	}
	scaled := d.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, apperrors.InvalidAmount("amount %s has more than %d decimal places", d.String(), Decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() || bi.Uint64() > uint64(MaxAmount) {
		return 0, apperrors.InvalidAmount("amount %s out of range", d.String())
	}
	return Amount(bi.Uint64()), nil
}

// Base returns the raw base-unit count.
func (a Amount) Base() uint64 { return uint64(a) }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// Decimal returns the amount in tokens.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -Decimals)
}

// String formats the amount with exactly two decimals.
func (a Amount) String() string {
	return a.Decimal().StringFixed(Decimals)
}

// MarshalJSON encodes the amount as a decimal token string such as "12.50".
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal token quantity as a string or a number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if raw == "" || raw == "null" {
		*a = 0
		return nil
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Add returns a+b or an error on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, fmt.Errorf("amount overflow: %d + %d", a, b)
	}
	return Amount(sum), nil
}

// Sub returns a-b, or an error when b exceeds a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, fmt.Errorf("amount underflow: %d - %d", a, b)
	}
	return a - b, nil
}

// Cost returns the lamport cost of a at pricePerToken lamports per whole
// token, rounded down like the escrow program does.
func (a Amount) Cost(pricePerToken uint64) (uint64, error) {
	hi, lo := bits.Mul64(uint64(a), pricePerToken)
	if hi != 0 {
		return 0, apperrors.InvalidAmount("cost of %s at %d overflows", a.String(), pricePerToken)
	}
	return lo / BaseUnitsPerToken, nil
}

// Percentage returns part/total*100 capped at 100 and rounded to one
// decimal place. A zero total yields zero.
func Percentage(part, total Amount) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	pct := part.Decimal().Div(total.Decimal()).Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(decimal.NewFromInt(100)) {
		pct = decimal.NewFromInt(100)
	}
	return pct.Round(1)
}
