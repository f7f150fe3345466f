// Package token describes the stablecoins escrows can hold and converts
// between human-readable decimal amounts and on-chain base units.
//
// All arithmetic happens on *big.Int base units. Decimal strings only
// appear at the API edge.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Type identifies a supported token.
type Type string

const (
	USDC Type = "USDC"
	USDT Type = "USDT"
	IDRX Type = "IDRX"
)

var (
	ErrUnknownToken  = errors.New("unknown token type")
	ErrInvalidAmount = errors.New("invalid amount")
)

var decimalsByType = map[Type]int32{
	USDC: 6,
	USDT: 6,
	IDRX: 2,
}

// All returns every supported token in a fixed order.
func All() []Type {
	return []Type{USDC, USDT, IDRX}
}

// ParseType accepts a token symbol in any case.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := decimalsByType[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownToken, s)
	}
	return t, nil
}

// Valid reports whether t is a supported token.
func (t Type) Valid() bool {
	_, ok := decimalsByType[t]
	return ok
}

// Decimals returns the fixed precision of t. Unknown tokens report 0.
func (t Type) Decimals() int32 {
	return decimalsByType[t]
}

// Parse converts a decimal string ("12.5") into base units of t.
// Negative values and precision finer than the token supports are rejected.
func Parse(t Type, s string) (*big.Int, error) {
	if !t.Valid() {
		return nil, ErrUnknownToken
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	scaled := d.Shift(t.Decimals())
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, t.Decimals())
	}
	return scaled.BigInt(), nil
}

// ParseBaseUnits parses an integer string of base units ("30000000").
func ParseBaseUnits(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	return v, nil
}

// Format renders base units of t with exactly t.Decimals() fractional digits.
func Format(t Type, amount *big.Int) string {
	if amount == nil {
		amount = new(big.Int)
	}
	return decimal.NewFromBigInt(amount, -t.Decimals()).StringFixed(t.Decimals())
}
