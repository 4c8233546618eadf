package model

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AmountDecimals is the fixed-point precision of every amount.
const AmountDecimals int32 = 18

// ValidAmount reports whether d is non-negative and representable with
// AmountDecimals fractional digits.
func ValidAmount(d decimal.Decimal) bool {
	if d.IsNegative() {
		return false
	}
	return d.Equal(d.Truncate(AmountDecimals))
}

// ParseAmount parses a decimal string into a fixed-point amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !ValidAmount(d) {
		return decimal.Zero, fmt.Errorf("amount %q must be non-negative with at most %d decimals", s, AmountDecimals)
	}
	return d, nil
}

// ToBaseUnits converts an amount to its integer base-unit form (amount × 1e18).
func ToBaseUnits(d decimal.Decimal) *big.Int {
	return d.Shift(AmountDecimals).BigInt()
}

// FromBaseUnits converts an integer base-unit value back into an amount.
func FromBaseUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -AmountDecimals)
}

// ParseAddress parses a hex identity. The empty string yields the zero address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// IsZeroAddress reports whether a is the zero identity.
func IsZeroAddress(a common.Address) bool {
	return a == (common.Address{})
}
