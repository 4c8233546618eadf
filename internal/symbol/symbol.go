// Package symbol guards the price-symbol strings ledgers key positions by.
// Symbols are opaque: "btc" and "BTC" are different keys and no case folding
// or trimming is applied.
package symbol

import (
	"errors"
	"fmt"
)

// MaxLength bounds a symbol's byte length.
const MaxLength = 64

var (
	ErrEmpty   = errors.New("symbol: empty")
	ErrTooLong = errors.New("symbol: too long")
)

// Check rejects the empty string and symbols longer than MaxLength.
func Check(sym string) error {
	if sym == "" {
		return ErrEmpty
	}
	if len(sym) > MaxLength {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLong, len(sym), MaxLength)
	}
	return nil
}
