// Package risk evaluates a ledger's exposure against the registry's global
// caps. It is pure: callers pass the current and resulting exposure and get
// back a verdict, nothing is stored here.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/model"
)

// Limits are the caps every ledger is held to at order time.
type Limits struct {
	// MaxPositions is the maximum number of symbols with an open position.
	MaxPositions uint64

	// MaxLeverage is the maximum cumulative leverage factor across all
	// open positions of one ledger.
	MaxLeverage decimal.Decimal
}

// FromSettings extracts the order-time caps from the registry settings.
func FromSettings(s model.Settings) Limits {
	return Limits{
		MaxPositions: s.MaximumNumberOfPositions,
		MaxLeverage:  s.MaximumLeverageFactor,
	}
}

// Exposure is a ledger's aggregate risk counters.
type Exposure struct {
	Positions uint64
	Leverage  decimal.Decimal
}

// Replace returns the exposure after old is swapped for next in one slot.
func (e Exposure) Replace(old, next model.Position) Exposure {
	out := Exposure{
		Positions: e.Positions,
		Leverage:  e.Leverage.Sub(old.LeverageFactor).Add(next.LeverageFactor),
	}
	if old.IsOpen() && !next.IsOpen() {
		out.Positions--
	}
	if !old.IsOpen() && next.IsOpen() {
		out.Positions++
	}
	return out
}

// Of sums the open positions in ps.
func Of(ps []model.Position) Exposure {
	e := Exposure{Leverage: decimal.Zero}
	for _, p := range ps {
		if !p.IsOpen() {
			continue
		}
		e.Positions++
		e.Leverage = e.Leverage.Add(p.LeverageFactor)
	}
	return e
}

// CheckOrder validates a netted order. opensSymbol is true when the order
// occupies a previously absent slot.
//
// Returns nil if the resulting exposure is within limits, or an
// *apperrors.AppError describing the violation.
func (l Limits) CheckOrder(current, resulting Exposure, opensSymbol bool) error {
	// 1. Slot count, only for orders that claim a new symbol.
	if opensSymbol && current.Positions >= l.MaxPositions {
		return apperrors.Newf(apperrors.KindTooManyPositions,
			"ledger already holds %d positions (max %d)", current.Positions, l.MaxPositions)
	}

	// 2. Cumulative leverage after netting.
	if resulting.Leverage.GreaterThan(l.MaxLeverage) {
		return apperrors.Newf(apperrors.KindLeverageCapExceeded,
			"cumulative leverage %s exceeds cap %s", resulting.Leverage, l.MaxLeverage)
	}

	return nil
}
