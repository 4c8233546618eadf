package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/model"
)

// Outcome classifies how an order combined with the existing position.
type Outcome string

const (
	OutcomeOpen   Outcome = "open"
	OutcomeAdd    Outcome = "add"
	OutcomeReduce Outcome = "reduce"
	OutcomeClose  Outcome = "close"
	OutcomeFlip   Outcome = "flip"
)

// Net combines an order with the existing position for the same symbol and
// returns the resulting position. existing may be absent (zero leverage
// factor); amount must be positive.
//
//	absent               -> {isLong, amount}                 open
//	same direction       -> {dir, lf + amount}               add
//	opposing, amount<lf  -> {dir, lf - amount}               reduce
//	opposing, amount==lf -> {short, 0}                       close
//	opposing, amount>lf  -> {isLong, amount - lf}            flip
func Net(existing model.Position, isLong bool, amount decimal.Decimal) (model.Position, Outcome) {
	next := model.Position{Symbol: existing.Symbol}

	if !existing.IsOpen() {
		next.IsLong = isLong
		next.LeverageFactor = amount
		return next, OutcomeOpen
	}

	if existing.IsLong == isLong {
		next.IsLong = existing.IsLong
		next.LeverageFactor = existing.LeverageFactor.Add(amount)
		return next, OutcomeAdd
	}

	switch amount.Cmp(existing.LeverageFactor) {
	case -1:
		next.IsLong = existing.IsLong
		next.LeverageFactor = existing.LeverageFactor.Sub(amount)
		return next, OutcomeReduce
	case 0:
		// An exact close clears the slot back to its zero record.
		next.IsLong = false
		next.LeverageFactor = decimal.Zero
		return next, OutcomeClose
	default:
		next.IsLong = isLong
		next.LeverageFactor = amount.Sub(existing.LeverageFactor)
		return next, OutcomeFlip
	}
}
