package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pos(sym string, isLong bool, lf float64) model.Position {
	return model.Position{Symbol: sym, IsLong: isLong, LeverageFactor: d(lf)}
}

func TestCheckOrder_WithinLimits(t *testing.T) {
	limits := Limits{MaxPositions: 5, MaxLeverage: d(20)}

	err := limits.CheckOrder(Exposure{}, Exposure{Positions: 1, Leverage: d(1)}, true)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckOrder_TooManyPositions(t *testing.T) {
	limits := Limits{MaxPositions: 5, MaxLeverage: d(20)}
	current := Exposure{Positions: 5, Leverage: d(5)}

	err := limits.CheckOrder(current, Exposure{Positions: 6, Leverage: d(6)}, true)
	if !errors.Is(err, apperrors.ErrTooManyPositions) {
		t.Errorf("expected ErrTooManyPositions, got %v", err)
	}
}

func TestCheckOrder_ExistingSymbolIgnoresSlotCap(t *testing.T) {
	limits := Limits{MaxPositions: 5, MaxLeverage: d(20)}
	current := Exposure{Positions: 5, Leverage: d(5)}

	// Adding to an occupied slot does not claim a new one.
	err := limits.CheckOrder(current, Exposure{Positions: 5, Leverage: d(6)}, false)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckOrder_LeverageCapExceeded(t *testing.T) {
	limits := Limits{MaxPositions: 5, MaxLeverage: d(20)}

	err := limits.CheckOrder(Exposure{}, Exposure{Positions: 1, Leverage: d(20.5)}, true)
	if !errors.Is(err, apperrors.ErrLeverageCapExceeded) {
		t.Errorf("expected ErrLeverageCapExceeded, got %v", err)
	}
}

func TestCheckOrder_LeverageExactlyAtCap(t *testing.T) {
	limits := Limits{MaxPositions: 5, MaxLeverage: d(20)}

	err := limits.CheckOrder(Exposure{}, Exposure{Positions: 1, Leverage: d(20)}, true)
	if err != nil {
		t.Errorf("exposure at the cap should pass, got %v", err)
	}
}

func TestExposure_Replace(t *testing.T) {
	start := Exposure{Positions: 2, Leverage: d(4)}

	// Open a new slot.
	e := start.Replace(model.Position{Symbol: "SOL"}, pos("SOL", true, 1))
	if e.Positions != 3 || !e.Leverage.Equal(d(5)) {
		t.Errorf("open: got %d/%s", e.Positions, e.Leverage)
	}

	// Flip keeps the slot occupied.
	e = start.Replace(pos("BTC", false, 1), pos("BTC", true, 0.5))
	if e.Positions != 2 || !e.Leverage.Equal(d(3.5)) {
		t.Errorf("flip: got %d/%s", e.Positions, e.Leverage)
	}

	// Close frees the slot.
	e = start.Replace(pos("BTC", false, 1), pos("BTC", false, 0))
	if e.Positions != 1 || !e.Leverage.Equal(d(3)) {
		t.Errorf("close: got %d/%s", e.Positions, e.Leverage)
	}
}

func TestOf_SkipsAbsentPositions(t *testing.T) {
	e := Of([]model.Position{
		pos("BTC", true, 1),
		pos("ETH", false, 3),
		pos("SOL", true, 0),
	})
	if e.Positions != 2 {
		t.Errorf("expected 2 positions, got %d", e.Positions)
	}
	if !e.Leverage.Equal(d(4)) {
		t.Errorf("expected leverage 4, got %s", e.Leverage)
	}
}

func TestFromSettings(t *testing.T) {
	limits := FromSettings(model.DefaultSettings([20]byte{1}))
	if limits.MaxPositions != 5 || !limits.MaxLeverage.Equal(d(20)) {
		t.Errorf("unexpected limits %+v", limits)
	}
}
