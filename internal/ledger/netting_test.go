package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tradegen/vte-engine/internal/model"
)

func TestNet(t *testing.T) {
	tests := []struct {
		name     string
		existing model.Position
		isLong   bool
		amount   decimal.Decimal
		want     model.Position
		outcome  Outcome
	}{
		{
			name:     "open long on absent slot",
			existing: model.Position{Symbol: "BTC"},
			isLong:   true,
			amount:   d(1),
			want:     model.Position{Symbol: "BTC", IsLong: true, LeverageFactor: d(1)},
			outcome:  OutcomeOpen,
		},
		{
			name:     "open short over closed long record",
			existing: model.Position{Symbol: "BTC", IsLong: true, LeverageFactor: decimal.Zero},
			isLong:   false,
			amount:   d(2),
			want:     model.Position{Symbol: "BTC", IsLong: false, LeverageFactor: d(2)},
			outcome:  OutcomeOpen,
		},
		{
			name:     "add",
			existing: model.Position{Symbol: "BTC", IsLong: true, LeverageFactor: d(1)},
			isLong:   true,
			amount:   d(0.25),
			want:     model.Position{Symbol: "BTC", IsLong: true, LeverageFactor: d(1.25)},
			outcome:  OutcomeAdd,
		},
		{
			name:     "reduce",
			existing: model.Position{Symbol: "BTC", IsLong: true, LeverageFactor: d(1)},
			isLong:   false,
			amount:   d(0.5),
			want:     model.Position{Symbol: "BTC", IsLong: true, LeverageFactor: d(0.5)},
			outcome:  OutcomeReduce,
		},
		{
			name:     "close",
			existing: model.Position{Symbol: "BTC", IsLong: false, LeverageFactor: d(1)},
			isLong:   true,
			amount:   d(1),
			want:     model.Position{Symbol: "BTC", IsLong: false, LeverageFactor: decimal.Zero},
			outcome:  OutcomeClose,
		},
		{
			name:     "flip",
			existing: model.Position{Symbol: "BTC", IsLong: true, LeverageFactor: d(1)},
			isLong:   false,
			amount:   d(1.5),
			want:     model.Position{Symbol: "BTC", IsLong: false, LeverageFactor: d(0.5)},
			outcome:  OutcomeFlip,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := Net(tt.existing, tt.isLong, tt.amount)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.want.Symbol, got.Symbol)
			assert.Equal(t, tt.want.IsLong, got.IsLong)
			assert.True(t, tt.want.LeverageFactor.Equal(got.LeverageFactor),
				"leverage: want %s, got %s", tt.want.LeverageFactor, got.LeverageFactor)
		})
	}
}
