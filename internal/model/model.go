// Package model defines the core domain types shared across the VTE engine.
// All amounts use shopspring/decimal with 18 fractional digits, never float64.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Position is the netted exposure of one ledger to one symbol.
// A position whose LeverageFactor is zero is absent; the record may still
// carry the direction it was closed with.
type Position struct {
	Symbol         string          `json:"symbol"`
	IsLong         bool            `json:"is_long"`
	LeverageFactor decimal.Decimal `json:"leverage_factor"`
}

// IsOpen reports whether the position carries any exposure.
func (p Position) IsOpen() bool {
	return p.LeverageFactor.IsPositive()
}

// Direction returns "long" or "short".
func (p Position) Direction() string {
	return DirectionName(p.IsLong)
}

// DirectionName maps an order direction flag to its label.
func DirectionName(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

// Environment is the registry's record of one virtual trading environment.
type Environment struct {
	Index          uint64          `json:"index"`
	Address        common.Address  `json:"address"`
	Owner          common.Address  `json:"owner"`
	DataFeed       common.Address  `json:"data_feed"`
	Name           string          `json:"name"`
	UsageFee       decimal.Decimal `json:"usage_fee"`
	LastNameUpdate time.Time       `json:"last_name_update"` // zero until the first rename
	CreatedAt      time.Time       `json:"created_at"`
}

// LedgerSummary is a point-in-time view of a ledger's state.
type LedgerSummary struct {
	Address                  common.Address  `json:"address"`
	Owner                    common.Address  `json:"owner"`
	Oracle                   common.Address  `json:"oracle"`
	Registry                 common.Address  `json:"registry"`
	DataFeed                 common.Address  `json:"data_feed"`
	Name                     string          `json:"name"`
	NumberOfPositions        uint64          `json:"number_of_positions"`
	CumulativeLeverageFactor decimal.Decimal `json:"cumulative_leverage_factor"`
	Positions                []Position      `json:"positions"`
}

// Role names one of the registry's administrative identities.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleOperator  Role = "operator"
	RoleRegistrar Role = "registrar"
)

// Settings holds the registry's role assignments and global risk/fee
// parameters. Caps are read at order time, never applied retroactively.
type Settings struct {
	Owner     common.Address `json:"owner"`
	Operator  common.Address `json:"operator"`
	Registrar common.Address `json:"registrar"`

	MaxVTEPerUser            uint64          `json:"max_vte_per_user"`
	MaxUsageFee              decimal.Decimal `json:"max_usage_fee"`
	MaximumNumberOfPositions uint64          `json:"maximum_number_of_positions"`
	MaximumLeverageFactor    decimal.Decimal `json:"maximum_leverage_factor"`

	// MinimumTimeBetweenNameUpdates is expressed in seconds.
	MinimumTimeBetweenNameUpdates uint64 `json:"minimum_time_between_name_updates"`
}

// Holder returns the identity currently assigned to role.
func (s Settings) Holder(role Role) common.Address {
	switch role {
	case RoleOwner:
		return s.Owner
	case RoleOperator:
		return s.Operator
	case RoleRegistrar:
		return s.Registrar
	default:
		return common.Address{}
	}
}

// NameUpdateCooldown returns the rename cooldown as a duration.
func (s Settings) NameUpdateCooldown() time.Duration {
	return time.Duration(s.MinimumTimeBetweenNameUpdates) * time.Second
}

// OneWeek is the default rename cooldown in seconds.
const OneWeek uint64 = 7 * 24 * 60 * 60

// DefaultSettings returns the parameters a fresh registry starts with.
// All three roles start out held by owner.
func DefaultSettings(owner common.Address) Settings {
	return Settings{
		Owner:                         owner,
		Operator:                      owner,
		Registrar:                     owner,
		MaxVTEPerUser:                 2,
		MaxUsageFee:                   decimal.NewFromInt(1000),
		MaximumNumberOfPositions:      5,
		MaximumLeverageFactor:         decimal.NewFromInt(20),
		MinimumTimeBetweenNameUpdates: OneWeek,
	}
}
