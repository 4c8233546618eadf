// Package oracle resolves symbols to prices through a swappable data source.
// Ledgers hold a reference to the oracle but netting does not consult it.
package oracle

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/symbol"
)

// Source is an upstream price provider.
type Source interface {
	// Name identifies the source in logs and API responses.
	Name() string
	LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error)
}

type Oracle struct {
	mu      sync.RWMutex
	address common.Address
	owner   common.Address
	source  Source
}

func New(address, owner common.Address, source Source) *Oracle {
	return &Oracle{address: address, owner: owner, source: source}
}

// SetDataSource swaps the upstream source. Owner only.
func (o *Oracle) SetDataSource(caller common.Address, source Source) error {
	if caller != o.owner {
		return apperrors.Newf(apperrors.KindUnauthorized, "caller %s is not the oracle owner", caller.Hex())
	}
	if source == nil {
		return apperrors.Newf(apperrors.KindInvalidArgument, "data source is required")
	}

	o.mu.Lock()
	prev := o.source
	o.source = source
	o.mu.Unlock()

	prevName := ""
	if prev != nil {
		prevName = prev.Name()
	}
	logger.Info("oracle data source changed", "oracle", o.address.Hex(), "from", prevName, "to", source.Name())
	return nil
}

// GetLatestPrice returns the current price of sym, scaled to 18 decimals.
func (o *Oracle) GetLatestPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	if err := symbol.Check(sym); err != nil {
		return decimal.Zero, apperrors.New(apperrors.KindInvalidArgument, "invalid symbol", err)
	}

	o.mu.RLock()
	source := o.source
	o.mu.RUnlock()

	if source == nil {
		return decimal.Zero, apperrors.Newf(apperrors.KindNotFound, "oracle has no data source")
	}
	price, err := source.LatestPrice(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

// DataSource returns the name of the current source.
func (o *Oracle) DataSource() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.source == nil {
		return ""
	}
	return o.source.Name()
}

func (o *Oracle) Address() common.Address { return o.address }
func (o *Oracle) Owner() common.Address   { return o.owner }
