// Package ledger implements the per-environment position-netting ledger.
//
// A Ledger owns one mapping from symbol to position for a single owner and
// keeps two aggregate counters in step with it: the number of open positions
// and the cumulative leverage factor. Every mutation is computed into a local
// value, validated against the registry's caps, written to the store, and
// only then committed to memory, so a rejected or failed call leaves the
// ledger exactly as it was.
package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/event"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/metrics"
	"github.com/tradegen/vte-engine/internal/model"
	"github.com/tradegen/vte-engine/internal/risk"
	"github.com/tradegen/vte-engine/internal/symbol"
)

// Limits supplies the caps in force at evaluation time. The registry
// implements it; implementations must not call back into the ledger.
type Limits interface {
	PositionLimits() risk.Limits
}

// PositionStore persists position records.
type PositionStore interface {
	SavePosition(ctx context.Context, ledger common.Address, p model.Position) error
}

// Config binds a new ledger to its identities and collaborators.
type Config struct {
	Address  common.Address
	Owner    common.Address
	Oracle   common.Address
	Registry common.Address
	DataFeed common.Address
	Name     string

	Limits Limits
	Store  PositionStore
	Events event.Sink

	// Positions seeds the ledger when re-materializing from the store.
	// Closed records are kept; counters are recomputed from the open ones.
	Positions []model.Position
}

// Ledger is one virtual trading environment.
type Ledger struct {
	mu sync.RWMutex

	address  common.Address
	owner    common.Address
	oracle   common.Address
	registry common.Address
	dataFeed common.Address
	name     string

	positions map[string]model.Position
	exposure  risk.Exposure

	limits Limits
	store  PositionStore
	events event.Sink
	log    *slog.Logger
}

// New creates a ledger from cfg.
func New(cfg Config) *Ledger {
	events := cfg.Events
	if events == nil {
		events = event.Discard
	}

	l := &Ledger{
		address:   cfg.Address,
		owner:     cfg.Owner,
		oracle:    cfg.Oracle,
		registry:  cfg.Registry,
		dataFeed:  cfg.DataFeed,
		name:      cfg.Name,
		positions: make(map[string]model.Position, len(cfg.Positions)),
		limits:    cfg.Limits,
		store:     cfg.Store,
		events:    events,
		log:       logger.With("ledger", cfg.Address.Hex()),
	}
	for _, p := range cfg.Positions {
		l.positions[p.Symbol] = p
	}
	l.exposure = risk.Of(cfg.Positions)
	return l
}

// PlaceOrder nets an order of amount in direction isLong into the position
// for sym and returns the resulting position. Only the owner may trade.
func (l *Ledger) PlaceOrder(ctx context.Context, caller common.Address, sym string, isLong bool, amount decimal.Decimal) (model.Position, error) {
	start := time.Now()

	if caller != l.owner {
		return model.Position{}, l.reject("place_order", apperrors.Newf(apperrors.KindUnauthorized,
			"caller %s is not the ledger owner", caller.Hex()))
	}
	if err := symbol.Check(sym); err != nil {
		return model.Position{}, l.reject("place_order", apperrors.New(apperrors.KindInvalidArgument, "invalid symbol", err))
	}
	if !amount.IsPositive() {
		return model.Position{}, l.reject("place_order", apperrors.Newf(apperrors.KindInvalidArgument,
			"amount must be positive, got %s", amount))
	}
	if !model.ValidAmount(amount) {
		return model.Position{}, l.reject("place_order", apperrors.Newf(apperrors.KindInvalidArgument,
			"amount %s exceeds %d decimals", amount, model.AmountDecimals))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.slot(sym)
	next, outcome := Net(existing, isLong, amount)
	resulting := l.exposure.Replace(existing, next)

	if err := l.limits.PositionLimits().CheckOrder(l.exposure, resulting, outcome == OutcomeOpen); err != nil {
		return model.Position{}, l.reject("place_order", err)
	}

	if err := l.store.SavePosition(ctx, l.address, next); err != nil {
		return model.Position{}, l.reject("place_order", apperrors.Internal("persist position", err))
	}

	l.positions[sym] = next
	l.exposure = resulting

	metrics.OrdersTotal.WithLabelValues(model.DirectionName(isLong), string(outcome)).Inc()
	metrics.OrderLatency.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())

	l.log.Info("order placed",
		"symbol", sym,
		"order_direction", model.DirectionName(isLong),
		"amount", amount.String(),
		"outcome", string(outcome),
		"direction", next.Direction(),
		"size", next.LeverageFactor.String(),
		"positions", l.exposure.Positions,
		"cumulative_leverage", l.exposure.Leverage.String(),
	)

	l.events.Emit(event.OrderPlaced(l.address, next))
	return next, nil
}

// ClosePosition zeroes the open position for sym. The cleared record keeps
// its direction.
func (l *Ledger) ClosePosition(ctx context.Context, caller common.Address, sym string) error {
	if caller != l.owner {
		return l.reject("close_position", apperrors.Newf(apperrors.KindUnauthorized,
			"caller %s is not the ledger owner", caller.Hex()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.slot(sym)
	if !existing.IsOpen() {
		return l.reject("close_position", apperrors.Newf(apperrors.KindPositionNotFound,
			"no open position for %s", sym))
	}

	cleared := model.Position{Symbol: sym, IsLong: existing.IsLong, LeverageFactor: decimal.Zero}
	resulting := l.exposure.Replace(existing, cleared)

	if err := l.store.SavePosition(ctx, l.address, cleared); err != nil {
		return l.reject("close_position", apperrors.Internal("persist position", err))
	}

	l.positions[sym] = cleared
	l.exposure = resulting

	metrics.PositionsClosed.Inc()
	l.log.Info("position closed",
		"symbol", sym,
		"direction", existing.Direction(),
		"released", existing.LeverageFactor.String(),
		"positions", l.exposure.Positions,
		"cumulative_leverage", l.exposure.Leverage.String(),
	)

	l.events.Emit(event.PositionClosed(l.address, sym))
	return nil
}

// SetDataFeed overwrites the cached data feed. Only the registry may call it,
// after its own authorization.
func (l *Ledger) SetDataFeed(caller, feed common.Address) error {
	if caller != l.registry {
		return apperrors.Newf(apperrors.KindUnauthorized, "caller %s is not the registry", caller.Hex())
	}
	l.mu.Lock()
	l.dataFeed = feed
	l.mu.Unlock()
	return nil
}

// UpdateName overwrites the cached name. Only the registry may call it,
// after its cooldown check.
func (l *Ledger) UpdateName(caller common.Address, name string) error {
	if caller != l.registry {
		return apperrors.Newf(apperrors.KindUnauthorized, "caller %s is not the registry", caller.Hex())
	}
	l.mu.Lock()
	l.name = name
	l.mu.Unlock()
	return nil
}

// slot returns the stored record for sym, or an absent one. Caller holds mu.
func (l *Ledger) slot(sym string) model.Position {
	p, ok := l.positions[sym]
	if !ok {
		return model.Position{Symbol: sym, LeverageFactor: decimal.Zero}
	}
	return p
}

func (l *Ledger) reject(op string, err error) error {
	kind := apperrors.KindOf(err)
	metrics.OrderRejections.WithLabelValues(string(kind)).Inc()
	l.log.Warn("ledger operation rejected",
		"op", op,
		"reason", string(kind),
		"error", err.Error(),
	)
	return err
}

// --- Read accessors ---

func (l *Ledger) Address() common.Address  { return l.address }
func (l *Ledger) Owner() common.Address    { return l.owner }
func (l *Ledger) Oracle() common.Address   { return l.oracle }
func (l *Ledger) Registry() common.Address { return l.registry }

func (l *Ledger) DataFeed() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dataFeed
}

func (l *Ledger) Name() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

// Position returns the record for sym. An unknown symbol yields an absent
// position.
func (l *Ledger) Position(sym string) model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slot(sym)
}

// Positions returns the open positions ordered by symbol.
func (l *Ledger) Positions() []model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.openPositions()
}

func (l *Ledger) openPositions() []model.Position {
	out := make([]model.Position, 0, l.exposure.Positions)
	for _, p := range l.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Ledger) NumberOfPositions() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exposure.Positions
}

func (l *Ledger) CumulativeLeverageFactor() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.exposure.Leverage
}

// Summary returns a consistent snapshot of the whole ledger.
func (l *Ledger) Summary() model.LedgerSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return model.LedgerSummary{
		Address:                  l.address,
		Owner:                    l.owner,
		Oracle:                   l.oracle,
		Registry:                 l.registry,
		DataFeed:                 l.dataFeed,
		Name:                     l.name,
		NumberOfPositions:        l.exposure.Positions,
		CumulativeLeverageFactor: l.exposure.Leverage,
		Positions:                l.openPositions(),
	}
}
