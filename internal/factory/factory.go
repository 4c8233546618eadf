// Package factory instantiates position ledgers on behalf of the registry.
//
// Ledger identities are derived the way contract addresses are: from the
// factory's own address and a creation nonce, so the sequence is
// deterministic and can be replayed on restart.
package factory

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/event"
	"github.com/tradegen/vte-engine/internal/ledger"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/model"
)

// Registrar is the registry as seen by the factory: an identity to gate
// creation on, and the cap source every new ledger reads from.
type Registrar interface {
	ledger.Limits
	Address() common.Address
}

type Config struct {
	Address common.Address
	Owner   common.Address
	Oracle  common.Address
	Store   ledger.PositionStore
	Events  event.Sink
}

type Factory struct {
	mu sync.Mutex

	address common.Address
	owner   common.Address
	oracle  common.Address
	store   ledger.PositionStore
	events  event.Sink

	registry Registrar
	nonce    uint64
}

func New(cfg Config) *Factory {
	return &Factory{
		address: cfg.Address,
		owner:   cfg.Owner,
		oracle:  cfg.Oracle,
		store:   cfg.Store,
		events:  cfg.Events,
	}
}

// InitializeContract binds the factory to its registry. Owner only, once.
func (f *Factory) InitializeContract(caller common.Address, registry Registrar) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if caller != f.owner {
		return apperrors.Newf(apperrors.KindUnauthorized, "caller %s is not the factory owner", caller.Hex())
	}
	if f.registry != nil {
		return apperrors.Newf(apperrors.KindUnauthorized, "factory already bound to registry %s", f.registry.Address().Hex())
	}
	if registry == nil {
		return apperrors.Newf(apperrors.KindInvalidArgument, "registry is required")
	}

	f.registry = registry
	logger.Info("factory initialized", "factory", f.address.Hex(), "registry", registry.Address().Hex())
	return nil
}

// CreateEnvironment builds a new ledger for owner. Only the bound registry
// may call it. The ledger starts with no name and no data feed; the
// registry assigns both.
func (f *Factory) CreateEnvironment(caller, owner common.Address) (*ledger.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.registry == nil || caller != f.registry.Address() {
		return nil, apperrors.Newf(apperrors.KindUnauthorized, "caller %s is not the registry", caller.Hex())
	}
	if model.IsZeroAddress(owner) {
		return nil, apperrors.Newf(apperrors.KindInvalidArgument, "owner is the zero address")
	}

	addr := crypto.CreateAddress(f.address, f.nonce)
	f.nonce++

	l := f.build(addr, owner, nil)
	logger.Debug("ledger instantiated", "ledger", addr.Hex(), "owner", owner.Hex(), "nonce", f.nonce-1)
	return l, nil
}

// Discard rolls back the most recent CreateEnvironment when the registry
// could not record it, so the next creation reuses the address.
func (f *Factory) Discard(caller common.Address, l *ledger.Ledger) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.registry == nil || caller != f.registry.Address() {
		return apperrors.Newf(apperrors.KindUnauthorized, "caller %s is not the registry", caller.Hex())
	}
	if f.nonce == 0 || crypto.CreateAddress(f.address, f.nonce-1) != l.Address() {
		return apperrors.Newf(apperrors.KindInvalidArgument, "ledger %s is not the latest creation", l.Address().Hex())
	}
	f.nonce--
	return nil
}

// Restore re-materializes a persisted environment. Environments must be
// restored in index order; index n was created with nonce n-1.
func (f *Factory) Restore(env model.Environment, positions []model.Position) (*ledger.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.registry == nil {
		return nil, apperrors.Newf(apperrors.KindUnauthorized, "factory is not initialized")
	}
	if env.Index == 0 || crypto.CreateAddress(f.address, env.Index-1) != env.Address {
		return nil, apperrors.Newf(apperrors.KindInvalidArgument,
			"environment %d at %s was not created by factory %s", env.Index, env.Address.Hex(), f.address.Hex())
	}

	l := f.build(env.Address, env.Owner, positions)
	if err := l.SetDataFeed(f.registry.Address(), env.DataFeed); err != nil {
		return nil, err
	}
	if err := l.UpdateName(f.registry.Address(), env.Name); err != nil {
		return nil, err
	}
	if env.Index > f.nonce {
		f.nonce = env.Index
	}
	return l, nil
}

// Nonce returns the number of ledgers created so far.
func (f *Factory) Nonce() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce
}

func (f *Factory) Address() common.Address { return f.address }
func (f *Factory) Owner() common.Address   { return f.owner }

// Registry returns the bound registry identity, or the zero address.
func (f *Factory) Registry() common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registry == nil {
		return common.Address{}
	}
	return f.registry.Address()
}

func (f *Factory) build(addr, owner common.Address, positions []model.Position) *ledger.Ledger {
	return ledger.New(ledger.Config{
		Address:   addr,
		Owner:     owner,
		Oracle:    f.oracle,
		Registry:  f.registry.Address(),
		Limits:    f.registry,
		Store:     f.store,
		Events:    f.events,
		Positions: positions,
	})
}
