// Package registry owns the catalog of virtual trading environments.
//
// The registry assigns 1-based indices, enforces per-user creation quotas
// and the usage-fee cap, authorizes data-feed bindings, rate-limits renames,
// and holds the global risk parameters every ledger reads at order time.
//
// Locking: the catalog mutex is taken before any ledger's mutex, and the
// settings mutex is a leaf. Ledgers read caps through PositionLimits, which
// only takes the settings mutex, so a ledger never waits on the catalog.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/event"
	"github.com/tradegen/vte-engine/internal/ledger"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/metrics"
	"github.com/tradegen/vte-engine/internal/model"
	"github.com/tradegen/vte-engine/internal/risk"
	"github.com/tradegen/vte-engine/internal/store"
)

// Factory instantiates ledgers for the registry.
type Factory interface {
	CreateEnvironment(caller, owner common.Address) (*ledger.Ledger, error)
	Discard(caller common.Address, l *ledger.Ledger) error
	Restore(env model.Environment, positions []model.Position) (*ledger.Ledger, error)
}

// FeedDirectory exposes each data feed's declared provider.
type FeedDirectory interface {
	Provider(ctx context.Context, feed common.Address) (common.Address, error)
}

type Options struct {
	Address         common.Address
	Owner           common.Address
	DefaultDataFeed common.Address

	// Defaults overrides model.DefaultSettings(Owner) for a fresh store.
	Defaults *model.Settings

	Factory Factory
	Feeds   FeedDirectory
	Store   store.Store
	Events  event.Sink

	// Clock defaults to time.Now.
	Clock func() time.Time
}

type record struct {
	env    model.Environment
	ledger *ledger.Ledger
}

type Registry struct {
	address     common.Address
	defaultFeed common.Address

	factory Factory
	feeds   FeedDirectory
	store   store.Store
	events  event.Sink
	clock   func() time.Time

	mu        sync.RWMutex
	envs      []*record // envs[i] has index i+1
	byAddress map[common.Address]uint64
	perUser   map[common.Address]uint64

	settingsMu sync.RWMutex
	settings   model.Settings
}

func New(opts Options) *Registry {
	settings := model.DefaultSettings(opts.Owner)
	if opts.Defaults != nil {
		settings = *opts.Defaults
	}
	events := opts.Events
	if events == nil {
		events = event.Discard
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Registry{
		address:     opts.Address,
		defaultFeed: opts.DefaultDataFeed,
		factory:     opts.Factory,
		feeds:       opts.Feeds,
		store:       opts.Store,
		events:      events,
		clock:       clock,
		byAddress:   make(map[common.Address]uint64),
		perUser:     make(map[common.Address]uint64),
		settings:    settings,
	}
}

// Restore loads settings and re-materializes every stored environment.
// A fresh store is seeded with the registry's current settings.
func (r *Registry) Restore(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.envs) > 0 {
		return fmt.Errorf("restore: registry already holds %d environments", len(r.envs))
	}

	loaded, err := r.store.LoadSettings(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := r.store.SaveSettings(ctx, r.Settings()); err != nil {
			return fmt.Errorf("restore: seed settings: %w", err)
		}
	case err != nil:
		return fmt.Errorf("restore: load settings: %w", err)
	default:
		r.settingsMu.Lock()
		r.settings = *loaded
		r.settingsMu.Unlock()
	}

	envs, err := r.store.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("restore: list environments: %w", err)
	}

	for _, env := range envs {
		if env.Index != uint64(len(r.envs))+1 {
			return fmt.Errorf("restore: environment index %d out of sequence (expected %d)", env.Index, len(r.envs)+1)
		}
		positions, err := r.store.ListPositions(ctx, env.Address)
		if err != nil {
			return fmt.Errorf("restore: positions of %d: %w", env.Index, err)
		}
		l, err := r.factory.Restore(env, positions)
		if err != nil {
			return fmt.Errorf("restore: environment %d: %w", env.Index, err)
		}
		r.envs = append(r.envs, &record{env: env, ledger: l})
		r.byAddress[env.Address] = env.Index
		r.perUser[env.Owner]++
	}

	metrics.RegisteredEnvironments.Set(float64(len(r.envs)))
	logger.Info("registry restored", "environments", len(r.envs), "registry", r.address.Hex())
	return nil
}

// CreateVirtualTradingEnvironment creates a ledger owned by caller and
// records it under the next index.
func (r *Registry) CreateVirtualTradingEnvironment(ctx context.Context, caller common.Address, usageFee decimal.Decimal, name string) (model.Environment, error) {
	const op = "create_environment"

	if !model.ValidAmount(usageFee) {
		return model.Environment{}, r.reject(op, apperrors.Newf(apperrors.KindInvalidArgument,
			"usage fee %s must be non-negative with at most %d decimals", usageFee, model.AmountDecimals))
	}
	settings := r.Settings()
	if usageFee.GreaterThan(settings.MaxUsageFee) {
		return model.Environment{}, r.reject(op, apperrors.Newf(apperrors.KindFeeTooHigh,
			"usage fee %s exceeds maximum %s", usageFee, settings.MaxUsageFee))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if count := r.perUser[caller]; count >= settings.MaxVTEPerUser {
		return model.Environment{}, r.reject(op, apperrors.Newf(apperrors.KindQuotaExceeded,
			"%s already owns %d environments (max %d)", caller.Hex(), count, settings.MaxVTEPerUser))
	}

	l, err := r.factory.CreateEnvironment(r.address, caller)
	if err != nil {
		return model.Environment{}, r.reject(op, err)
	}

	env := model.Environment{
		Index:     uint64(len(r.envs)) + 1,
		Address:   l.Address(),
		Owner:     caller,
		DataFeed:  r.defaultFeed,
		Name:      name,
		UsageFee:  usageFee,
		CreatedAt: r.clock().UTC(),
	}

	if err := r.store.CreateEnvironment(ctx, &env); err != nil {
		if derr := r.factory.Discard(r.address, l); derr != nil {
			logger.Error("factory discard failed", "ledger", l.Address().Hex(), "error", derr.Error())
		}
		return model.Environment{}, r.reject(op, apperrors.Internal("persist environment", err))
	}

	// The registry is the ledger's registry, so neither call can fail.
	_ = l.SetDataFeed(r.address, env.DataFeed)
	_ = l.UpdateName(r.address, env.Name)

	r.envs = append(r.envs, &record{env: env, ledger: l})
	r.byAddress[env.Address] = env.Index
	r.perUser[caller]++

	metrics.EnvironmentsCreated.Inc()
	metrics.RegisteredEnvironments.Set(float64(len(r.envs)))
	logger.Info("environment created",
		"index", env.Index,
		"ledger", env.Address.Hex(),
		"owner", caller.Hex(),
		"data_feed", env.DataFeed.Hex(),
		"name", env.Name,
		"usage_fee", env.UsageFee.String(),
	)

	r.events.Emit(event.EnvironmentCreated(env))
	return env, nil
}

// SetDataFeed binds feed to the environment at index. Registry owner only;
// the feed must declare the environment's ledger as its provider.
func (r *Registry) SetDataFeed(ctx context.Context, caller common.Address, index uint64, feed common.Address) error {
	const op = "set_data_feed"

	if err := r.authorize(caller, model.RoleOwner); err != nil {
		return r.reject(op, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.resolve(index, common.Address{})
	if rec == nil {
		return r.reject(op, apperrors.Newf(apperrors.KindNotFound, "environment %d not found", index))
	}

	provider, err := r.feeds.Provider(ctx, feed)
	if err != nil {
		return r.reject(op, apperrors.New(apperrors.KindUnauthorizedFeed,
			fmt.Sprintf("feed %s has no declared provider", feed.Hex()), err))
	}
	if provider != rec.env.Address {
		return r.reject(op, apperrors.Newf(apperrors.KindUnauthorizedFeed,
			"feed %s serves %s, not %s", feed.Hex(), provider.Hex(), rec.env.Address.Hex()))
	}

	updated := rec.env
	updated.DataFeed = feed
	if err := r.store.UpdateEnvironment(ctx, &updated); err != nil {
		return r.reject(op, apperrors.Internal("persist data feed", err))
	}

	_ = rec.ledger.SetDataFeed(r.address, feed)
	rec.env = updated

	logger.Info("data feed updated", "index", updated.Index, "ledger", updated.Address.Hex(), "data_feed", feed.Hex())
	r.events.Emit(event.DataFeedUpdated(updated.Index, updated.Address, feed))
	return nil
}

// UpdateName renames the environment addressed by index or address. Only the
// environment's owner may rename it, at most once per cooldown period.
func (r *Registry) UpdateName(ctx context.Context, caller common.Address, index uint64, addr common.Address, name string) error {
	const op = "update_name"

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.resolve(index, addr)
	if rec == nil {
		return r.reject(op, apperrors.Newf(apperrors.KindNotFound, "environment (%d, %s) not found", index, addr.Hex()))
	}
	if caller != rec.env.Owner {
		return r.reject(op, apperrors.Newf(apperrors.KindUnauthorized,
			"caller %s does not own environment %d", caller.Hex(), rec.env.Index))
	}

	now := r.clock().UTC()
	cooldown := r.Settings().MinimumTimeBetweenNameUpdates
	if !cooldownElapsed(rec.env.LastNameUpdate, now, cooldown) {
		return r.reject(op, apperrors.Newf(apperrors.KindNameUpdateTooSoon,
			"environment %d was renamed at %s; cooldown is %ds",
			rec.env.Index, rec.env.LastNameUpdate.Format(time.RFC3339), cooldown))
	}

	updated := rec.env
	updated.Name = name
	updated.LastNameUpdate = now
	if err := r.store.UpdateEnvironment(ctx, &updated); err != nil {
		return r.reject(op, apperrors.Internal("persist name", err))
	}

	_ = rec.ledger.UpdateName(r.address, name)
	rec.env = updated

	logger.Info("environment renamed", "index", updated.Index, "ledger", updated.Address.Hex(), "name", name)
	r.events.Emit(event.NameUpdated(updated.Index, updated.Address, name))
	return nil
}

// cooldownElapsed compares whole seconds. A zero last update counts as the
// epoch, so the first rename is always allowed.
func cooldownElapsed(last, now time.Time, cooldown uint64) bool {
	var lastSecs int64
	if !last.IsZero() {
		lastSecs = last.Unix()
	}
	elapsed := now.Unix() - lastSecs
	return elapsed >= 0 && uint64(elapsed) >= cooldown
}

// resolve maps (index, address) to a record. A non-zero index wins; the
// zero index with a non-zero address looks the address up. Caller holds mu.
func (r *Registry) resolve(index uint64, addr common.Address) *record {
	if index == 0 && !model.IsZeroAddress(addr) {
		index = r.byAddress[addr]
	}
	if index == 0 || index > uint64(len(r.envs)) {
		return nil
	}
	return r.envs[index-1]
}

func (r *Registry) reject(op string, err error) error {
	kind := apperrors.KindOf(err)
	metrics.RegistryRejections.WithLabelValues(op, string(kind)).Inc()
	logger.Warn("registry operation rejected", "op", op, "reason", string(kind), "error", err.Error())
	return err
}

// --- Lookups ---

// GetOwner returns the owner of the environment, or the zero address.
func (r *Registry) GetOwner(index uint64, addr common.Address) common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec := r.resolve(index, addr); rec != nil {
		return rec.env.Owner
	}
	return common.Address{}
}

// GetVTEDataFeed returns the environment's data feed, or the zero address.
func (r *Registry) GetVTEDataFeed(index uint64, addr common.Address) common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec := r.resolve(index, addr); rec != nil {
		return rec.env.DataFeed
	}
	return common.Address{}
}

// GetVTEName returns the environment's name, or "".
func (r *Registry) GetVTEName(index uint64, addr common.Address) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec := r.resolve(index, addr); rec != nil {
		return rec.env.Name
	}
	return ""
}

// Environment returns the catalog record of an environment.
func (r *Registry) Environment(index uint64, addr common.Address) (model.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.resolve(index, addr)
	if rec == nil {
		return model.Environment{}, apperrors.Newf(apperrors.KindNotFound, "environment (%d, %s) not found", index, addr.Hex())
	}
	return rec.env, nil
}

// Ledger returns the live ledger of an environment.
func (r *Registry) Ledger(index uint64, addr common.Address) (*ledger.Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.resolve(index, addr)
	if rec == nil {
		return nil, apperrors.Newf(apperrors.KindNotFound, "environment (%d, %s) not found", index, addr.Hex())
	}
	return rec.ledger, nil
}

// Environments returns every catalog record in index order.
func (r *Registry) Environments() []model.Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Environment, len(r.envs))
	for i, rec := range r.envs {
		out[i] = rec.env
	}
	return out
}

// NumberOfVTEs returns the highest assigned index.
func (r *Registry) NumberOfVTEs() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.envs))
}

// VirtualTradingEnvironment returns the ledger identity at index, or the
// zero address.
func (r *Registry) VirtualTradingEnvironment(index uint64) common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec := r.resolve(index, common.Address{}); rec != nil {
		return rec.env.Address
	}
	return common.Address{}
}

// VTEAddress returns the index of a ledger identity, or 0.
func (r *Registry) VTEAddress(addr common.Address) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddress[addr]
}

// VTECount returns how many environments owner has created.
func (r *Registry) VTECount(owner common.Address) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perUser[owner]
}

func (r *Registry) Address() common.Address { return r.address }

func (r *Registry) DefaultDataFeed() common.Address { return r.defaultFeed }

// PositionLimits returns the caps in force now.
func (r *Registry) PositionLimits() risk.Limits {
	return risk.FromSettings(r.Settings())
}
