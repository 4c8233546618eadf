package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/tradegen/vte-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveSettings(ctx context.Context, st model.Settings) error {
	if err := s.primary.SaveSettings(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey)
	return nil
}

func (s *CachedStore) CreateEnvironment(ctx context.Context, env *model.Environment) error {
	if err := s.primary.CreateEnvironment(ctx, env); err != nil {
		return err
	}
	s.cacheEnvironment(ctx, env)
	return nil
}

func (s *CachedStore) UpdateEnvironment(ctx context.Context, env *model.Environment) error {
	if err := s.primary.UpdateEnvironment(ctx, env); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, environmentKey(env.Index))
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, ledger common.Address, p model.Position) error {
	if err := s.primary.SavePosition(ctx, ledger, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(ledger))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadSettings(ctx context.Context) (*model.Settings, error) {
	data, err := s.rdb.Get(ctx, settingsKey).Bytes()
	if err == nil {
		var st model.Settings
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.LoadSettings(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, settingsKey, data, s.ttl)
	}
	return st, nil
}

func (s *CachedStore) GetEnvironment(ctx context.Context, index uint64) (*model.Environment, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, environmentKey(index)).Bytes()
	if err == nil {
		var env model.Environment
		if json.Unmarshal(data, &env) == nil {
			return &env, nil
		}
	}

	// Cache miss: read from primary.
	env, err := s.primary.GetEnvironment(ctx, index)
	if err != nil {
		return nil, err
	}

	s.cacheEnvironment(ctx, env)
	return env, nil
}

func (s *CachedStore) GetEnvironmentByAddress(ctx context.Context, addr common.Address) (*model.Environment, error) {
	// Try cache via address→index mapping.
	idx, err := s.rdb.Get(ctx, addressKey(addr)).Result()
	if err == nil {
		if index, perr := strconv.ParseUint(idx, 10, 64); perr == nil {
			return s.GetEnvironment(ctx, index)
		}
	}

	// Cache miss.
	env, err := s.primary.GetEnvironmentByAddress(ctx, addr)
	if err != nil {
		return nil, err
	}

	s.cacheEnvironment(ctx, env)
	return env, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, ledger common.Address) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(ledger)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, ledger)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(ledger), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEnvironments(ctx context.Context) ([]model.Environment, error) {
	return s.primary.ListEnvironments(ctx)
}

// --- Cache helpers ---

// cacheEnvironment stores the record and its address→index mapping. The
// mapping never changes once written.
func (s *CachedStore) cacheEnvironment(ctx context.Context, env *model.Environment) {
	if data, err := json.Marshal(env); err == nil {
		s.rdb.Set(ctx, environmentKey(env.Index), data, s.ttl)
	}
	s.rdb.Set(ctx, addressKey(env.Address), strconv.FormatUint(env.Index, 10), s.ttl)
}

const settingsKey = "vte:settings"

func environmentKey(index uint64) string      { return fmt.Sprintf("vte:env:%d", index) }
func addressKey(addr common.Address) string   { return fmt.Sprintf("vte:addr:%s", addr.Hex()) }
func positionsKey(addr common.Address) string { return fmt.Sprintf("vte:positions:%s", addr.Hex()) }
