package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tradegen/vte-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	settings     *model.Settings
	environments map[uint64]*model.Environment
	byAddress    map[common.Address]uint64
	positions    map[common.Address]map[string]model.Position
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		environments: make(map[uint64]*model.Environment),
		byAddress:    make(map[common.Address]uint64),
		positions:    make(map[common.Address]map[string]model.Position),
	}
}

func (s *MemoryStore) LoadSettings(_ context.Context) (*model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, ErrNotFound
	}
	cp := *s.settings
	return &cp, nil
}

func (s *MemoryStore) SaveSettings(_ context.Context, settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = &settings
	return nil
}

func (s *MemoryStore) CreateEnvironment(_ context.Context, env *model.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.environments[env.Index]; ok {
		return fmt.Errorf("environment %d already exists", env.Index)
	}
	if _, ok := s.byAddress[env.Address]; ok {
		return fmt.Errorf("environment at %s already exists", env.Address.Hex())
	}

	// Store a copy to avoid external mutation.
	cp := *env
	s.environments[env.Index] = &cp
	s.byAddress[env.Address] = env.Index
	return nil
}

func (s *MemoryStore) UpdateEnvironment(_ context.Context, env *model.Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.environments[env.Index]
	if !ok {
		return fmt.Errorf("environment %d: %w", env.Index, ErrNotFound)
	}
	existing.DataFeed = env.DataFeed
	existing.Name = env.Name
	existing.LastNameUpdate = env.LastNameUpdate
	return nil
}

func (s *MemoryStore) GetEnvironment(_ context.Context, index uint64) (*model.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.environments[index]
	if !ok {
		return nil, fmt.Errorf("environment %d: %w", index, ErrNotFound)
	}
	cp := *env
	return &cp, nil
}

func (s *MemoryStore) GetEnvironmentByAddress(_ context.Context, addr common.Address) (*model.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, ok := s.byAddress[addr]
	if !ok {
		return nil, fmt.Errorf("environment at %s: %w", addr.Hex(), ErrNotFound)
	}
	cp := *s.environments[index]
	return &cp, nil
}

func (s *MemoryStore) ListEnvironments(_ context.Context) ([]model.Environment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	envs := make([]model.Environment, 0, len(s.environments))
	for _, env := range s.environments {
		envs = append(envs, *env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Index < envs[j].Index })
	return envs, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, ledger common.Address, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.positions[ledger]
	if !ok {
		book = make(map[string]model.Position)
		s.positions[ledger] = book
	}
	book[p.Symbol] = p
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, ledger common.Address) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book := s.positions[ledger]
	positions := make([]model.Position, 0, len(book))
	for _, p := range book {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}
