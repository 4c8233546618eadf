// Package store defines the persistence interface for the VTE engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tradegen/vte-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Registry settings ---

	// LoadSettings returns the persisted settings, or ErrNotFound on a
	// fresh database.
	LoadSettings(ctx context.Context) (*model.Settings, error)

	// SaveSettings replaces the persisted settings.
	SaveSettings(ctx context.Context, s model.Settings) error

	// --- Environment catalog ---

	// CreateEnvironment persists a new environment. Index and Address must
	// both be unused.
	CreateEnvironment(ctx context.Context, env *model.Environment) error

	// UpdateEnvironment overwrites the mutable fields (data feed, name,
	// last name update) of an existing environment.
	UpdateEnvironment(ctx context.Context, env *model.Environment) error

	// GetEnvironment retrieves an environment by its 1-based index.
	GetEnvironment(ctx context.Context, index uint64) (*model.Environment, error)

	// GetEnvironmentByAddress retrieves an environment by its ledger identity.
	GetEnvironmentByAddress(ctx context.Context, addr common.Address) (*model.Environment, error)

	// ListEnvironments returns all environments ordered by index.
	ListEnvironments(ctx context.Context) ([]model.Environment, error)

	// --- Positions ---

	// SavePosition upserts the position for (ledger, symbol). A closed
	// position is stored with a zero leverage factor.
	SavePosition(ctx context.Context, ledger common.Address, p model.Position) error

	// ListPositions returns every stored position of a ledger, including
	// closed ones, ordered by symbol.
	ListPositions(ctx context.Context, ledger common.Address) ([]model.Position, error)
}
