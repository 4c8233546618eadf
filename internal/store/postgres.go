package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Fixed-point values are stored as NUMERIC(78,18) and identities as
// checksummed hex TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS registry_settings (
	id                         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	owner                      TEXT NOT NULL,
	operator                   TEXT NOT NULL,
	registrar                  TEXT NOT NULL,
	max_vte_per_user           BIGINT NOT NULL,
	max_usage_fee              NUMERIC(78,18) NOT NULL,
	max_positions              BIGINT NOT NULL,
	max_leverage_factor        NUMERIC(78,18) NOT NULL,
	name_update_cooldown_secs  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS environments (
	idx               BIGINT PRIMARY KEY,
	address           TEXT NOT NULL UNIQUE,
	owner             TEXT NOT NULL,
	data_feed         TEXT NOT NULL,
	name              TEXT NOT NULL,
	usage_fee         NUMERIC(78,18) NOT NULL,
	last_name_update  TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS environments_owner_idx ON environments (owner);

CREATE TABLE IF NOT EXISTS positions (
	ledger           TEXT NOT NULL REFERENCES environments (address),
	symbol           TEXT NOT NULL,
	is_long          BOOLEAN NOT NULL,
	leverage_factor  NUMERIC(78,18) NOT NULL CHECK (leverage_factor >= 0),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (ledger, symbol)
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSettings(ctx context.Context) (*model.Settings, error) {
	var st model.Settings
	var owner, operator, registrar, maxFee, maxLeverage string
	var maxVTE, maxPositions, cooldown int64

	err := s.pool.QueryRow(ctx,
		`SELECT owner, operator, registrar,
		        max_vte_per_user, max_usage_fee::TEXT,
		        max_positions, max_leverage_factor::TEXT,
		        name_update_cooldown_secs
		 FROM registry_settings WHERE id = 1`).
		Scan(&owner, &operator, &registrar,
			&maxVTE, &maxFee,
			&maxPositions, &maxLeverage,
			&cooldown)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	st.Owner = common.HexToAddress(owner)
	st.Operator = common.HexToAddress(operator)
	st.Registrar = common.HexToAddress(registrar)
	st.MaxVTEPerUser = uint64(maxVTE)
	st.MaxUsageFee, _ = decimal.NewFromString(maxFee)
	st.MaximumNumberOfPositions = uint64(maxPositions)
	st.MaximumLeverageFactor, _ = decimal.NewFromString(maxLeverage)
	st.MinimumTimeBetweenNameUpdates = uint64(cooldown)

	return &st, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, st model.Settings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registry_settings
		    (id, owner, operator, registrar, max_vte_per_user, max_usage_fee,
		     max_positions, max_leverage_factor, name_update_cooldown_secs)
		 VALUES (1, $1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8)
		 ON CONFLICT (id) DO UPDATE SET
		    owner = EXCLUDED.owner,
		    operator = EXCLUDED.operator,
		    registrar = EXCLUDED.registrar,
		    max_vte_per_user = EXCLUDED.max_vte_per_user,
		    max_usage_fee = EXCLUDED.max_usage_fee,
		    max_positions = EXCLUDED.max_positions,
		    max_leverage_factor = EXCLUDED.max_leverage_factor,
		    name_update_cooldown_secs = EXCLUDED.name_update_cooldown_secs`,
		st.Owner.Hex(), st.Operator.Hex(), st.Registrar.Hex(),
		int64(st.MaxVTEPerUser), st.MaxUsageFee.String(),
		int64(st.MaximumNumberOfPositions), st.MaximumLeverageFactor.String(),
		int64(st.MinimumTimeBetweenNameUpdates),
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateEnvironment(ctx context.Context, env *model.Environment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO environments (idx, address, owner, data_feed, name, usage_fee, last_name_update, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		int64(env.Index), env.Address.Hex(), env.Owner.Hex(), env.DataFeed.Hex(),
		env.Name, env.UsageFee.String(), nullableTime(env.LastNameUpdate), env.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create environment %d: %w", env.Index, err)
	}
	return nil
}

func (s *PostgresStore) UpdateEnvironment(ctx context.Context, env *model.Environment) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments
		 SET data_feed = $2, name = $3, last_name_update = $4
		 WHERE idx = $1`,
		int64(env.Index), env.DataFeed.Hex(), env.Name, nullableTime(env.LastNameUpdate),
	)
	if err != nil {
		return fmt.Errorf("update environment %d: %w", env.Index, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update environment %d: %w", env.Index, ErrNotFound)
	}
	return nil
}

const selectEnvironment = `SELECT idx, address, owner, data_feed, name, usage_fee::TEXT, last_name_update, created_at
	 FROM environments`

func (s *PostgresStore) GetEnvironment(ctx context.Context, index uint64) (*model.Environment, error) {
	env, err := scanEnvironment(s.pool.QueryRow(ctx, selectEnvironment+` WHERE idx = $1`, int64(index)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("environment %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get environment %d: %w", index, err)
	}
	return env, nil
}

func (s *PostgresStore) GetEnvironmentByAddress(ctx context.Context, addr common.Address) (*model.Environment, error) {
	env, err := scanEnvironment(s.pool.QueryRow(ctx, selectEnvironment+` WHERE address = $1`, addr.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("environment at %s: %w", addr.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get environment at %s: %w", addr.Hex(), err)
	}
	return env, nil
}

func (s *PostgresStore) ListEnvironments(ctx context.Context) ([]model.Environment, error) {
	rows, err := s.pool.Query(ctx, selectEnvironment+` ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var envs []model.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, ledger common.Address, p model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (ledger, symbol, is_long, leverage_factor, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, now())
		 ON CONFLICT (ledger, symbol) DO UPDATE SET
		    is_long = EXCLUDED.is_long,
		    leverage_factor = EXCLUDED.leverage_factor,
		    updated_at = EXCLUDED.updated_at`,
		ledger.Hex(), p.Symbol, p.IsLong, p.LeverageFactor.String(),
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", ledger.Hex(), p.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, ledger common.Address) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, is_long, leverage_factor::TEXT
		 FROM positions WHERE ledger = $1 ORDER BY symbol`, ledger.Hex())
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", ledger.Hex(), err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var lf string
		if err := rows.Scan(&p.Symbol, &p.IsLong, &lf); err != nil {
			return nil, err
		}
		p.LeverageFactor, _ = decimal.NewFromString(lf)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row rowScanner) (*model.Environment, error) {
	var env model.Environment
	var idx int64
	var address, owner, feed, fee string
	var lastUpdate *time.Time

	if err := row.Scan(&idx, &address, &owner, &feed, &env.Name, &fee, &lastUpdate, &env.CreatedAt); err != nil {
		return nil, err
	}

	env.Index = uint64(idx)
	env.Address = common.HexToAddress(address)
	env.Owner = common.HexToAddress(owner)
	env.DataFeed = common.HexToAddress(feed)
	env.UsageFee, _ = decimal.NewFromString(fee)
	if lastUpdate != nil {
		env.LastNameUpdate = *lastUpdate
	}
	return &env, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
