package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradegen/vte-engine/internal/logger"
)

// Open connects the configured backend. A non-empty dsn selects Postgres,
// fronted by a read-through cache when rdb is non-nil; otherwise state lives
// in memory. The returned func closes what Open connected.
func Open(ctx context.Context, dsn string, rdb *redis.Client, ttl time.Duration) (Store, func(), error) {
	if dsn == "" {
		logger.Warn("database.dsn not set, using in-memory store (data will not persist)")
		return NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	pg := NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to PostgreSQL")

	if rdb == nil {
		return pg, pool.Close, nil
	}
	logger.Info("Redis cache enabled", "ttl", ttl.String())
	return NewCachedStore(pg, rdb, ttl), pool.Close, nil
}
