package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/model"
)

// StaticSource serves prices from a fixed table. Symbols not in the table
// are quoted at the fallback price.
type StaticSource struct {
	mu       sync.RWMutex
	prices   map[string]decimal.Decimal
	fallback decimal.Decimal
}

// NewStaticSource builds a source from prices with a fallback of 1.
func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	s := &StaticSource{
		prices:   make(map[string]decimal.Decimal, len(prices)),
		fallback: decimal.NewFromInt(1),
	}
	for sym, p := range prices {
		s.prices[sym] = p
	}
	return s
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) LatestPrice(_ context.Context, sym string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prices[sym]; ok {
		return p, nil
	}
	return s.fallback, nil
}

// Set updates one symbol's price.
func (s *StaticSource) Set(sym string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[sym] = price
	s.mu.Unlock()
}

// RedisSource reads prices from a Redis hash keyed by symbol. Values are
// decimal strings written by an upstream price publisher.
type RedisSource struct {
	rdb *redis.Client
	key string
}

func NewRedisSource(rdb *redis.Client, key string) *RedisSource {
	return &RedisSource{rdb: rdb, key: key}
}

func (s *RedisSource) Name() string { return "redis:" + s.key }

func (s *RedisSource) LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	raw, err := s.rdb.HGet(ctx, s.key, sym).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, apperrors.Newf(apperrors.KindNotFound, "no price for %s", sym)
	}
	if err != nil {
		return decimal.Zero, apperrors.Internal(fmt.Sprintf("read price %s", sym), err)
	}
	return parsePrice(sym, raw)
}

func parsePrice(sym, raw string) (decimal.Decimal, error) {
	price, err := model.ParseAmount(raw)
	if err != nil {
		return decimal.Zero, apperrors.Internal(fmt.Sprintf("malformed price for %s", sym), err)
	}
	return price, nil
}
