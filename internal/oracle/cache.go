package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/btcdash/btcledger/internal/money"
)

const cachePrefix = "rate:v1:"

// RedisCache memoizes another oracle's quotes in Redis. Cache failures are
// treated as misses so a Redis outage only costs latency.
type RedisCache struct {
	source Oracle
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache wraps source with a Redis-backed cache.
func NewRedisCache(source Oracle, client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{source: source, client: client, ttl: ttl, logger: logger}
}

func cacheKey(from, to money.Currency) string {
	return fmt.Sprintf("%s%s:%s", cachePrefix, from, to)
}

func (c *RedisCache) Rate(ctx context.Context, from, to money.Currency, at time.Time) (money.Rate, error) {
	key := cacheKey(from, to)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rate money.Rate
		if jsonErr := json.Unmarshal(raw, &rate); jsonErr == nil {
			return rate, nil
		}
		c.logger.Warn("rate cache entry unreadable", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("rate cache read failed", "key", key, "error", err)
	}

	rate, err := c.source.Rate(ctx, from, to, at)
	if err != nil {
		return money.Rate{}, err
	}

	if payload, err := json.Marshal(rate); err == nil {
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("rate cache write failed", "key", key, "error", err)
		}
	}
	return rate, nil
}
