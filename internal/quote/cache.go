package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// DefaultCacheTTL is how long a live quote is reused.
const DefaultCacheTTL = 5 * time.Minute

// RedisCache wraps a Source with a shared Redis price cache. Only prices the
// wrapped source actually returned are cached.
type RedisCache struct {
	next Source
	rdb  *redis.Client
	ttl  time.Duration
}

// NewRedisCache creates a caching wrapper around next.
func NewRedisCache(next Source, rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{next: next, rdb: rdb, ttl: ttl}
}

func (c *RedisCache) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	// Check Redis cache first.
	cached, err := c.rdb.Get(ctx, priceKey(symbol)).Result()
	if err == nil {
		if px, err := decimal.NewFromString(cached); err == nil {
			return px, nil
		}
	}

	px, err := c.next.CurrentPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	c.rdb.Set(ctx, priceKey(symbol), px.String(), c.ttl)
	return px, nil
}

func priceKey(symbol string) string { return fmt.Sprintf("stock:%s:price", symbol) }
