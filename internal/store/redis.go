package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/papertrade/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and invalidate the cache; reads check Redis
// first then fall back to the primary.
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

func (s *CachedStore) WithPortfolio(ctx context.Context, userID string, fn func(Tx) error) error {
	var touched []string
	err := s.primary.WithPortfolio(ctx, userID, func(tx Tx) error {
		ct := &cachedTx{Tx: tx}
		err := fn(ct)
		touched = ct.orders
		return err
	})
	if err != nil {
		return err
	}

	// Bump the generation before deleting so a reader that loaded the old
	// portfolio cannot put it back; next read will re-populate.
	keys := []string{portfolioKey(userID)}
	for _, id := range touched {
		keys = append(keys, orderKey(id))
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "user_id", userID, "err", err)
	}
	return nil
}

// cachedTx records which orders a transaction modified.
type cachedTx struct {
	Tx
	orders []string
}

func (t *cachedTx) UpdateOrder(orderID string, fn func(*model.Order) error) error {
	if err := t.Tx.UpdateOrder(orderID, fn); err != nil {
		return err
	}
	t.orders = append(t.orders, orderID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioKey(userID)).Bytes()
	if err == nil {
		var p model.Portfolio
		if json.Unmarshal(data, &p) == nil {
			if p.Positions == nil {
				p.Positions = make(map[string]model.Position)
			}
			return &p, nil
		}
	}

	// Cache miss: read from primary, noting the generation first.
	gen, err := generation(ctx, s.rdb, userID)
	if err != nil {
		return s.primary.GetPortfolio(ctx, userID)
	}
	p, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Unsaved defaults are not cached; their timestamps are synthetic.
	if p.Version > 0 {
		s.cachePortfolio(ctx, p, gen)
	}
	return p, nil
}

// cachePortfolio stores p only if no write committed since gen was read.
func (s *CachedStore) cachePortfolio(ctx context.Context, p *model.Portfolio, gen int64) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	genKey := generationKey(p.UserID)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := generation(ctx, tx, p.UserID)
		if err != nil || cur != gen {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, portfolioKey(p.UserID), data, s.ttl)
			return nil
		})
		return err
	}, genKey)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		slog.Warn("cache populate failed", "user_id", p.UserID, "err", err)
	}
}

// getter is satisfied by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// generation returns userID's write counter; zero before the first write.
func generation(ctx context.Context, c getter, userID string) (int64, error) {
	gen, err := c.Get(ctx, generationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	data, err := s.rdb.Get(ctx, orderKey(orderID)).Bytes()
	if err == nil {
		var o model.Order
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	o, err := s.primary.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, orderKey(orderID), o)
	return o, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, userID)
}

func (s *CachedStore) ListPendingOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.ListPendingOrders(ctx, userID)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string, since time.Time) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID, since)
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func portfolioKey(uid string) string { return fmt.Sprintf("portfolio:%s", uid) }
func orderKey(id string) string      { return fmt.Sprintf("order:%s", id) }

// generationKey lives without a TTL so it survives the cached value.
func generationKey(uid string) string { return fmt.Sprintf("portfolio:%s:gen", uid) }
