package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orangestock/market-engine/internal/model"
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

func (s *CachedStore) AppendPriceObservation(ctx context.Context, obs *model.PriceObservation) error {
	if err := s.primary.AppendPriceObservation(ctx, obs); err != nil {
		return err
	}
	s.set(ctx, latestPriceKey(obs.Symbol), obs)
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.set(ctx, userKey(u.ID), u)
	return nil
}

func (s *CachedStore) SaveLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	return s.primary.SaveLimitOrder(ctx, o)
}

// RunInTx delegates to the primary and, once it commits, drops every cached
// user and holding the unit of work touched.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tracked := &trackingTx{}
	err := s.primary.RunInTx(ctx, func(tx Tx) error {
		tracked.Tx = tx
		return fn(tracked)
	})
	if err != nil {
		return err
	}
	if len(tracked.keys) > 0 {
		s.rdb.Del(ctx, tracked.keys...)
	}
	return nil
}

// trackingTx records the cache keys invalidated by a unit of work.
type trackingTx struct {
	Tx
	keys []string
}

func (t *trackingTx) SaveUser(ctx context.Context, u *model.User) error {
	t.keys = append(t.keys, userKey(u.ID))
	return t.Tx.SaveUser(ctx, u)
}

func (t *trackingTx) SaveHolding(ctx context.Context, h *model.Holding) error {
	t.keys = append(t.keys, holdingCacheKey(h.UserID, h.Symbol))
	return t.Tx.SaveHolding(ctx, h)
}

// --- Read-through (check cache first) ---

// Cached users carry no password hash (it is excluded from JSON), so
// credential checks go through GetUserByUsername, which is not cached.

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.get(ctx, userKey(id), &u) {
		return &u, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, userKey(id), got)
	return got, nil
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, symbol string) (*model.Holding, error) {
	var h model.Holding
	if s.get(ctx, holdingCacheKey(userID, symbol), &h) {
		return &h, nil
	}

	got, err := s.primary.GetHolding(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}
	s.set(ctx, holdingCacheKey(userID, symbol), got)
	return got, nil
}

func (s *CachedStore) LatestPriceObservation(ctx context.Context, symbol string) (*model.PriceObservation, error) {
	var o model.PriceObservation
	if s.get(ctx, latestPriceKey(symbol), &o) {
		return &o, nil
	}

	got, err := s.primary.LatestPriceObservation(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.set(ctx, latestPriceKey(symbol), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) QueryPriceHistory(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceObservation, error) {
	return s.primary.QueryPriceHistory(ctx, symbol, start, end)
}

func (s *CachedStore) RecentTrades(ctx context.Context, symbol string, limit int) ([]model.PriceObservation, error) {
	return s.primary.RecentTrades(ctx, symbol, limit)
}

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.primary.GetUserByUsername(ctx, username)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListHoldings(ctx context.Context, symbol string) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, symbol)
}

func (s *CachedStore) QueryTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	return s.primary.QueryTransactions(ctx, userID, limit)
}

func (s *CachedStore) GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.primary.GetLimitOrder(ctx, id)
}

func (s *CachedStore) QueryActiveLimitOrders(ctx context.Context, symbol string) ([]model.LimitOrder, error) {
	return s.primary.QueryActiveLimitOrders(ctx, symbol)
}

func (s *CachedStore) QueryUserLimitOrders(ctx context.Context, userID string, status model.OrderStatus) ([]model.LimitOrder, error) {
	return s.primary.QueryUserLimitOrders(ctx, userID, status)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(id string) string               { return fmt.Sprintf("user:%s", id) }
func latestPriceKey(sym string) string       { return fmt.Sprintf("price:latest:%s", sym) }
func holdingCacheKey(uid, sym string) string { return fmt.Sprintf("holding:%s:%s", uid, sym) }
