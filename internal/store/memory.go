package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orangestock/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// RunInTx holds the write lock for the whole unit of work, so fn must only
// touch the store through the Tx it is given.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	holdings     map[string]*model.Holding
	transactions []model.Transaction
	orders       map[string]*model.LimitOrder
	prices       map[string][]model.PriceObservation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*model.User),
		holdings: make(map[string]*model.Holding),
		orders:   make(map[string]*model.LimitOrder),
		prices:   make(map[string][]model.PriceObservation),
	}
}

func holdingKey(userID, symbol string) string { return userID + "/" + symbol }

// --- Price observations ---

func (s *MemoryStore) AppendPriceObservation(_ context.Context, obs *model.PriceObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[obs.Symbol] = append(s.prices[obs.Symbol], *obs)
	return nil
}

func (s *MemoryStore) QueryPriceHistory(_ context.Context, symbol string, start, end time.Time) ([]model.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceObservation
	for _, o := range s.prices[symbol] {
		if o.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && !o.Timestamp.Before(end) {
			continue
		}
		result = append(result, o)
	}
	return result, nil
}

func (s *MemoryStore) LatestPriceObservation(_ context.Context, symbol string) (*model.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs := s.prices[symbol]
	if len(obs) == 0 {
		return nil, fmt.Errorf("price history for %s: %w", symbol, model.ErrNotFound)
	}
	last := obs[len(obs)-1]
	return &last, nil
}

func (s *MemoryStore) RecentTrades(_ context.Context, symbol string, limit int) ([]model.PriceObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceObservation
	obs := s.prices[symbol]
	for i := len(obs) - 1; i >= 0 && len(result) < limit; i-- {
		if obs[i].Cause == model.CauseBuy || obs[i].Cause == model.CauseSell {
			result = append(result, obs[i])
		}
	}
	return result, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return fmt.Errorf("username %s: %w", u.Username, model.ErrConflict)
		}
		if u.Email != "" && strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("email %s: %w", u.Email, model.ErrConflict)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			copy := *u
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", username, model.ErrNotFound)
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, userID, symbol string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.holdingLocked(userID, symbol), nil
}

func (s *MemoryStore) holdingLocked(userID, symbol string) *model.Holding {
	if h, ok := s.holdings[holdingKey(userID, symbol)]; ok {
		copy := *h
		return &copy
	}
	return &model.Holding{UserID: userID, Symbol: symbol}
}

func (s *MemoryStore) ListHoldings(_ context.Context, symbol string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for _, h := range s.holdings {
		if h.Symbol == symbol {
			result = append(result, *h)
		}
	}
	return result, nil
}

// --- Transactions ---

func (s *MemoryStore) QueryTransactions(_ context.Context, userID string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if s.transactions[i].UserID == userID {
			result = append(result, s.transactions[i])
		}
	}
	return result, nil
}

// --- Limit orders ---

func (s *MemoryStore) GetLimitOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.orderLocked(id)
}

func (s *MemoryStore) orderLocked(id string) (*model.LimitOrder, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("limit order %s: %w", id, model.ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) SaveLimitOrder(_ context.Context, o *model.LimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) QueryActiveLimitOrders(_ context.Context, symbol string) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LimitOrder
	for _, o := range s.orders {
		if o.Symbol == symbol && o.Status == model.OrderActive {
			result = append(result, *o)
		}
	}
	SortFIFO(result)
	return result, nil
}

func (s *MemoryStore) QueryUserLimitOrders(_ context.Context, userID string, status model.OrderStatus) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LimitOrder
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// SortFIFO orders limit orders by creation time, breaking ties by ID.
func SortFIFO(orders []model.LimitOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

// --- Unit of work ---

// RunInTx stages every write in a memTx and applies them only when fn
// succeeds.
func (s *MemoryStore) RunInTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		users:    make(map[string]*model.User),
		holdings: make(map[string]*model.Holding),
		orders:   make(map[string]*model.LimitOrder),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, u := range tx.users {
		s.users[id] = u
	}
	for key, h := range tx.holdings {
		s.holdings[key] = h
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	s.transactions = append(s.transactions, tx.transactions...)
	return nil
}

// memTx buffers writes for MemoryStore.RunInTx. The parent lock is held.
type memTx struct {
	s            *MemoryStore
	users        map[string]*model.User
	holdings     map[string]*model.Holding
	orders       map[string]*model.LimitOrder
	transactions []model.Transaction
}

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	if u, ok := t.users[id]; ok {
		copy := *u
		return &copy, nil
	}
	u, ok := t.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (t *memTx) SaveUser(_ context.Context, u *model.User) error {
	copy := *u
	t.users[u.ID] = &copy
	return nil
}

func (t *memTx) GetHolding(_ context.Context, userID, symbol string) (*model.Holding, error) {
	if h, ok := t.holdings[holdingKey(userID, symbol)]; ok {
		copy := *h
		return &copy, nil
	}
	return t.s.holdingLocked(userID, symbol), nil
}

func (t *memTx) SaveHolding(_ context.Context, h *model.Holding) error {
	copy := *h
	t.holdings[holdingKey(h.UserID, h.Symbol)] = &copy
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, tx *model.Transaction) error {
	t.transactions = append(t.transactions, *tx)
	return nil
}

func (t *memTx) GetLimitOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	if o, ok := t.orders[id]; ok {
		copy := *o
		return &copy, nil
	}
	return t.s.orderLocked(id)
}

func (t *memTx) SaveLimitOrder(_ context.Context, o *model.LimitOrder) error {
	copy := *o
	t.orders[o.ID] = &copy
	return nil
}
