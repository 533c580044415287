// Package trade settles market orders against the current price, moves the
// price afterwards, and serves the read models built on the ledger.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/ledger"
	"github.com/orangestock/market-engine/internal/metrics"
	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/pricing"
	"github.com/orangestock/market-engine/internal/retry"
	"github.com/orangestock/market-engine/internal/store"
)

// Publisher receives every price update. Publish must not block.
type Publisher interface {
	Publish(update model.PriceUpdate)
}

// PriceListener is told about every installed price, after the symbol lock
// has been released.
type PriceListener interface {
	OnPriceChange(ctx context.Context, symbol string, price decimal.Decimal)
}

// Request is one market order.
type Request struct {
	UserID   string
	Side     model.Side
	Quantity int64

	// LimitOrderID is set when a triggered limit order is being settled; the
	// order is marked executed in the same unit of work.
	LimitOrderID string
}

// Result describes a settled trade.
type Result struct {
	TransactionID  string          `json:"transaction_id"`
	Side           model.Side      `json:"side"`
	Quantity       int64           `json:"quantity"`
	ExecutedPrice  decimal.Decimal `json:"executed_price"`
	NewMarketPrice decimal.Decimal `json:"new_market_price"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Points         decimal.Decimal `json:"points"`
	Shares         int64           `json:"shares"`
}

// Service settles trades for one symbol. Trades on the symbol are serialized
// by the pricing.Market lock, and per user by the ledger lock.
type Service struct {
	store     store.Store
	engine    *pricing.Engine
	ledger    *ledger.Ledger
	publisher Publisher
	symbol    string
	retry     retry.Policy
	now       func() time.Time

	mu       sync.RWMutex
	listener PriceListener
}

// NewService creates a trade service for model.DefaultSymbol.
// Pass nil for pub if broadcasting is not needed.
func NewService(st store.Store, engine *pricing.Engine, l *ledger.Ledger, pub Publisher) *Service {
	return &Service{
		store:     st,
		engine:    engine,
		ledger:    l,
		publisher: pub,
		symbol:    model.DefaultSymbol,
		retry:     retry.DefaultPolicy,
		now:       time.Now,
	}
}

// SetPriceListener registers the component re-evaluated after every price
// change (the limit order book).
func (s *Service) SetPriceListener(l PriceListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Symbol returns the traded symbol.
func (s *Service) Symbol() string { return s.symbol }

// ExecuteTrade settles req at the current market price. Balances, holdings
// and the transaction record commit together before the price moves; any
// failure before commit leaves both the ledger and the price untouched.
func (s *Service) ExecuteTrade(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if err := validate(req); err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	market, err := s.engine.Market(ctx, s.symbol)
	if err != nil {
		return nil, err
	}

	var res Result
	var obs model.PriceObservation
	err = market.Exclusive(func(st *pricing.State) error {
		unlock := s.ledger.LockUser(req.UserID)
		defer unlock()

		if err := ctx.Err(); err != nil {
			return err
		}

		price := st.Price()
		res = Result{
			TransactionID: uuid.New().String(),
			Side:          req.Side,
			Quantity:      req.Quantity,
			ExecutedPrice: price,
			TotalAmount:   price.Mul(decimal.NewFromInt(req.Quantity)),
		}

		// Past this point the caller can no longer cancel the trade.
		work := context.WithoutCancel(ctx)
		err := retry.Do(work, s.retry, func(ctx context.Context) error {
			return s.store.RunInTx(ctx, func(tx store.Tx) error {
				return s.settle(ctx, tx, req, &res)
			})
		})
		if err != nil {
			return err
		}

		obs, err = st.Apply(work, model.Cause(req.Side), req.Quantity)
		if err != nil {
			// The ledger already committed; the price simply stays put.
			slog.Error("price update after trade failed", "trade_id", res.TransactionID, "err", err)
			obs = market.Snapshot()
		}
		res.NewMarketPrice = obs.Price
		return nil
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.TradeVolume.WithLabelValues(s.symbol, string(req.Side)).Add(float64(req.Quantity))
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", res.TransactionID,
		"user", req.UserID,
		"side", req.Side,
		"qty", req.Quantity,
		"price", res.ExecutedPrice.String(),
		"total", res.TotalAmount.String(),
		"new_price", res.NewMarketPrice.String(),
		"limit_order", req.LimitOrderID,
	)

	s.priceChanged(ctx, obs)
	return &res, nil
}

func validate(req Request) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("user is required: %w", model.ErrInvalidArgument)
	case !req.Side.Valid():
		return fmt.Errorf("side %q must be buy or sell: %w", req.Side, model.ErrInvalidArgument)
	case req.Quantity <= 0:
		return fmt.Errorf("quantity %d must be positive: %w", req.Quantity, model.ErrInvalidArgument)
	}
	return nil
}

// settle applies one trade inside tx.
func (s *Service) settle(ctx context.Context, tx store.Tx, req Request, res *Result) error {
	var order *model.LimitOrder
	if req.LimitOrderID != "" {
		o, err := tx.GetLimitOrder(ctx, req.LimitOrderID)
		if err != nil {
			return err
		}
		switch {
		case o.Status != model.OrderActive:
			return fmt.Errorf("limit order %s is %s: %w", o.ID, o.Status, model.ErrConflict)
		case o.UserID != req.UserID:
			return fmt.Errorf("limit order %s: %w", o.ID, model.ErrForbidden)
		case o.Side != req.Side || o.Quantity != req.Quantity:
			return fmt.Errorf("request does not match limit order %s: %w", o.ID, model.ErrInvalidArgument)
		}
		order = o
	}

	var user *model.User
	var holding *model.Holding
	var err error
	switch req.Side {
	case model.SideBuy:
		if user, err = s.ledger.Debit(ctx, tx, req.UserID, res.TotalAmount); err != nil {
			return err
		}
		if holding, err = s.ledger.AdjustHolding(ctx, tx, req.UserID, s.symbol, req.Quantity, res.ExecutedPrice); err != nil {
			return err
		}
	case model.SideSell:
		if holding, err = s.ledger.AdjustHolding(ctx, tx, req.UserID, s.symbol, -req.Quantity, res.ExecutedPrice); err != nil {
			return err
		}
		if user, err = s.ledger.Credit(ctx, tx, req.UserID, res.TotalAmount); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	err = tx.AppendTransaction(ctx, &model.Transaction{
		ID:           res.TransactionID,
		UserID:       req.UserID,
		Symbol:       s.symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        res.ExecutedPrice,
		TotalAmount:  res.TotalAmount,
		LimitOrderID: req.LimitOrderID,
		Timestamp:    now,
	})
	if err != nil {
		return err
	}

	if order != nil {
		order.Status = model.OrderExecuted
		order.ExecutedAt = &now
		order.ExecutedPrice = res.ExecutedPrice
		if err := tx.SaveLimitOrder(ctx, order); err != nil {
			return err
		}
	}

	res.Points = user.Points
	res.Shares = holding.Shares
	return nil
}

// Fluctuate applies one random fluctuation to the price.
func (s *Service) Fluctuate(ctx context.Context) (model.PriceObservation, error) {
	market, err := s.engine.Market(ctx, s.symbol)
	if err != nil {
		return model.PriceObservation{}, err
	}
	obs, err := market.ApplyEvent(ctx, model.CauseFluctuation, 0)
	if err != nil {
		return model.PriceObservation{}, err
	}
	s.priceChanged(ctx, obs)
	return obs, nil
}

// RunFluctuation applies a fluctuation every interval until ctx is done.
func (s *Service) RunFluctuation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("price fluctuation started", "symbol", s.symbol, "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("price fluctuation stopped", "symbol", s.symbol)
			return
		case <-ticker.C:
			if _, err := s.Fluctuate(ctx); err != nil && ctx.Err() == nil {
				slog.Error("price fluctuation failed", "symbol", s.symbol, "err", err)
			}
		}
	}
}

// ForceSetPrice sets the price directly on behalf of an administrator.
func (s *Service) ForceSetPrice(ctx context.Context, price decimal.Decimal, reason string) (model.PriceObservation, error) {
	market, err := s.engine.Market(ctx, s.symbol)
	if err != nil {
		return model.PriceObservation{}, err
	}
	obs, err := market.ForceSetPrice(ctx, price, reason)
	if err != nil {
		return model.PriceObservation{}, err
	}
	s.priceChanged(ctx, obs)
	return obs, nil
}

// Settings returns the current price impact settings.
func (s *Service) Settings() model.PriceImpactSettings {
	return s.engine.Settings()
}

// UpdateSettings applies a partial settings update.
func (s *Service) UpdateSettings(p model.SettingsPatch) (model.PriceImpactSettings, error) {
	return s.engine.UpdateSettings(p)
}

// priceChanged publishes obs and hands the new price to the listener.
func (s *Service) priceChanged(ctx context.Context, obs model.PriceObservation) {
	if s.publisher != nil {
		s.publisher.Publish(model.PriceUpdate{
			Symbol:    obs.Symbol,
			Price:     obs.Price,
			Cause:     obs.Cause,
			Volume:    obs.Volume,
			Timestamp: obs.Timestamp,
		})
	}

	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l != nil {
		l.OnPriceChange(context.WithoutCancel(ctx), obs.Symbol, obs.Price)
	}
}

// --- Read models ---

// CurrentPrice returns the latest observation of the symbol.
func (s *Service) CurrentPrice(ctx context.Context) (model.PriceObservation, error) {
	market, err := s.engine.Market(ctx, s.symbol)
	if err != nil {
		return model.PriceObservation{}, err
	}
	return market.Snapshot(), nil
}

// PriceHistory returns the observations of the named period (1h, 24h, 7d,
// 30d), oldest first.
func (s *Service) PriceHistory(ctx context.Context, period string) ([]model.PriceObservation, error) {
	d, err := pricing.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	return s.store.QueryPriceHistory(ctx, s.symbol, s.now().Add(-d), time.Time{})
}

// Stats summarizes the named period.
func (s *Service) Stats(ctx context.Context, period string) (pricing.Stats, error) {
	obs, err := s.PriceHistory(ctx, period)
	if err != nil {
		return pricing.Stats{}, err
	}
	cur, err := s.CurrentPrice(ctx)
	if err != nil {
		return pricing.Stats{}, err
	}
	st := pricing.Summarize(obs, cur.Price)
	st.Symbol = s.symbol
	return st, nil
}

// RecentTrades returns the latest trade-driven observations, newest first.
func (s *Service) RecentTrades(ctx context.Context, limit int) ([]model.PriceObservation, error) {
	return s.store.RecentTrades(ctx, s.symbol, clampLimit(limit, 20, 100))
}

// Transactions returns the user's trades, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	return s.store.QueryTransactions(ctx, userID, clampLimit(limit, 50, 500))
}

// Portfolio marks the user's position to the current price.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	h, err := s.store.GetHolding(ctx, userID, s.symbol)
	if err != nil {
		return nil, err
	}
	cur, err := s.CurrentPrice(ctx)
	if err != nil {
		return nil, err
	}

	shares := decimal.NewFromInt(h.Shares)
	value := cur.Price.Mul(shares)
	return &model.Portfolio{
		UserID:        userID,
		Points:        u.Points,
		Symbol:        s.symbol,
		Shares:        h.Shares,
		AverageCost:   h.AverageCost,
		CurrentPrice:  cur.Price,
		CurrentValue:  value,
		UnrealizedPnL: value.Sub(h.AverageCost.Mul(shares)).Round(2),
		TotalAssets:   u.Points.Add(value),
	}, nil
}

// Rankings orders users by total assets (points plus shares at the current
// price), highest first.
func (s *Service) Rankings(ctx context.Context, limit int) ([]model.Ranking, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	holdings, err := s.store.ListHoldings(ctx, s.symbol)
	if err != nil {
		return nil, err
	}
	cur, err := s.CurrentPrice(ctx)
	if err != nil {
		return nil, err
	}

	shares := make(map[string]int64, len(holdings))
	for _, h := range holdings {
		shares[h.UserID] = h.Shares
	}

	rows := make([]model.Ranking, 0, len(users))
	for _, u := range users {
		n := shares[u.ID]
		rows = append(rows, model.Ranking{
			UserID:      u.ID,
			Username:    u.Username,
			Points:      u.Points,
			Shares:      n,
			TotalAssets: u.Points.Add(cur.Price.Mul(decimal.NewFromInt(n))),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].TotalAssets.GreaterThan(rows[j].TotalAssets)
	})

	limit = clampLimit(limit, 10, 100)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func clampLimit(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// rejectReason labels a failed trade for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrForbidden):
		return "forbidden"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}
