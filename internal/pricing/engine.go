package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/metrics"
	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/retry"
	"github.com/orangestock/market-engine/internal/store"
)

// Sampler draws the random term of the model, uniform in [-0.5, 0.5).
type Sampler func() float64

// RandomSampler draws from the global math/rand source.
func RandomSampler() float64 {
	return rand.Float64() - 0.5
}

// Config holds the engine's construction parameters.
type Config struct {
	InitialPrice decimal.Decimal
	Floor        decimal.Decimal
	Settings     model.PriceImpactSettings
	HistoryRetry retry.Policy
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		InitialPrice: DefaultInitialPrice,
		Floor:        DefaultFloor,
		Settings:     DefaultSettings(),
		HistoryRetry: retry.DefaultPolicy,
	}
}

// Engine owns the market state of every symbol and the process-wide impact
// settings.
type Engine struct {
	prices store.PriceStore
	sample Sampler
	cfg    Config
	now    func() time.Time

	settingsMu sync.RWMutex
	settings   model.PriceImpactSettings

	mu      sync.Mutex
	markets map[string]*Market
}

// NewEngine creates an engine. A nil sampler uses RandomSampler.
func NewEngine(prices store.PriceStore, sample Sampler, cfg Config) (*Engine, error) {
	if err := ValidateSettings(cfg.Settings); err != nil {
		return nil, err
	}
	if !cfg.InitialPrice.IsPositive() {
		return nil, fmt.Errorf("initial price %s: %w", cfg.InitialPrice, model.ErrInvalidArgument)
	}
	if !cfg.Floor.IsPositive() {
		return nil, fmt.Errorf("price floor %s: %w", cfg.Floor, model.ErrInvalidArgument)
	}
	if sample == nil {
		sample = RandomSampler
	}
	return &Engine{
		prices:   prices,
		sample:   sample,
		cfg:      cfg,
		now:      time.Now,
		settings: cfg.Settings,
		markets:  make(map[string]*Market),
	}, nil
}

// Settings returns a copy of the current impact settings.
func (e *Engine) Settings() model.PriceImpactSettings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// UpdateSettings applies a partial update. Invalid values leave the
// settings untouched.
func (e *Engine) UpdateSettings(p model.SettingsPatch) (model.PriceImpactSettings, error) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()

	next, err := ApplyPatch(e.settings, p)
	if err != nil {
		return e.settings, err
	}
	e.settings = next
	slog.Info("price impact settings updated",
		"buy_multiplier", next.BuyImpactMultiplier.String(),
		"sell_multiplier", next.SellImpactMultiplier.String(),
		"decay", next.VolumeDecayFactor.String(),
		"range", next.RandomFluctuationRange.String(),
	)
	return next, nil
}

// Market returns the state holder for symbol, loading its last persisted
// price on first use. A symbol with no history starts at the configured
// initial price, which is recorded as its first observation.
func (e *Engine) Market(ctx context.Context, symbol string) (*Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.markets[symbol]; ok {
		return m, nil
	}

	m := &Market{engine: e, symbol: symbol}
	m.state.market = m

	last, err := e.prices.LatestPriceObservation(ctx, symbol)
	switch {
	case err == nil:
		m.state.price = last.Price
		m.state.seq = last.Seq
		m.snapshot.Store(last)
	case errors.Is(err, model.ErrNotFound):
		obs := m.state.install(ctx, e.cfg.InitialPrice, model.CauseAdminAdjust, 0, "initial price")
		slog.Info("market seeded", "symbol", symbol, "price", obs.Price.String())
	default:
		return nil, fmt.Errorf("load market %s: %w", symbol, err)
	}

	metrics.CurrentPrice.WithLabelValues(symbol).Set(m.state.price.InexactFloat64())
	e.markets[symbol] = m
	return m, nil
}

// Market is the single writer of one symbol's price. Every price change
// goes through its lock, so the persisted history follows state order.
type Market struct {
	engine *Engine
	symbol string

	mu    sync.Mutex
	state State

	snapshot atomic.Pointer[model.PriceObservation]
}

// Symbol returns the market's symbol.
func (m *Market) Symbol() string { return m.symbol }

// Snapshot returns the latest installed observation without waiting for the
// market lock.
func (m *Market) Snapshot() model.PriceObservation {
	return *m.snapshot.Load()
}

// Price is shorthand for Snapshot().Price.
func (m *Market) Price() decimal.Decimal {
	return m.Snapshot().Price
}

// Exclusive runs fn while holding the symbol lock.
func (m *Market) Exclusive(fn func(s *State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&m.state)
}

// ApplyEvent moves the price for a standalone event such as a fluctuation
// tick.
func (m *Market) ApplyEvent(ctx context.Context, cause model.Cause, quantity int64) (model.PriceObservation, error) {
	var obs model.PriceObservation
	err := m.Exclusive(func(s *State) error {
		var err error
		obs, err = s.Apply(ctx, cause, quantity)
		return err
	})
	return obs, err
}

// ForceSetPrice installs price directly, bypassing the model. The value is
// still floored and rounded.
func (m *Market) ForceSetPrice(ctx context.Context, price decimal.Decimal, reason string) (model.PriceObservation, error) {
	if !price.IsPositive() {
		return model.PriceObservation{}, fmt.Errorf("price %s: %w", price, model.ErrInvalidArgument)
	}
	var obs model.PriceObservation
	m.Exclusive(func(s *State) error {
		obs = s.install(ctx, Normalize(price, m.engine.cfg.Floor), model.CauseAdminAdjust, 0, reason)
		return nil
	})
	slog.Info("price force-set", "symbol", m.symbol, "price", obs.Price.String(), "reason", reason)
	return obs, nil
}

// State is the mutable price of a market. It is only reachable inside
// Market.Exclusive.
type State struct {
	market *Market
	price  decimal.Decimal
	seq    int64
}

// Price returns the price as of this critical section.
func (s *State) Price() decimal.Decimal { return s.price }

// Apply computes the next price for the event, records it and installs it.
func (s *State) Apply(ctx context.Context, cause model.Cause, quantity int64) (model.PriceObservation, error) {
	e := s.market.engine
	next, err := ComputeNextPrice(s.price, cause, quantity, e.Settings(), e.sample(), e.cfg.Floor)
	if err != nil {
		return model.PriceObservation{}, err
	}
	return s.install(ctx, next, cause, quantity, ""), nil
}

// install makes price current and appends it to the history. A history
// write that still fails after retries is logged and dropped; the in-memory
// price is authoritative.
func (s *State) install(ctx context.Context, price decimal.Decimal, cause model.Cause, volume int64, reason string) model.PriceObservation {
	m := s.market
	e := m.engine

	s.seq++
	s.price = price
	obs := model.PriceObservation{
		Seq:       s.seq,
		Symbol:    m.symbol,
		Price:     price,
		Volume:    volume,
		Cause:     cause,
		Reason:    reason,
		Timestamp: e.now().UTC(),
	}
	snap := obs
	m.snapshot.Store(&snap)

	metrics.CurrentPrice.WithLabelValues(m.symbol).Set(price.InexactFloat64())
	metrics.PriceUpdates.WithLabelValues(string(cause)).Inc()

	err := retry.Do(context.WithoutCancel(ctx), e.cfg.HistoryRetry, func(ctx context.Context) error {
		return e.prices.AppendPriceObservation(ctx, &obs)
	})
	if err != nil {
		metrics.PriceHistoryDropped.Inc()
		slog.Error("price observation dropped", "symbol", m.symbol, "seq", obs.Seq, "err", err)
	}
	return obs
}
