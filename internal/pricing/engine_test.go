package pricing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orangestock/market-engine/internal/model"
	"github.com/orangestock/market-engine/internal/retry"
	"github.com/orangestock/market-engine/internal/store"
)

func zeroSampler() float64 { return 0 }

func newTestEngine(t *testing.T, prices store.PriceStore) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HistoryRetry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	e, err := NewEngine(prices, zeroSampler, cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEngine_MarketSeedsInitialPrice(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := newTestEngine(t, s)

	m, err := e.Market(ctx, model.DefaultSymbol)
	if err != nil {
		t.Fatalf("Market: %v", err)
	}
	if !m.Price().Equal(d(10)) {
		t.Errorf("initial price = %s, want 10", m.Price())
	}

	last, err := s.LatestPriceObservation(ctx, model.DefaultSymbol)
	if err != nil {
		t.Fatalf("initial observation not persisted: %v", err)
	}
	if last.Seq != 1 || last.Cause != model.CauseAdminAdjust {
		t.Errorf("initial observation = %+v", last)
	}

	again, _ := e.Market(ctx, model.DefaultSymbol)
	if again != m {
		t.Error("Market should return the same instance")
	}
}

func TestEngine_MarketResumesFromHistory(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.AppendPriceObservation(ctx, &model.PriceObservation{
		Seq: 41, Symbol: model.DefaultSymbol, Price: d(12.34), Cause: model.CauseFluctuation, Timestamp: time.Now(),
	})

	e := newTestEngine(t, s)
	m, err := e.Market(ctx, model.DefaultSymbol)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Price().Equal(d(12.34)) {
		t.Errorf("price = %s, want 12.34", m.Price())
	}

	obs, err := m.ApplyEvent(ctx, model.CauseFluctuation, 0)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Seq != 42 {
		t.Errorf("seq = %d, want 42", obs.Seq)
	}
}

func TestMarket_ApplyPersistsInOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := newTestEngine(t, s)
	m, _ := e.Market(ctx, model.DefaultSymbol)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cause := model.CauseBuy
			if i%2 == 0 {
				cause = model.CauseSell
			}
			if _, err := m.ApplyEvent(ctx, cause, 10); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	hist, _ := s.QueryPriceHistory(ctx, model.DefaultSymbol, time.Time{}, time.Time{})
	if len(hist) != 51 {
		t.Fatalf("history len = %d, want 51", len(hist))
	}
	for i, o := range hist {
		if o.Seq != int64(i+1) {
			t.Fatalf("hist[%d].Seq = %d, want %d", i, o.Seq, i+1)
		}
	}
	if !hist[len(hist)-1].Price.Equal(m.Price()) {
		t.Errorf("last persisted %s != current %s", hist[len(hist)-1].Price, m.Price())
	}
}

func TestMarket_ForceSetPrice(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, store.NewMemoryStore())
	m, _ := e.Market(ctx, model.DefaultSymbol)

	obs, err := m.ForceSetPrice(ctx, d(15.555), "manual correction")
	if err != nil {
		t.Fatal(err)
	}
	if !obs.Price.Equal(d(15.56)) || obs.Cause != model.CauseAdminAdjust || obs.Reason != "manual correction" {
		t.Errorf("obs = %+v", obs)
	}
	if !m.Price().Equal(d(15.56)) {
		t.Errorf("price = %s, want 15.56", m.Price())
	}

	if _, err := m.ForceSetPrice(ctx, d(0), ""); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

// failingPrices rejects every write with a transient error.
type failingPrices struct {
	*store.MemoryStore
	calls int
}

func (f *failingPrices) AppendPriceObservation(context.Context, *model.PriceObservation) error {
	f.calls++
	return model.ErrUnavailable
}

func TestMarket_HistoryFailureDoesNotBlockPrice(t *testing.T) {
	ctx := context.Background()
	prices := &failingPrices{MemoryStore: store.NewMemoryStore()}
	e := newTestEngine(t, prices)

	m, err := e.Market(ctx, model.DefaultSymbol)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ApplyEvent(ctx, model.CauseBuy, 150); err != nil {
		t.Fatal(err)
	}
	if !m.Price().Equal(d(10.67)) {
		t.Errorf("price = %s, want 10.67", m.Price())
	}
	// Seed plus one event, two attempts each.
	if prices.calls != 4 {
		t.Errorf("append attempts = %d, want 4", prices.calls)
	}
}

func TestEngine_UpdateSettings(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore())

	decay := d(3000)
	got, err := e.UpdateSettings(model.SettingsPatch{VolumeDecayFactor: &decay})
	if err != nil {
		t.Fatal(err)
	}
	if !got.VolumeDecayFactor.Equal(decay) || !e.Settings().VolumeDecayFactor.Equal(decay) {
		t.Errorf("decay not updated: %+v", e.Settings())
	}

	zero := d(0)
	if _, err := e.UpdateSettings(model.SettingsPatch{VolumeDecayFactor: &zero}); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	if !e.Settings().VolumeDecayFactor.Equal(decay) {
		t.Error("rejected update must not change settings")
	}
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialPrice = d(0)
	if _, err := NewEngine(store.NewMemoryStore(), nil, cfg); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}
