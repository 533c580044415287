package pricing

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/orangestock/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestComputeNextPrice(t *testing.T) {
	settings := DefaultSettings()
	tests := []struct {
		name    string
		current float64
		cause   model.Cause
		qty     int64
		sample  float64
		want    float64
	}{
		{"buy 150 from 10", 10, model.CauseBuy, 150, 0, 10.67},
		{"sell 150 from 10", 10, model.CauseSell, 150, 0, 9.33},
		{"buy zero quantity", 10, model.CauseBuy, 0, 0, 10},
		{"fluctuation up", 10, model.CauseFluctuation, 0, 0.5, 10.10},
		{"fluctuation down", 10, model.CauseFluctuation, 0, -0.5, 9.90},
		{"fluctuation ignores quantity", 10, model.CauseFluctuation, 5000, 0, 10},
		{"buy with noise", 10, model.CauseBuy, 150, 0.5, 10.77},
		{"sell floors at minimum", 10, model.CauseSell, 100000, 0, 0.01},
		{"sell at floor stays", 0.01, model.CauseSell, 10, 0, 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeNextPrice(d(tt.current), tt.cause, tt.qty, settings, tt.sample, DefaultFloor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(d(tt.want)) {
				t.Errorf("ComputeNextPrice = %s, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeNextPrice_InvalidArguments(t *testing.T) {
	settings := DefaultSettings()
	tests := []struct {
		name    string
		current float64
		cause   model.Cause
		qty     int64
		sample  float64
	}{
		{"zero price", 0, model.CauseBuy, 1, 0},
		{"negative price", -1, model.CauseBuy, 1, 0},
		{"negative quantity", 10, model.CauseSell, -1, 0},
		{"admin adjust is not a model cause", 10, model.CauseAdminAdjust, 0, 0},
		{"unknown cause", 10, model.Cause("split"), 0, 0},
		{"sample out of range", 10, model.CauseFluctuation, 0, 0.7},
		{"sample NaN", 10, model.CauseFluctuation, 0, math.NaN()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeNextPrice(d(tt.current), tt.cause, tt.qty, settings, tt.sample, DefaultFloor)
			if !errors.Is(err, model.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{10.005, 10.01},
		{10.004, 10},
		{0.001, 0.01},
		{-3, 0.01},
		{12.345, 12.35},
	}
	for _, tt := range tests {
		if got := Normalize(d(tt.in), DefaultFloor); !got.Equal(d(tt.want)) {
			t.Errorf("Normalize(%v) = %s, want %v", tt.in, got, tt.want)
		}
	}
}

func TestApplyPatch(t *testing.T) {
	base := DefaultSettings()
	buy := d(1.2)
	got, err := ApplyPatch(base, model.SettingsPatch{BuyImpactMultiplier: &buy})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.BuyImpactMultiplier.Equal(buy) {
		t.Errorf("buy multiplier = %s, want 1.2", got.BuyImpactMultiplier)
	}
	if !got.SellImpactMultiplier.Equal(base.SellImpactMultiplier) {
		t.Error("unset fields must keep their value")
	}

	bad := []model.SettingsPatch{
		{BuyImpactMultiplier: ptr(d(-0.1))},
		{SellImpactMultiplier: ptr(d(-1))},
		{VolumeDecayFactor: ptr(d(0))},
		{RandomFluctuationRange: ptr(d(1.5))},
		{RandomFluctuationRange: ptr(d(-0.01))},
	}
	for i, p := range bad {
		if _, err := ApplyPatch(base, p); !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("patch %d: err = %v, want ErrInvalidArgument", i, err)
		}
	}
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

// drawPrice draws a valid two-place price between 0.01 and 10000.
func drawPrice(t *rapid.T) decimal.Decimal {
	return decimal.New(rapid.Int64Range(1, 1_000_000).Draw(t, "cents"), -2)
}

func TestProperty_BuyNeverLowersPrice(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		current := drawPrice(t)
		qty := rapid.Int64Range(0, 1_000_000).Draw(t, "qty")

		got, err := ComputeNextPrice(current, model.CauseBuy, qty, DefaultSettings(), 0, DefaultFloor)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.LessThan(current) {
			t.Fatalf("buy %d moved %s down to %s", qty, current, got)
		}
	})
}

func TestProperty_SellNeverRaisesPrice(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		current := drawPrice(t)
		qty := rapid.Int64Range(0, 1_000_000).Draw(t, "qty")

		got, err := ComputeNextPrice(current, model.CauseSell, qty, DefaultSettings(), 0, DefaultFloor)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.GreaterThan(current) {
			t.Fatalf("sell %d moved %s up to %s", qty, current, got)
		}
	})
}

func TestProperty_ResultIsFlooredAndRounded(t *testing.T) {
	causes := []model.Cause{model.CauseBuy, model.CauseSell, model.CauseFluctuation}
	rapid.Check(t, func(t *rapid.T) {
		current := drawPrice(t)
		cause := rapid.SampledFrom(causes).Draw(t, "cause")
		qty := rapid.Int64Range(0, 10_000_000).Draw(t, "qty")
		sample := rapid.Float64Range(-0.5, 0.5).Draw(t, "sample")

		got, err := ComputeNextPrice(current, cause, qty, DefaultSettings(), sample, DefaultFloor)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.LessThan(DefaultFloor) {
			t.Fatalf("price %s below floor", got)
		}
		if !got.Equal(got.Round(PriceScale)) {
			t.Fatalf("price %s has more than %d places", got, PriceScale)
		}
	})
}

func TestProperty_BuyImpactMonotonicInQuantity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		current := drawPrice(t)
		small := rapid.Int64Range(0, 100_000).Draw(t, "small")
		large := small + rapid.Int64Range(0, 100_000).Draw(t, "extra")

		a, _ := ComputeNextPrice(current, model.CauseBuy, small, DefaultSettings(), 0, DefaultFloor)
		b, _ := ComputeNextPrice(current, model.CauseBuy, large, DefaultSettings(), 0, DefaultFloor)
		if b.LessThan(a) {
			t.Fatalf("buying %d gave %s, buying %d gave %s", small, a, large, b)
		}
	})
}
