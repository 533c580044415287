// Package pricing implements the logarithmic market-impact model that forms
// the price of a symbol, and the per-symbol market state that owns it.
//
// Buys push the price up and sells push it down by
//
//	impact = ln(1 + quantity/decay) * multiplier
//
// scaled by a bounded random term. Transcendental math runs in float64 and is
// converted to decimal immediately; stored prices are always decimal with
// two places.
package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/model"
)

var (
	// DefaultFloor is the lowest price the model will produce.
	DefaultFloor = decimal.New(1, -2)

	// DefaultInitialPrice seeds a symbol with no history.
	DefaultInitialPrice = decimal.NewFromInt(10)

	// PriceScale is the number of decimal places kept for prices.
	PriceScale int32 = 2
)

// DefaultSettings returns the impact parameters a fresh engine starts with.
func DefaultSettings() model.PriceImpactSettings {
	return model.PriceImpactSettings{
		BuyImpactMultiplier:    decimal.NewFromFloat(0.7),
		SellImpactMultiplier:   decimal.NewFromFloat(0.7),
		VolumeDecayFactor:      decimal.NewFromInt(1500),
		RandomFluctuationRange: decimal.NewFromFloat(0.02),
	}
}

// ValidateSettings checks multipliers >= 0, decay > 0 and range in [0, 1].
func ValidateSettings(s model.PriceImpactSettings) error {
	switch {
	case s.BuyImpactMultiplier.IsNegative():
		return fmt.Errorf("buy impact multiplier %s: %w", s.BuyImpactMultiplier, model.ErrInvalidArgument)
	case s.SellImpactMultiplier.IsNegative():
		return fmt.Errorf("sell impact multiplier %s: %w", s.SellImpactMultiplier, model.ErrInvalidArgument)
	case !s.VolumeDecayFactor.IsPositive():
		return fmt.Errorf("volume decay factor %s: %w", s.VolumeDecayFactor, model.ErrInvalidArgument)
	case s.RandomFluctuationRange.IsNegative() || s.RandomFluctuationRange.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("random fluctuation range %s: %w", s.RandomFluctuationRange, model.ErrInvalidArgument)
	}
	return nil
}

// ApplyPatch returns s with the non-nil fields of p applied. The result is
// validated as a whole; s is never modified.
func ApplyPatch(s model.PriceImpactSettings, p model.SettingsPatch) (model.PriceImpactSettings, error) {
	if p.BuyImpactMultiplier != nil {
		s.BuyImpactMultiplier = *p.BuyImpactMultiplier
	}
	if p.SellImpactMultiplier != nil {
		s.SellImpactMultiplier = *p.SellImpactMultiplier
	}
	if p.VolumeDecayFactor != nil {
		s.VolumeDecayFactor = *p.VolumeDecayFactor
	}
	if p.RandomFluctuationRange != nil {
		s.RandomFluctuationRange = *p.RandomFluctuationRange
	}
	if err := ValidateSettings(s); err != nil {
		return model.PriceImpactSettings{}, err
	}
	return s, nil
}

// Normalize floors price and rounds it to PriceScale places, half away
// from zero.
func Normalize(price, floor decimal.Decimal) decimal.Decimal {
	if price.LessThan(floor) {
		price = floor
	}
	return price.Round(PriceScale)
}

// ComputeNextPrice returns the price after an event of the given cause.
// sample must lie in [-0.5, 0.5]; the caller draws it so the function stays
// deterministic. quantity is ignored for fluctuations.
func ComputeNextPrice(current decimal.Decimal, cause model.Cause, quantity int64, settings model.PriceImpactSettings, sample float64, floor decimal.Decimal) (decimal.Decimal, error) {
	if !current.IsPositive() {
		return decimal.Zero, fmt.Errorf("current price %s: %w", current, model.ErrInvalidArgument)
	}
	if quantity < 0 {
		return decimal.Zero, fmt.Errorf("quantity %d: %w", quantity, model.ErrInvalidArgument)
	}
	if math.IsNaN(sample) || sample < -0.5 || sample > 0.5 {
		return decimal.Zero, fmt.Errorf("sample %v: %w", sample, model.ErrInvalidArgument)
	}

	noise := 1 + sample*settings.RandomFluctuationRange.InexactFloat64()

	var factor float64
	switch cause {
	case model.CauseBuy:
		factor = (1 + impact(quantity, settings.VolumeDecayFactor, settings.BuyImpactMultiplier)) * noise
	case model.CauseSell:
		factor = (1 - impact(quantity, settings.VolumeDecayFactor, settings.SellImpactMultiplier)) * noise
	case model.CauseFluctuation:
		factor = noise
	default:
		return decimal.Zero, fmt.Errorf("cause %q: %w", cause, model.ErrInvalidArgument)
	}

	if math.IsNaN(factor) || math.IsInf(factor, 0) {
		return decimal.Zero, fmt.Errorf("pricing: non-finite factor for %s x%d", cause, quantity)
	}
	return Normalize(current.Mul(decimal.NewFromFloat(factor)), floor), nil
}

// impact computes ln(1 + q/decay) * multiplier.
func impact(quantity int64, decay, multiplier decimal.Decimal) float64 {
	return math.Log1p(float64(quantity)/decay.InexactFloat64()) * multiplier.InexactFloat64()
}
