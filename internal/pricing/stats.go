package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orangestock/market-engine/internal/model"
)

// Stats summarizes a window of price history.
type Stats struct {
	Symbol        string          `json:"symbol"`
	Current       decimal.Decimal `json:"current_price"`
	Open          decimal.Decimal `json:"open_price"`
	High          decimal.Decimal `json:"high_price"`
	Low           decimal.Decimal `json:"low_price"`
	Average       decimal.Decimal `json:"average_price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	BuyVolume     int64           `json:"buy_volume"`
	SellVolume    int64           `json:"sell_volume"`
	TradedAmount  decimal.Decimal `json:"traded_amount"` // volume valued at the post-trade price
	Observations  int             `json:"observations"`
}

// Summarize computes window statistics over obs, which must be in Seq order.
// The window opens at its first observation; an empty window reports the
// current price for every level.
func Summarize(obs []model.PriceObservation, current decimal.Decimal) Stats {
	st := Stats{
		Current:      current,
		Open:         current,
		High:         current,
		Low:          current,
		Average:      current,
		Change:       decimal.Zero,
		TradedAmount: decimal.Zero,
		Observations: len(obs),
	}
	if len(obs) == 0 {
		st.ChangePercent = decimal.Zero
		return st
	}

	st.Symbol = obs[0].Symbol
	st.Open = obs[0].Price
	st.High = obs[0].Price
	st.Low = obs[0].Price
	sum := decimal.Zero
	for _, o := range obs {
		sum = sum.Add(o.Price)
		if o.Price.GreaterThan(st.High) {
			st.High = o.Price
		}
		if o.Price.LessThan(st.Low) {
			st.Low = o.Price
		}
		switch o.Cause {
		case model.CauseBuy:
			st.BuyVolume += o.Volume
			st.TradedAmount = st.TradedAmount.Add(o.Price.Mul(decimal.NewFromInt(o.Volume)))
		case model.CauseSell:
			st.SellVolume += o.Volume
			st.TradedAmount = st.TradedAmount.Add(o.Price.Mul(decimal.NewFromInt(o.Volume)))
		}
	}
	st.Average = sum.Div(decimal.NewFromInt(int64(len(obs)))).Round(PriceScale)
	st.Change = current.Sub(st.Open)
	st.ChangePercent = st.Change.Div(st.Open).Mul(decimal.NewFromInt(100)).Round(2)
	return st
}

var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParsePeriod maps a history period name (1h, 24h, 7d, 30d) to its length.
// The empty string means 24h.
func ParsePeriod(p string) (time.Duration, error) {
	if p == "" {
		p = "24h"
	}
	d, ok := periods[p]
	if !ok {
		return 0, fmt.Errorf("period %q: %w", p, model.ErrInvalidArgument)
	}
	return d, nil
}
