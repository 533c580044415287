package pricing

import (
	"errors"
	"testing"
	"time"

	"github.com/orangestock/market-engine/internal/model"
)

func TestSummarize(t *testing.T) {
	obs := []model.PriceObservation{
		{Seq: 1, Symbol: "ORANGE", Price: d(10), Cause: model.CauseFluctuation},
		{Seq: 2, Symbol: "ORANGE", Price: d(10.67), Volume: 150, Cause: model.CauseBuy},
		{Seq: 3, Symbol: "ORANGE", Price: d(9.5), Volume: 40, Cause: model.CauseSell},
		{Seq: 4, Symbol: "ORANGE", Price: d(11), Cause: model.CauseAdminAdjust},
	}
	st := Summarize(obs, d(11))

	if !st.Open.Equal(d(10)) || !st.High.Equal(d(11)) || !st.Low.Equal(d(9.5)) {
		t.Errorf("open/high/low = %s/%s/%s", st.Open, st.High, st.Low)
	}
	if !st.Average.Equal(d(10.29)) {
		t.Errorf("average = %s, want 10.29", st.Average)
	}
	if st.BuyVolume != 150 || st.SellVolume != 40 {
		t.Errorf("volumes = %d/%d", st.BuyVolume, st.SellVolume)
	}
	if !st.TradedAmount.Equal(d(1980.5)) {
		t.Errorf("traded amount = %s, want 1980.5", st.TradedAmount)
	}
	if !st.Change.Equal(d(1)) || !st.ChangePercent.Equal(d(10)) {
		t.Errorf("change = %s (%s%%)", st.Change, st.ChangePercent)
	}
	if st.Observations != 4 || st.Symbol != "ORANGE" {
		t.Errorf("observations = %d, symbol = %q", st.Observations, st.Symbol)
	}
}

func TestSummarize_EmptyWindow(t *testing.T) {
	st := Summarize(nil, d(12))
	if !st.Open.Equal(d(12)) || !st.Low.Equal(d(12)) || !st.ChangePercent.IsZero() {
		t.Errorf("empty window stats = %+v", st)
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 24 * time.Hour},
		{"1h", time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParsePeriod(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParsePeriod(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParsePeriod("1y"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}
