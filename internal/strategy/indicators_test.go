package strategy

import (
	"testing"

	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
)

func candles(closes ...float64) []trading.Candle {
	out := make([]trading.Candle, len(closes))
	for i, c := range closes {
		v := decimal.NewFromFloat(c)
		out[i] = trading.Candle{High: v.Add(decimal.NewFromInt(1)), Low: v.Sub(decimal.NewFromInt(1)), Close: v}
	}
	return out
}

func TestCalculateSMA(t *testing.T) {
	got, ok := CalculateSMA(candles(1, 2, 3, 4, 5), 3)
	if !ok {
		t.Fatal("expected enough data")
	}
	if !got.Equal(decimal.NewFromInt(4)) {
		t.Errorf("SMA = %s, want 4", got)
	}

	if _, ok := CalculateSMA(candles(1, 2), 3); ok {
		t.Error("expected insufficient data")
	}
}

func TestCalculateEMA(t *testing.T) {
	// seed SMA(1,2,3) = 2, k = 0.5: 4*0.5+2*0.5 = 3, 5*0.5+3*0.5 = 4
	got, ok := CalculateEMA(candles(1, 2, 3, 4, 5), 3)
	if !ok {
		t.Fatal("expected enough data")
	}
	if !got.Equal(decimal.NewFromInt(4)) {
		t.Errorf("EMA = %s, want 4", got)
	}

	// constant series stays constant
	flat, _ := CalculateEMA(candles(7, 7, 7, 7, 7, 7), 2)
	if !flat.Equal(decimal.NewFromInt(7)) {
		t.Errorf("EMA of constant series = %s, want 7", flat)
	}
}

func TestExtremes(t *testing.T) {
	c := candles(10, 12, 8, 11)

	low, ok := LowestLow(c, 2)
	if !ok || !low.Equal(decimal.NewFromInt(7)) {
		t.Errorf("LowestLow(2) = %s, %v, want 7", low, ok)
	}
	high, ok := HighestHigh(c, 3)
	if !ok || !high.Equal(decimal.NewFromInt(13)) {
		t.Errorf("HighestHigh(3) = %s, %v, want 13", high, ok)
	}
	if _, ok := LowestLow(nil, 3); ok {
		t.Error("expected no data")
	}
}

func TestDetectTrend(t *testing.T) {
	tests := []struct {
		fast, slow int64
		want       TrendDirection
	}{
		{105, 100, TrendBullish},
		{95, 100, TrendBearish},
		{100, 100, TrendBearish},
	}
	for _, tt := range tests {
		if got := DetectTrend(decimal.NewFromInt(tt.fast), decimal.NewFromInt(tt.slow)); got != tt.want {
			t.Errorf("DetectTrend(%d, %d) = %s, want %s", tt.fast, tt.slow, got, tt.want)
		}
	}
}
