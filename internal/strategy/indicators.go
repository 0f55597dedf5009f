// Package strategy holds the indicator math behind the crossover signal.
package strategy

import (
	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
)

// divPrecision keeps indicator values reproducible across runs.
const divPrecision int32 = 16

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// CalculateSMA calculates the Simple Moving Average of the last period closes.
// It returns false when there are fewer than period candles.
func CalculateSMA(candles []trading.Candle, period int) (decimal.Decimal, bool) {
	if period < 1 || len(candles) < period {
		return decimal.Zero, false
	}

	sum := decimal.Zero
	for _, c := range candles[len(candles)-period:] {
		sum = sum.Add(c.Close)
	}
	return sum.DivRound(decimal.NewFromInt(int64(period)), divPrecision), true
}

// CalculateEMA calculates the Exponential Moving Average of the closes,
// seeded with the SMA of the first period candles.
func CalculateEMA(candles []trading.Candle, period int) (decimal.Decimal, bool) {
	if period < 1 || len(candles) < period {
		return decimal.Zero, false
	}

	ema, _ := CalculateSMA(candles[:period], period)
	multiplier := decimal.NewFromInt(2).DivRound(decimal.NewFromInt(int64(period+1)), divPrecision)
	keep := decimal.NewFromInt(1).Sub(multiplier)

	for _, c := range candles[period:] {
		ema = c.Close.Mul(multiplier).Add(ema.Mul(keep)).Round(divPrecision)
	}
	return ema, true
}

// ============================================================================
// SUPPORT AND RESISTANCE
// ============================================================================

// LowestLow returns the lowest low of the last lookback candles.
func LowestLow(candles []trading.Candle, lookback int) (decimal.Decimal, bool) {
	window, ok := tail(candles, lookback)
	if !ok {
		return decimal.Zero, false
	}
	low := window[0].Low
	for _, c := range window[1:] {
		if c.Low.LessThan(low) {
			low = c.Low
		}
	}
	return low, true
}

// HighestHigh returns the highest high of the last lookback candles.
func HighestHigh(candles []trading.Candle, lookback int) (decimal.Decimal, bool) {
	window, ok := tail(candles, lookback)
	if !ok {
		return decimal.Zero, false
	}
	high := window[0].High
	for _, c := range window[1:] {
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}
	return high, true
}

func tail(candles []trading.Candle, n int) ([]trading.Candle, bool) {
	if n < 1 || len(candles) == 0 {
		return nil, false
	}
	if n > len(candles) {
		n = len(candles)
	}
	return candles[len(candles)-n:], true
}

// ============================================================================
// TREND DETECTION
// ============================================================================

// TrendDirection represents the current trend
type TrendDirection string

const (
	TrendBullish TrendDirection = "BULLISH"
	TrendBearish TrendDirection = "BEARISH"
)

// DetectTrend is BULLISH iff the fast average is strictly above the slow one.
func DetectTrend(fast, slow decimal.Decimal) TrendDirection {
	if fast.GreaterThan(slow) {
		return TrendBullish
	}
	return TrendBearish
}
