package scanner

import (
	"fmt"
	"time"

	"futures-risk-engine/internal/risk"
	"futures-risk-engine/internal/strategy"
	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
)

// Strategy configures one moving-average crossover scan. It is read-only
// once a scan has started.
type Strategy struct {
	ID               string             `json:"id"`
	Symbol           string             `json:"symbol"`
	Timeframe        string             `json:"timeframe"`
	FastPeriod       int                `json:"fast_period"`
	SlowPeriod       int                `json:"slow_period"`
	RiskPercent      decimal.Decimal    `json:"risk_percent"`
	Leverage         int                `json:"leverage"`
	StopLookback     int                `json:"stop_lookback"`
	SLMinPercent     decimal.Decimal    `json:"sl_min_percent"`
	SLMaxPercent     decimal.Decimal    `json:"sl_max_percent"`
	AutoTrigger      bool               `json:"auto_trigger"`
	AutoTriggerStyle trading.OrderStyle `json:"auto_trigger_style,omitempty"`
}

// Validate checks the strategy before a scan starts.
func (s Strategy) Validate() error {
	switch {
	case s.Symbol == "":
		return trading.InvalidInputf("strategy symbol is required")
	case s.Timeframe == "":
		return trading.InvalidInputf("strategy timeframe is required")
	case s.FastPeriod < 1 || s.SlowPeriod < 1:
		return trading.InvalidInputf("moving average periods must be >= 1")
	case s.FastPeriod >= s.SlowPeriod:
		return trading.InvalidInputf("fast period %d must be below slow period %d", s.FastPeriod, s.SlowPeriod)
	case s.StopLookback < 1:
		return trading.InvalidInputf("stop lookback must be >= 1")
	case !s.RiskPercent.IsPositive() || s.RiskPercent.GreaterThan(decimal.NewFromInt(100)):
		return trading.InvalidInputf("risk percent must be in (0, 100], got %s", s.RiskPercent)
	case s.Leverage < 1:
		return trading.InvalidInputf("leverage must be >= 1")
	case s.SLMinPercent.IsNegative():
		return trading.InvalidInputf("sl min percent must be >= 0")
	case s.SLMinPercent.GreaterThan(s.SLMaxPercent):
		return trading.InvalidInputf("sl min percent %s exceeds sl max percent %s", s.SLMinPercent, s.SLMaxPercent)
	case s.AutoTriggerStyle != "" && !s.AutoTriggerStyle.Valid():
		return trading.InvalidInputf("unknown auto trigger style %q", s.AutoTriggerStyle)
	}
	return nil
}

// Bars is the number of candles a snapshot must carry for this strategy.
func (s Strategy) Bars() int {
	bars := s.SlowPeriod * 3
	if s.StopLookback > bars {
		bars = s.StopLookback
	}
	return bars
}

// SideEvaluation is the outcome for one trade direction.
type SideEvaluation struct {
	SLPrice       decimal.Decimal    `json:"sl_price"`
	SLPercent     decimal.Decimal    `json:"sl_percent"`
	PositionSize  decimal.Decimal    `json:"position_size"`
	Sizing        *risk.SizingResult `json:"sizing,omitempty"`
	IsValid       bool               `json:"is_valid"`
	InvalidReason string             `json:"invalid_reason,omitempty"`
}

// SignalEvaluation is the result of one scanner tick.
type SignalEvaluation struct {
	StrategyID  string                  `json:"strategy_id"`
	Symbol      string                  `json:"symbol"`
	Trend       strategy.TrendDirection `json:"trend"`
	Price       decimal.Decimal         `json:"price"`
	FastEMA     decimal.Decimal         `json:"fast_ema"`
	SlowEMA     decimal.Decimal         `json:"slow_ema"`
	Balance     decimal.Decimal         `json:"balance"`
	Long        SideEvaluation          `json:"long"`
	Short       SideEvaluation          `json:"short"`
	EvaluatedAt time.Time               `json:"evaluated_at"`
	// Executable is false when the latest fetch failed; the fields above
	// then describe the last successful tick.
	Executable bool   `json:"executable"`
	DataError  string `json:"data_error,omitempty"`
}

// For returns the evaluation of one direction.
func (e SignalEvaluation) For(side trading.Side) SideEvaluation {
	if side == trading.SideShort {
		return e.Short
	}
	return e.Long
}

// Crossover is a trend flip between two consecutive successful ticks.
type Crossover struct {
	StrategyID string                  `json:"strategy_id"`
	Symbol     string                  `json:"symbol"`
	From       strategy.TrendDirection `json:"from"`
	To         strategy.TrendDirection `json:"to"`
	Price      decimal.Decimal         `json:"price"`
	At         time.Time               `json:"at"`
}

// Direction is the trade direction a crossover points to.
func (c Crossover) Direction() trading.Side {
	if c.To == strategy.TrendBullish {
		return trading.SideLong
	}
	return trading.SideShort
}

func (c Crossover) String() string {
	return fmt.Sprintf("%s %s -> %s at %s", c.Symbol, c.From, c.To, c.Price)
}

// ScannerConfig holds scanner configuration
type ScannerConfig struct {
	ScanInterval     time.Duration
	TickTimeout      time.Duration
	CrossoverHistory int
}

// SubscriptionInfo describes a running scan.
type SubscriptionInfo struct {
	Handle    string            `json:"handle"`
	Strategy  Strategy          `json:"strategy"`
	StartedAt time.Time         `json:"started_at"`
	Ticks     int64             `json:"ticks"`
	Latest    *SignalEvaluation `json:"latest,omitempty"`
}
