package scanner

import (
	"fmt"
	"time"

	"futures-risk-engine/internal/risk"
	"futures-risk-engine/internal/strategy"
	"futures-risk-engine/internal/trading"
)

// Evaluate scores a snapshot against a strategy. It performs no I/O.
func Evaluate(s Strategy, snap trading.MarketSnapshot) SignalEvaluation {
	evaluatedAt := snap.FetchedAt
	if evaluatedAt.IsZero() {
		evaluatedAt = time.Now()
	}
	return SignalEvaluation{
		StrategyID:  s.ID,
		Symbol:      s.Symbol,
		Trend:       strategy.DetectTrend(snap.FastEMA, snap.SlowEMA),
		Price:       snap.Price,
		FastEMA:     snap.FastEMA,
		SlowEMA:     snap.SlowEMA,
		Balance:     snap.Balance,
		Long:        evaluateSide(s, snap, trading.SideLong),
		Short:       evaluateSide(s, snap, trading.SideShort),
		EvaluatedAt: evaluatedAt,
		Executable:  true,
	}
}

// evaluateSide places the stop at the extreme of the lookback window (the
// lowest low for LONG, the highest high for SHORT) and sizes the position
// against it.
func evaluateSide(s Strategy, snap trading.MarketSnapshot, side trading.Side) SideEvaluation {
	var out SideEvaluation

	if !snap.Price.IsPositive() {
		return invalid(out, "price unavailable")
	}
	if len(snap.Candles) < s.StopLookback {
		return invalid(out, fmt.Sprintf("insufficient candles: have %d, need %d", len(snap.Candles), s.StopLookback))
	}

	if side == trading.SideLong {
		out.SLPrice, _ = strategy.LowestLow(snap.Candles, s.StopLookback)
	} else {
		out.SLPrice, _ = strategy.HighestHigh(snap.Candles, s.StopLookback)
	}
	out.SLPercent, _ = risk.StopDistancePercent(snap.Price, out.SLPrice)

	sizing, err := risk.Size(risk.SizingRequest{
		Balance:     snap.Balance,
		RiskPercent: s.RiskPercent,
		EntryPrice:  snap.Price,
		StopPrice:   out.SLPrice,
		Leverage:    s.Leverage,
		Side:        side,
	})
	if err != nil {
		return invalid(out, err.Error())
	}
	out.Sizing = &sizing
	out.PositionSize = sizing.Quantity

	switch {
	case out.SLPercent.LessThan(s.SLMinPercent):
		return invalid(out, fmt.Sprintf("stop distance %s%% is below minimum %s%%", out.SLPercent.StringFixed(2), s.SLMinPercent))
	case out.SLPercent.GreaterThan(s.SLMaxPercent):
		return invalid(out, fmt.Sprintf("stop distance %s%% exceeds maximum %s%%", out.SLPercent.StringFixed(2), s.SLMaxPercent))
	}

	out.IsValid = true
	return out
}

func invalid(out SideEvaluation, reason string) SideEvaluation {
	out.IsValid = false
	out.InvalidReason = reason
	return out
}
