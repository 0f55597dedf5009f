// Package risk converts a risk budget and a stop distance into a position
// size and the margin it needs.
package risk

import (
	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
)

// divPrecision fixes the scale of every division so that repeated calls
// with the same inputs agree digit for digit regardless of package globals.
const divPrecision int32 = 16

var hundred = decimal.NewFromInt(100)

// SizingRequest is the input of Size. Side is optional: when set, the stop
// must sit on the losing side of the entry.
type SizingRequest struct {
	Balance     decimal.Decimal `json:"balance"`
	RiskPercent decimal.Decimal `json:"risk_percent"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	Leverage    int             `json:"leverage"`
	Side        trading.Side    `json:"side,omitempty"`
}

// SizingResult is the output of Size.
type SizingResult struct {
	RiskAmount          decimal.Decimal `json:"risk_amount"`
	StopDistancePercent decimal.Decimal `json:"stop_distance_percent"`
	NotionalSize        decimal.Decimal `json:"notional_size"`
	Quantity            decimal.Decimal `json:"quantity"`
	MarginRequired      decimal.Decimal `json:"margin_required"`
}

// Size computes the position size for a risk budget.
//
//	risk_amount           = balance * risk% / 100
//	stop_distance_percent = |entry - stop| / entry * 100
//	notional_size         = risk_amount / (stop_distance_percent / 100)
//	quantity              = notional_size / entry
//	margin_required       = notional_size / leverage
//
// Every precondition is checked before dividing, so a zero stop distance is
// an ErrInvalidInput and never an infinite size.
func Size(req SizingRequest) (SizingResult, error) {
	if err := validate(req); err != nil {
		return SizingResult{}, err
	}

	riskAmount := req.Balance.Mul(req.RiskPercent).DivRound(hundred, divPrecision)
	distance := req.EntryPrice.Sub(req.StopPrice).Abs()
	distancePct := distance.Mul(hundred).DivRound(req.EntryPrice, divPrecision)
	if !distancePct.IsPositive() {
		// distance underflowed the division scale
		return SizingResult{}, trading.InvalidInputf("stop distance rounds to zero (entry %s, stop %s)", req.EntryPrice, req.StopPrice)
	}

	notional := riskAmount.Mul(hundred).DivRound(distancePct, divPrecision)
	quantity := notional.DivRound(req.EntryPrice, divPrecision)
	margin := notional.DivRound(decimal.NewFromInt(int64(req.Leverage)), divPrecision)

	return SizingResult{
		RiskAmount:          riskAmount,
		StopDistancePercent: distancePct,
		NotionalSize:        notional,
		Quantity:            quantity,
		MarginRequired:      margin,
	}, nil
}

// StopDistancePercent returns |entry - stop| / entry * 100.
func StopDistancePercent(entry, stop decimal.Decimal) (decimal.Decimal, error) {
	if !entry.IsPositive() {
		return decimal.Zero, trading.InvalidInputf("entry price must be > 0")
	}
	return entry.Sub(stop).Abs().Mul(hundred).DivRound(entry, divPrecision), nil
}

func validate(req SizingRequest) error {
	switch {
	case !req.Balance.IsPositive():
		return trading.InvalidInputf("balance must be > 0, got %s", req.Balance)
	case !req.RiskPercent.IsPositive() || req.RiskPercent.GreaterThan(hundred):
		return trading.InvalidInputf("risk percent must be in (0, 100], got %s", req.RiskPercent)
	case !req.EntryPrice.IsPositive():
		return trading.InvalidInputf("entry price must be > 0, got %s", req.EntryPrice)
	case !req.StopPrice.IsPositive():
		return trading.InvalidInputf("stop price must be > 0, got %s", req.StopPrice)
	case req.EntryPrice.Equal(req.StopPrice):
		return trading.InvalidInputf("stop price equals entry price (%s): stop distance is zero", req.EntryPrice)
	case req.Leverage < 1:
		return trading.InvalidInputf("leverage must be >= 1, got %d", req.Leverage)
	}

	switch req.Side {
	case "":
	case trading.SideLong:
		if req.StopPrice.GreaterThan(req.EntryPrice) {
			return trading.InvalidInputf("long stop %s must be below entry %s", req.StopPrice, req.EntryPrice)
		}
	case trading.SideShort:
		if req.StopPrice.LessThan(req.EntryPrice) {
			return trading.InvalidInputf("short stop %s must be above entry %s", req.StopPrice, req.EntryPrice)
		}
	default:
		return trading.InvalidInputf("unknown side %q", req.Side)
	}
	return nil
}
