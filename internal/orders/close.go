package orders

import (
	"context"
	"fmt"
	"time"

	"futures-risk-engine/internal/events"
	"futures-risk-engine/internal/metrics"
	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Closer resolves partial-close intents into quantities and submits them as
// reduce-only orders.
type Closer struct {
	gateway   trading.Gateway
	lots      trading.LotFilterSource
	ids       *ClientOrderIDGenerator
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewCloser creates a closer. When the gateway also implements
// trading.LotFilterSource, quantities are floored to the symbol's lot step.
func NewCloser(gateway trading.Gateway, ids *ClientOrderIDGenerator, publisher events.Publisher, logger zerolog.Logger) *Closer {
	if ids == nil {
		ids = NewClientOrderIDGenerator(nil, "", logger)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	c := &Closer{
		gateway:   gateway,
		ids:       ids,
		publisher: publisher,
		logger:    logger.With().Str("component", "Closer").Logger(),
	}
	if lots, ok := gateway.(trading.LotFilterSource); ok {
		c.lots = lots
	}
	return c
}

// ValidateCloseIntent checks the intent on its own, without a position.
func ValidateCloseIntent(intent CloseIntent) error {
	switch {
	case intent.Symbol == "":
		return trading.InvalidInputf("symbol is required")
	case !intent.Side.Valid():
		return trading.InvalidInputf("side must be LONG or SHORT, got %q", intent.Side)
	case intent.Percent == nil && intent.NotionalAmount == nil:
		return trading.InvalidInputf("one of percent or notional amount is required")
	case intent.Percent != nil && intent.NotionalAmount != nil:
		return trading.InvalidInputf("percent and notional amount are mutually exclusive")
	}
	if p := intent.Percent; p != nil && (!p.IsPositive() || p.GreaterThan(hundred)) {
		return trading.InvalidInputf("close percent must be in (0, 100], got %s", p)
	}
	if n := intent.NotionalAmount; n != nil && !n.IsPositive() {
		return trading.InvalidInputf("close notional amount must be > 0, got %s", n)
	}

	style := intent.Style
	if style == "" {
		style = trading.StyleMarket
	}
	if !style.Valid() {
		return trading.InvalidInputf("unknown order style %q", intent.Style)
	}
	if style == trading.StyleLimit && (intent.LimitPrice == nil || !intent.LimitPrice.IsPositive()) {
		return trading.InvalidInputf("limit price is required for LIMIT closes")
	}
	return nil
}

// Resolve computes the quantity to close: position quantity * percent / 100
// or notional / mark price, clamped to the position quantity and floored to
// the lot step.
func Resolve(intent CloseIntent, pos trading.Position, lot trading.LotFilter) (decimal.Decimal, error) {
	if err := ValidateCloseIntent(intent); err != nil {
		return decimal.Zero, err
	}
	if err := pos.Validate(); err != nil {
		return decimal.Zero, err
	}
	if pos.Symbol != intent.Symbol || pos.Side != intent.Side {
		return decimal.Zero, trading.InvalidInputf("position %s %s does not match close %s %s", pos.Symbol, pos.Side, intent.Symbol, intent.Side)
	}

	var qty decimal.Decimal
	if intent.Percent != nil {
		qty = pos.Quantity.Mul(*intent.Percent).Div(hundred)
	} else {
		qty = intent.NotionalAmount.DivRound(pos.MarkPrice, 16)
	}
	if qty.GreaterThan(pos.Quantity) {
		qty = pos.Quantity
	}
	qty = lot.Floor(qty)

	if !qty.IsPositive() || (lot.MinQty.IsPositive() && qty.LessThan(lot.MinQty)) {
		return decimal.Zero, fmt.Errorf("%w: resolved %s for %s (min %s, step %s)",
			trading.ErrBelowMinimumSize, qty, intent.Symbol, lot.MinQty, lot.StepSize)
	}
	return qty, nil
}

// Close resolves the intent against pos and submits one reduce-only order.
// Gateway errors are returned verbatim and never retried.
func (c *Closer) Close(ctx context.Context, intent CloseIntent, pos trading.Position) (res CloseResult, err error) {
	if intent.Style == "" {
		intent.Style = trading.StyleMarket
	}
	defer func() { metrics.IncClose(string(intent.Style), err) }()

	if err := ValidateCloseIntent(intent); err != nil {
		return CloseResult{}, err
	}

	var lot trading.LotFilter
	if c.lots != nil {
		if lot, err = c.lots.LotFilter(ctx, intent.Symbol); err != nil {
			c.logger.Warn().Err(err).Str("symbol", intent.Symbol).Msg("Lot filter unavailable, closing unrounded")
			lot = trading.LotFilter{}
		}
	}

	qty, err := Resolve(intent, pos, lot)
	if err != nil {
		return CloseResult{}, err
	}

	req := trading.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side.CloseOrderSide(),
		PositionSide:  intent.Side,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: c.ids.Generate(ctx, TagClose),
	}
	switch intent.Style {
	case trading.StyleMarket:
		req.Type = trading.OrderTypeMarket
	case trading.StyleLimit:
		price := *intent.LimitPrice
		req.Type = trading.OrderTypeLimit
		req.Price = &price
	case trading.StyleBBO:
		req.Type = trading.OrderTypeLimit
		req.PriceMatch = trading.PriceMatchQueue
	}

	start := time.Now()
	result, err := c.gateway.SubmitOrder(ctx, req)
	metrics.ObserveGateway("submit", start)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", intent.Symbol).Str("side", string(intent.Side)).Str("quantity", qty.String()).Msg("Close order rejected")
		return CloseResult{}, trading.NewGatewayError("submit", err)
	}

	c.logger.Info().
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("style", string(intent.Style)).
		Str("quantity", qty.String()).
		Str("order_id", result.OrderID).
		Msg("Position reduce order submitted")
	c.publisher.Publish(events.Event{
		Type: events.EventPositionReduced,
		Data: map[string]interface{}{
			"symbol":   intent.Symbol,
			"side":     string(intent.Side),
			"style":    string(intent.Style),
			"quantity": qty.String(),
			"order_id": result.OrderID,
		},
	})
	return CloseResult{Quantity: qty, Order: result}, nil
}
