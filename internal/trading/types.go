// Package trading holds the domain types shared by the risk engine components
// and the collaborator contracts they consume (order gateway, market data).
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ==================== ENUMS ====================

// Side is the direction of a position. Quantity is always positive; the
// direction lives here, never in the sign.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is LONG or SHORT.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// EntryOrderSide returns the order side that opens or adds to a position.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseOrderSide returns the order side that reduces a position.
func (s Side) CloseOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ParseSide accepts LONG/SHORT as well as the BUY/SELL aliases used by the UI.
func ParseSide(v string) (Side, error) {
	switch v {
	case "LONG", "long", "BUY", "buy":
		return SideLong, nil
	case "SHORT", "short", "SELL", "sell":
		return SideShort, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidInput, v)
}

// OrderSide is the exchange order side.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// ProtectiveKind distinguishes stop-loss from take-profit orders.
type ProtectiveKind string

const (
	KindStop       ProtectiveKind = "STOP"
	KindTakeProfit ProtectiveKind = "TAKE_PROFIT"
)

// Valid reports whether k is a known kind.
func (k ProtectiveKind) Valid() bool {
	return k == KindStop || k == KindTakeProfit
}

// OrderType mirrors the subset of futures order types the engine submits.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderTypeFor returns the conditional order type used for a protective kind.
func OrderTypeFor(kind ProtectiveKind) OrderType {
	if kind == KindTakeProfit {
		return OrderTypeTakeProfitMarket
	}
	return OrderTypeStopMarket
}

// OrderStyle is how a close or entry order meets the book.
type OrderStyle string

const (
	StyleMarket OrderStyle = "MARKET"
	StyleLimit  OrderStyle = "LIMIT"
	// StyleBBO rests a LIMIT order at the best price on the order's own side of
	// the book so it fills as maker. The price is chosen by the exchange at
	// acceptance time through a price-match instruction.
	StyleBBO OrderStyle = "BBO"
)

// Valid reports whether s is a known style.
func (s OrderStyle) Valid() bool {
	return s == StyleMarket || s == StyleLimit || s == StyleBBO
}

// PriceMatch is an exchange-side pricing instruction for LIMIT orders.
type PriceMatch string

const (
	PriceMatchNone  PriceMatch = ""
	PriceMatchQueue PriceMatch = "QUEUE"
)

// ==================== POSITIONS & ORDERS ====================

// OrderRef points at a resting order on the exchange.
type OrderRef struct {
	OrderID string          `json:"order_id"`
	Price   decimal.Decimal `json:"price"`
}

// Position is a snapshot of an open exchange position.
type Position struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	Leverage   int             `json:"leverage"`
	StopOrder  *OrderRef       `json:"stop_order,omitempty"`
	TPOrder    *OrderRef       `json:"tp_order,omitempty"`
}

// Validate checks the structural invariants of a position snapshot.
func (p Position) Validate() error {
	switch {
	case p.Symbol == "":
		return fmt.Errorf("%w: position symbol is empty", ErrInvalidInput)
	case !p.Side.Valid():
		return fmt.Errorf("%w: position side %q", ErrInvalidInput, p.Side)
	case !p.Quantity.IsPositive():
		return fmt.Errorf("%w: position quantity must be > 0", ErrInvalidInput)
	case !p.MarkPrice.IsPositive():
		return fmt.Errorf("%w: position mark price must be > 0", ErrInvalidInput)
	}
	return nil
}

// OrderRequest is the argument of Gateway.SubmitOrder. Price and StopPrice
// are optional; nil means "not sent", never zero.
type OrderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	PositionSide  Side             `json:"position_side"`
	Type          OrderType        `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	ReduceOnly    bool             `json:"reduce_only"`
	PriceMatch    PriceMatch       `json:"price_match,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// OrderResult is what the gateway reports for an accepted order.
type OrderResult struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// ==================== MARKET DATA ====================

// Candle is the part of a kline the engine needs.
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
}

// MarketSnapshot is an immutable view of a symbol at one instant. Candles
// are ordered oldest first.
type MarketSnapshot struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Price     decimal.Decimal `json:"price"`
	FastEMA   decimal.Decimal `json:"fast_ema"`
	SlowEMA   decimal.Decimal `json:"slow_ema"`
	Balance   decimal.Decimal `json:"balance"`
	Candles   []Candle        `json:"candles"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// SnapshotRequest describes what a snapshot must contain.
type SnapshotRequest struct {
	Symbol     string
	Timeframe  string
	FastPeriod int
	SlowPeriod int
	Bars       int // candles returned for stop lookback
}

// LotFilter holds the exchange quantity constraints of a symbol.
type LotFilter struct {
	MinQty   decimal.Decimal `json:"min_qty"`
	StepSize decimal.Decimal `json:"step_size"`
}

// Floor rounds q down to the step size. A zero step leaves q unchanged.
func (f LotFilter) Floor(q decimal.Decimal) decimal.Decimal {
	if !f.StepSize.IsPositive() {
		return q
	}
	return q.Div(f.StepSize).Floor().Mul(f.StepSize)
}

// ==================== COLLABORATORS ====================

// Gateway is the exchange order API consumed by the engine.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// CancelOrder returns an error matching ErrNotFound when the order is no
	// longer resting.
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// GetOpenPosition returns an error matching ErrNotFound when no position
	// is open for (symbol, side).
	GetOpenPosition(ctx context.Context, symbol string, side Side) (Position, error)
}

// SnapshotProvider supplies market snapshots. Failures match ErrUnavailable.
type SnapshotProvider interface {
	FetchMarketSnapshot(ctx context.Context, req SnapshotRequest) (MarketSnapshot, error)
}

// LotFilterSource is implemented by gateways that know symbol lot sizes.
type LotFilterSource interface {
	LotFilter(ctx context.Context, symbol string) (LotFilter, error)
}

// LeverageSetter is implemented by gateways that can change symbol leverage.
type LeverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// PositionLister is implemented by gateways that can list every open
// position of the account in one call.
type PositionLister interface {
	OpenPositions(ctx context.Context) ([]Position, error)
}
