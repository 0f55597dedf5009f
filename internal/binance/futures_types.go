package binance

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ==================== ENUMS ====================

// PositionSide represents position side for hedge mode
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// FuturesOrderType represents futures order types
type FuturesOrderType string

const (
	FuturesOrderTypeLimit            FuturesOrderType = "LIMIT"
	FuturesOrderTypeMarket           FuturesOrderType = "MARKET"
	FuturesOrderTypeStopMarket       FuturesOrderType = "STOP_MARKET"
	FuturesOrderTypeTakeProfitMarket FuturesOrderType = "TAKE_PROFIT_MARKET"
)

// IsConditional reports whether the order type goes through the algo
// order endpoint.
func (t FuturesOrderType) IsConditional() bool {
	return t == FuturesOrderTypeStopMarket || t == FuturesOrderTypeTakeProfitMarket
}

// TimeInForce represents time in force options
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceGTX TimeInForce = "GTX"
)

// WorkingType represents the price type used to trigger conditional orders
type WorkingType string

const (
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
)

// PriceMatch lets the exchange pick a limit price from the book.
type PriceMatch string

const (
	PriceMatchNone      PriceMatch = "NONE"
	PriceMatchOpponent  PriceMatch = "OPPONENT"
	PriceMatchQueue     PriceMatch = "QUEUE"
	PriceMatchOpponent5 PriceMatch = "OPPONENT_5"
	PriceMatchQueue5    PriceMatch = "QUEUE_5"
)

// AlgoType represents the algo order category
type AlgoType string

const AlgoTypeConditional AlgoType = "CONDITIONAL"

// ==================== ERRORS ====================

// Binance error codes the gateway cares about.
const (
	CodeCancelRejected  = -2011 // Unknown order sent
	CodeNoSuchOrder     = -2013 // Order does not exist
	CodeTooManyRequests = -1003
)

// APIError is an error payload returned by the exchange.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d (http %d): %s", e.Code, e.StatusCode, e.Msg)
}

// IsOrderNotFound reports whether err says the order is unknown to the
// exchange, typically because it already filled or was cancelled.
func IsOrderNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeCancelRejected || apiErr.Code == CodeNoSuchOrder
}

// ==================== ACCOUNT & POSITIONS ====================

// FuturesAccountInfo represents futures account information
type FuturesAccountInfo struct {
	CanTrade              bool            `json:"canTrade"`
	TotalWalletBalance    decimal.Decimal `json:"totalWalletBalance"`
	TotalUnrealizedProfit decimal.Decimal `json:"totalUnrealizedProfit"`
	AvailableBalance      decimal.Decimal `json:"availableBalance"`
	Assets                []FuturesAsset  `json:"assets"`
}

// FuturesAsset represents an asset in the futures account
type FuturesAsset struct {
	Asset            string          `json:"asset"`
	WalletBalance    decimal.Decimal `json:"walletBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// Balance returns the wallet balance of one asset, zero if absent.
func (a *FuturesAccountInfo) Balance(asset string) decimal.Decimal {
	for _, as := range a.Assets {
		if as.Asset == asset {
			return as.WalletBalance
		}
	}
	return decimal.Zero
}

// FuturesPosition represents a futures position from positionRisk
type FuturesPosition struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnrealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	Leverage         int             `json:"leverage,string"`
	MarginType       string          `json:"marginType"`
	PositionSide     PositionSide    `json:"positionSide"`
	UpdateTime       int64           `json:"updateTime"`
}

// LeverageResponse represents response from leverage change
type LeverageResponse struct {
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
	Symbol           string `json:"symbol"`
}

// ==================== ORDERS ====================

// FuturesOrderParams represents parameters for placing a futures order.
// Nil decimals are not sent.
type FuturesOrderParams struct {
	Symbol           string
	Side             string // BUY or SELL
	PositionSide     PositionSide
	Type             FuturesOrderType
	Quantity         decimal.Decimal
	Price            *decimal.Decimal
	TimeInForce      TimeInForce
	ReduceOnly       bool
	PriceMatch       PriceMatch
	NewClientOrderId string
}

// FuturesOrderResponse represents response from placing a futures order
type FuturesOrderResponse struct {
	OrderId       int64           `json:"orderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	ClientOrderId string          `json:"clientOrderId"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Type          string          `json:"type"`
	Side          string          `json:"side"`
	PositionSide  string          `json:"positionSide"`
	UpdateTime    int64           `json:"updateTime"`
}

// AlgoOrderParams represents parameters for a conditional (algo) order
type AlgoOrderParams struct {
	Symbol       string
	Side         string
	PositionSide PositionSide
	Type         FuturesOrderType
	Quantity     decimal.Decimal
	TriggerPrice decimal.Decimal
	WorkingType  WorkingType
	ReduceOnly   bool
	ClientAlgoId string
}

// AlgoOrderResponse represents response from placing an algo order
type AlgoOrderResponse struct {
	AlgoId       int64           `json:"algoId"`
	ClientAlgoId string          `json:"clientAlgoId"`
	AlgoType     string          `json:"algoType"`
	OrderType    string          `json:"orderType"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	PositionSide string          `json:"positionSide"`
	AlgoStatus   string          `json:"algoStatus"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	Quantity     decimal.Decimal `json:"quantity"`
	CreateTime   int64           `json:"createTime"`
}

// ==================== MARKET DATA ====================

// MarkPrice represents the premium index of a symbol
type MarkPrice struct {
	Symbol          string          `json:"symbol"`
	MarkPrice       decimal.Decimal `json:"markPrice"`
	IndexPrice      decimal.Decimal `json:"indexPrice"`
	LastFundingRate decimal.Decimal `json:"lastFundingRate"`
	Time            int64           `json:"time"`
}

// Kline represents a candlestick. The exchange encodes it as a JSON array.
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// UnmarshalJSON decodes [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "kline is not an array")
	}
	if len(raw) < 7 {
		return errors.Errorf("kline has %d fields, want at least 7", len(raw))
	}
	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return errors.Wrap(err, "kline open time")
	}
	for i, dst := range []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		if err := dst.UnmarshalJSON(raw[i+1]); err != nil {
			return errors.Wrapf(err, "kline field %d", i+1)
		}
	}
	if err := json.Unmarshal(raw[6], &k.CloseTime); err != nil {
		return errors.Wrap(err, "kline close time")
	}
	return nil
}

// ==================== EXCHANGE INFO ====================

// FuturesExchangeInfo represents futures exchange information
type FuturesExchangeInfo struct {
	ServerTime int64               `json:"serverTime"`
	Symbols    []FuturesSymbolInfo `json:"symbols"`
}

// FuturesSymbolInfo represents a futures symbol's info
type FuturesSymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// SymbolFilter is one entry of a symbol's filters. Only the fields of the
// filters the engine reads are decoded.
type SymbolFilter struct {
	FilterType string          `json:"filterType"`
	MinQty     decimal.Decimal `json:"minQty"`
	MaxQty     decimal.Decimal `json:"maxQty"`
	StepSize   decimal.Decimal `json:"stepSize"`
	TickSize   decimal.Decimal `json:"tickSize"`
}

// LotSize returns the LOT_SIZE filter of a symbol.
func (s FuturesSymbolInfo) LotSize() (SymbolFilter, bool) {
	for _, f := range s.Filters {
		if f.FilterType == "LOT_SIZE" {
			return f, true
		}
	}
	return SymbolFilter{}, false
}
