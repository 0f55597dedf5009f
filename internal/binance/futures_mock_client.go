package binance

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// FuturesMockClient implements FuturesAPI in memory for dry-run mode.
// Orders fill immediately at the provider's price; conditional orders rest
// until cancelled. Positions are kept per symbol and position side.
type FuturesMockClient struct {
	mu            sync.RWMutex
	positions     map[string]*FuturesPosition
	algoOrders    map[int64]*AlgoOrderResponse
	leverage      map[string]int
	balance       decimal.Decimal
	nextOrderId   int64
	priceProvider func(symbol string) (decimal.Decimal, error)
	rng           *rand.Rand
}

var defaultMockPrice = decimal.NewFromInt(50000)

// NewFuturesMockClient creates a new mock futures client. priceProvider may
// be nil, in which case every symbol trades at 50000.
func NewFuturesMockClient(initialBalance decimal.Decimal, priceProvider func(symbol string) (decimal.Decimal, error)) *FuturesMockClient {
	return &FuturesMockClient{
		positions:     make(map[string]*FuturesPosition),
		algoOrders:    make(map[int64]*AlgoOrderResponse),
		leverage:      make(map[string]int),
		balance:       initialBalance,
		nextOrderId:   1000,
		priceProvider: priceProvider,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *FuturesMockClient) price(symbol string) (decimal.Decimal, error) {
	if c.priceProvider == nil {
		return defaultMockPrice, nil
	}
	p, err := c.priceProvider(symbol)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to get current price")
	}
	return p, nil
}

func positionKey(symbol string, side PositionSide) string {
	return symbol + "_" + string(side)
}

// ==================== ACCOUNT ====================

func (c *FuturesMockClient) GetAccount(ctx context.Context) (*FuturesAccountInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &FuturesAccountInfo{
		CanTrade:           true,
		TotalWalletBalance: c.balance,
		AvailableBalance:   c.balance,
		Assets: []FuturesAsset{
			{Asset: "USDT", WalletBalance: c.balance, AvailableBalance: c.balance},
		},
	}, nil
}

func (c *FuturesMockClient) GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []FuturesPosition
	for _, pos := range c.positions {
		if symbol != "" && pos.Symbol != symbol {
			continue
		}
		mark, err := c.price(pos.Symbol)
		if err != nil {
			return nil, err
		}
		p := *pos
		p.MarkPrice = mark
		p.UnrealizedProfit = mark.Sub(p.EntryPrice).Mul(p.PositionAmt)
		out = append(out, p)
	}
	return out, nil
}

func (c *FuturesMockClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverage[symbol] = leverage
	for _, pos := range c.positions {
		if pos.Symbol == symbol {
			pos.Leverage = leverage
		}
	}
	return &LeverageResponse{Symbol: symbol, Leverage: leverage}, nil
}

// ==================== TRADING ====================

func (c *FuturesMockClient) PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	if !params.Quantity.IsPositive() {
		return nil, errors.WithStack(&APIError{StatusCode: http.StatusBadRequest, Code: -4003, Msg: "Quantity less than or equal to zero."})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	executionPrice, err := c.price(params.Symbol)
	if err != nil {
		return nil, err
	}
	if params.Type == FuturesOrderTypeLimit && params.Price != nil {
		executionPrice = *params.Price
	}

	orderId := c.nextOrderId
	c.nextOrderId++

	side := params.PositionSide
	if side == "" {
		side = PositionSideBoth
	}
	key := positionKey(params.Symbol, side)
	pos, exists := c.positions[key]
	if !exists {
		lev := c.leverage[params.Symbol]
		if lev == 0 {
			lev = 20
		}
		pos = &FuturesPosition{
			Symbol:       params.Symbol,
			Leverage:     lev,
			MarginType:   "cross",
			PositionSide: side,
		}
		c.positions[key] = pos
	}

	qty := params.Quantity
	if params.Side == "SELL" {
		qty = qty.Neg()
	}
	oldAmt := pos.PositionAmt
	newAmt := oldAmt.Add(qty)

	switch {
	case newAmt.IsZero():
		delete(c.positions, key)
	case oldAmt.IsZero():
		pos.EntryPrice = executionPrice
		pos.PositionAmt = newAmt
	case oldAmt.Sign() == qty.Sign():
		// Adding to position - average entry price
		cost := pos.EntryPrice.Mul(oldAmt.Abs()).Add(executionPrice.Mul(qty.Abs()))
		pos.EntryPrice = cost.DivRound(newAmt.Abs(), 16)
		pos.PositionAmt = newAmt
	default:
		// Reducing keeps the entry price
		pos.PositionAmt = newAmt
	}

	return &FuturesOrderResponse{
		OrderId:       orderId,
		Symbol:        params.Symbol,
		Status:        "FILLED",
		ClientOrderId: params.NewClientOrderId,
		Price:         executionPrice,
		OrigQty:       params.Quantity,
		ExecutedQty:   params.Quantity,
		Type:          string(params.Type),
		Side:          params.Side,
		PositionSide:  string(side),
		UpdateTime:    time.Now().UnixMilli(),
	}, nil
}

func (c *FuturesMockClient) CancelOrder(ctx context.Context, symbol string, orderId int64) error {
	// Regular orders fill on placement, so there is never anything to cancel.
	return errors.WithStack(&APIError{StatusCode: http.StatusBadRequest, Code: CodeCancelRejected, Msg: "Unknown order sent."})
}

func (c *FuturesMockClient) PlaceAlgoOrder(ctx context.Context, params AlgoOrderParams) (*AlgoOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	algoId := c.nextOrderId
	c.nextOrderId++

	order := &AlgoOrderResponse{
		AlgoId:       algoId,
		ClientAlgoId: params.ClientAlgoId,
		AlgoType:     string(AlgoTypeConditional),
		OrderType:    string(params.Type),
		Symbol:       params.Symbol,
		Side:         params.Side,
		PositionSide: string(params.PositionSide),
		AlgoStatus:   "NEW",
		TriggerPrice: params.TriggerPrice,
		Quantity:     params.Quantity,
		CreateTime:   time.Now().UnixMilli(),
	}
	c.algoOrders[algoId] = order
	cp := *order
	return &cp, nil
}

func (c *FuturesMockClient) CancelAlgoOrder(ctx context.Context, symbol string, algoId int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.algoOrders[algoId]
	if !ok || order.Symbol != symbol {
		return errors.WithStack(&APIError{StatusCode: http.StatusBadRequest, Code: CodeNoSuchOrder, Msg: "Order does not exist."})
	}
	delete(c.algoOrders, algoId)
	return nil
}

// OpenAlgoOrders returns the resting conditional orders of a symbol.
func (c *FuturesMockClient) OpenAlgoOrders(symbol string) []AlgoOrderResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []AlgoOrderResponse
	for _, o := range c.algoOrders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// ==================== MARKET DATA ====================

func (c *FuturesMockClient) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	p, err := c.price(symbol)
	if err != nil {
		return nil, err
	}
	return &MarkPrice{Symbol: symbol, MarkPrice: p, IndexPrice: p, Time: time.Now().UnixMilli()}, nil
}

// GetKlines returns a random walk around the current price.
func (c *FuturesMockClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	base, err := c.price(symbol)
	if err != nil {
		return nil, err
	}
	step := time.Hour
	if d, err := time.ParseDuration(interval); err == nil && d > 0 {
		step = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	basePrice := base.InexactFloat64()
	klines := make([]Kline, limit)
	now := time.Now()
	for i := limit - 1; i >= 0; i-- {
		variation := (c.rng.Float64() - 0.5) * 0.02 * basePrice
		open := basePrice + variation
		closePrice := open + (c.rng.Float64()-0.5)*0.01*basePrice
		high := max(open, closePrice) + c.rng.Float64()*0.005*basePrice
		low := min(open, closePrice) - c.rng.Float64()*0.005*basePrice

		klines[limit-1-i] = Kline{
			OpenTime:  now.Add(-time.Duration(i+1) * step).UnixMilli(),
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(closePrice),
			Volume:    decimal.NewFromFloat(100 + c.rng.Float64()*500),
			CloseTime: now.Add(-time.Duration(i) * step).UnixMilli(),
		}
	}
	return klines, nil
}

// ==================== EXCHANGE INFO ====================

func (c *FuturesMockClient) GetExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error) {
	lot := func(minQty, step string) []SymbolFilter {
		return []SymbolFilter{{
			FilterType: "LOT_SIZE",
			MinQty:     decimal.RequireFromString(minQty),
			MaxQty:     decimal.NewFromInt(1000000),
			StepSize:   decimal.RequireFromString(step),
		}}
	}
	return &FuturesExchangeInfo{
		ServerTime: time.Now().UnixMilli(),
		Symbols: []FuturesSymbolInfo{
			{Symbol: "BTCUSDT", Status: "TRADING", PricePrecision: 2, QuantityPrecision: 3, Filters: lot("0.001", "0.001")},
			{Symbol: "ETHUSDT", Status: "TRADING", PricePrecision: 2, QuantityPrecision: 3, Filters: lot("0.001", "0.001")},
			{Symbol: "BNBUSDT", Status: "TRADING", PricePrecision: 2, QuantityPrecision: 2, Filters: lot("0.01", "0.01")},
			{Symbol: "SOLUSDT", Status: "TRADING", PricePrecision: 2, QuantityPrecision: 0, Filters: lot("1", "1")},
			{Symbol: "XRPUSDT", Status: "TRADING", PricePrecision: 4, QuantityPrecision: 1, Filters: lot("0.1", "0.1")},
			{Symbol: "DOGEUSDT", Status: "TRADING", PricePrecision: 5, QuantityPrecision: 0, Filters: lot("1", "1")},
		},
	}, nil
}

// Ensure FuturesMockClient implements FuturesAPI
var _ FuturesAPI = (*FuturesMockClient)(nil)
