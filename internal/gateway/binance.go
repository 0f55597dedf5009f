// Package gateway adapts exchange clients to the engine's trading
// interfaces.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"futures-risk-engine/internal/binance"
	"futures-risk-engine/internal/strategy"
	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// algoPrefix marks order ids that live on the algo order endpoint.
const algoPrefix = "algo-"

// Config configures the Binance gateway.
type Config struct {
	// HedgeMode sends LONG/SHORT position sides; otherwise BOTH with
	// reduceOnly on closing orders.
	HedgeMode   bool
	QuoteAsset  string
	WorkingType binance.WorkingType
	// LotCacheTTL bounds how long exchange lot filters are cached.
	LotCacheTTL time.Duration
}

// Binance implements trading.Gateway, trading.SnapshotProvider,
// trading.LotFilterSource and trading.LeverageSetter.
type Binance struct {
	api    binance.FuturesAPI
	config Config
	logger zerolog.Logger

	lotMu       sync.RWMutex
	lots        map[string]trading.LotFilter
	lotsFetched time.Time
}

// NewBinance wraps a futures API client.
func NewBinance(api binance.FuturesAPI, config Config, logger zerolog.Logger) *Binance {
	if config.QuoteAsset == "" {
		config.QuoteAsset = "USDT"
	}
	if config.WorkingType == "" {
		config.WorkingType = binance.WorkingTypeMarkPrice
	}
	if config.LotCacheTTL <= 0 {
		config.LotCacheTTL = time.Hour
	}
	return &Binance{
		api:    api,
		config: config,
		logger: logger.With().Str("component", "BinanceGateway").Logger(),
		lots:   make(map[string]trading.LotFilter),
	}
}

var (
	_ trading.Gateway          = (*Binance)(nil)
	_ trading.SnapshotProvider = (*Binance)(nil)
	_ trading.LotFilterSource  = (*Binance)(nil)
	_ trading.LeverageSetter   = (*Binance)(nil)
	_ trading.PositionLister   = (*Binance)(nil)
)

func (b *Binance) positionSide(side trading.Side) binance.PositionSide {
	if !b.config.HedgeMode {
		return binance.PositionSideBoth
	}
	if side == trading.SideShort {
		return binance.PositionSideShort
	}
	return binance.PositionSideLong
}

// ==================== ORDERS ====================

// SubmitOrder routes conditional orders to the algo endpoint and everything
// else to the regular order endpoint.
func (b *Binance) SubmitOrder(ctx context.Context, req trading.OrderRequest) (trading.OrderResult, error) {
	orderType := binance.FuturesOrderType(req.Type)
	if orderType.IsConditional() {
		if req.StopPrice == nil {
			return trading.OrderResult{}, trading.InvalidInputf("%s requires a stop price", req.Type)
		}
		resp, err := b.api.PlaceAlgoOrder(ctx, binance.AlgoOrderParams{
			Symbol:       req.Symbol,
			Side:         string(req.Side),
			PositionSide: b.positionSide(req.PositionSide),
			Type:         orderType,
			Quantity:     req.Quantity,
			TriggerPrice: *req.StopPrice,
			WorkingType:  b.config.WorkingType,
			ReduceOnly:   req.ReduceOnly,
			ClientAlgoId: req.ClientOrderID,
		})
		if err != nil {
			return trading.OrderResult{}, err
		}
		return trading.OrderResult{
			OrderID:       algoPrefix + strconv.FormatInt(resp.AlgoId, 10),
			ClientOrderID: resp.ClientAlgoId,
			Symbol:        resp.Symbol,
			Status:        resp.AlgoStatus,
			SubmittedAt:   time.Now(),
		}, nil
	}

	params := binance.FuturesOrderParams{
		Symbol:           req.Symbol,
		Side:             string(req.Side),
		PositionSide:     b.positionSide(req.PositionSide),
		Type:             orderType,
		Quantity:         req.Quantity,
		Price:            req.Price,
		ReduceOnly:       req.ReduceOnly,
		NewClientOrderId: req.ClientOrderID,
	}
	if req.PriceMatch != "" && req.PriceMatch != trading.PriceMatchNone {
		params.PriceMatch = binance.PriceMatch(req.PriceMatch)
		params.Price = nil
	}
	resp, err := b.api.PlaceOrder(ctx, params)
	if err != nil {
		return trading.OrderResult{}, err
	}
	return trading.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderId, 10),
		ClientOrderID: resp.ClientOrderId,
		Symbol:        resp.Symbol,
		Status:        resp.Status,
		SubmittedAt:   time.Now(),
	}, nil
}

// CancelOrder cancels a regular or algo order. An order the exchange no
// longer knows maps to trading.ErrNotFound.
func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	var err error
	if rest, ok := strings.CutPrefix(orderID, algoPrefix); ok {
		id, perr := strconv.ParseInt(rest, 10, 64)
		if perr != nil {
			return trading.InvalidInputf("malformed algo order id %q", orderID)
		}
		err = b.api.CancelAlgoOrder(ctx, symbol, id)
	} else {
		id, perr := strconv.ParseInt(orderID, 10, 64)
		if perr != nil {
			return trading.InvalidInputf("malformed order id %q", orderID)
		}
		err = b.api.CancelOrder(ctx, symbol, id)
	}
	if err != nil && binance.IsOrderNotFound(err) {
		return fmt.Errorf("%w: order %s: %w", trading.ErrNotFound, orderID, err)
	}
	return err
}

// GetOpenPosition finds the open position of (symbol, side).
func (b *Binance) GetOpenPosition(ctx context.Context, symbol string, side trading.Side) (trading.Position, error) {
	positions, err := b.api.GetPositionRisk(ctx, symbol)
	if err != nil {
		return trading.Position{}, err
	}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		if pos, ok := b.toPosition(p); ok && pos.Side == side {
			return pos, nil
		}
	}
	return trading.Position{}, fmt.Errorf("%w: no open %s position on %s", trading.ErrNotFound, side, symbol)
}

// OpenPositions lists every non-empty position of the account.
func (b *Binance) OpenPositions(ctx context.Context) ([]trading.Position, error) {
	positions, err := b.api.GetPositionRisk(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []trading.Position
	for _, p := range positions {
		if pos, ok := b.toPosition(p); ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

// toPosition converts an exchange position, reporting false for flat entries.
func (b *Binance) toPosition(p binance.FuturesPosition) (trading.Position, bool) {
	if p.PositionAmt.IsZero() {
		return trading.Position{}, false
	}
	// One-way mode: the sign of the amount carries the side.
	side := trading.SideShort
	if p.PositionAmt.IsPositive() {
		side = trading.SideLong
	}
	if b.config.HedgeMode {
		switch p.PositionSide {
		case binance.PositionSideLong:
			side = trading.SideLong
		case binance.PositionSideShort:
			side = trading.SideShort
		}
	}
	return trading.Position{
		Symbol:     p.Symbol,
		Side:       side,
		Quantity:   p.PositionAmt.Abs(),
		EntryPrice: p.EntryPrice,
		MarkPrice:  p.MarkPrice,
		Leverage:   p.Leverage,
	}, true
}

// SetLeverage changes the leverage of a symbol.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.api.SetLeverage(ctx, symbol, leverage)
	return err
}

// ==================== MARKET DATA ====================

// FetchMarketSnapshot gathers candles, mark price and balance, and computes
// both moving averages over the candle closes.
func (b *Binance) FetchMarketSnapshot(ctx context.Context, req trading.SnapshotRequest) (trading.MarketSnapshot, error) {
	bars := req.Bars
	if need := req.SlowPeriod * 3; need > bars {
		bars = need
	}
	klines, err := b.api.GetKlines(ctx, req.Symbol, req.Timeframe, bars)
	if err != nil {
		return trading.MarketSnapshot{}, fmt.Errorf("%w: klines: %w", trading.ErrUnavailable, err)
	}
	mark, err := b.api.GetMarkPrice(ctx, req.Symbol)
	if err != nil {
		return trading.MarketSnapshot{}, fmt.Errorf("%w: mark price: %w", trading.ErrUnavailable, err)
	}
	account, err := b.api.GetAccount(ctx)
	if err != nil {
		return trading.MarketSnapshot{}, fmt.Errorf("%w: account: %w", trading.ErrUnavailable, err)
	}

	candles := make([]trading.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, trading.Candle{
			OpenTime: time.UnixMilli(k.OpenTime),
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
		})
	}

	fast, ok := strategy.CalculateEMA(candles, req.FastPeriod)
	if !ok {
		return trading.MarketSnapshot{}, fmt.Errorf("%w: %d candles for fast period %d", trading.ErrUnavailable, len(candles), req.FastPeriod)
	}
	slow, ok := strategy.CalculateEMA(candles, req.SlowPeriod)
	if !ok {
		return trading.MarketSnapshot{}, fmt.Errorf("%w: %d candles for slow period %d", trading.ErrUnavailable, len(candles), req.SlowPeriod)
	}

	return trading.MarketSnapshot{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Price:     mark.MarkPrice,
		FastEMA:   fast,
		SlowEMA:   slow,
		Balance:   account.Balance(b.config.QuoteAsset),
		Candles:   candles,
		FetchedAt: time.Now(),
	}, nil
}

// LotFilter returns the cached LOT_SIZE filter of a symbol, refreshing the
// whole cache from exchange info when it is older than the TTL.
func (b *Binance) LotFilter(ctx context.Context, symbol string) (trading.LotFilter, error) {
	b.lotMu.RLock()
	lot, ok := b.lots[symbol]
	fresh := time.Since(b.lotsFetched) < b.config.LotCacheTTL
	b.lotMu.RUnlock()
	if ok && fresh {
		return lot, nil
	}

	info, err := b.api.GetExchangeInfo(ctx)
	if err != nil {
		if ok {
			b.logger.Warn().Err(err).Str("symbol", symbol).Msg("Exchange info refresh failed, using cached lot filter")
			return lot, nil
		}
		return trading.LotFilter{}, fmt.Errorf("%w: exchange info: %w", trading.ErrUnavailable, err)
	}

	lots := make(map[string]trading.LotFilter, len(info.Symbols))
	for _, s := range info.Symbols {
		if f, found := s.LotSize(); found {
			lots[s.Symbol] = trading.LotFilter{MinQty: f.MinQty, StepSize: f.StepSize}
		}
	}

	b.lotMu.Lock()
	b.lots = lots
	b.lotsFetched = time.Now()
	b.lotMu.Unlock()

	lot, ok = lots[symbol]
	if !ok {
		return trading.LotFilter{}, fmt.Errorf("%w: no lot filter for %s", trading.ErrNotFound, symbol)
	}
	b.logger.Debug().Str("symbol", symbol).Str("step", lot.StepSize.String()).Str("min", lot.MinQty.String()).Msg("Lot filters refreshed")
	return lot, nil
}

// Balance returns the wallet balance in the quote asset.
func (b *Binance) Balance(ctx context.Context) (decimal.Decimal, error) {
	account, err := b.api.GetAccount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance(b.config.QuoteAsset), nil
}
