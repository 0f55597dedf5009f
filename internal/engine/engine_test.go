package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"futures-risk-engine/internal/events"
	"futures-risk-engine/internal/orders"
	"futures-risk-engine/internal/risk"
	"futures-risk-engine/internal/scanner"
	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

// fakeExchange is a hedge-mode gateway on BTCUSDT. It starts with a SHORT
// position of 4 entered at 100. MARKET entries fill immediately and
// reduce-only MARKET orders reduce; resting orders never fill.
type fakeExchange struct {
	mu        sync.Mutex
	nextID    int
	submitted []trading.OrderRequest
	cancelled []string
	leverage  map[string]int
	positions map[trading.Side]decimal.Decimal
	entry     decimal.Decimal
	mark      decimal.Decimal
	// failFrom makes every submit from the n-th one (1-based) fail.
	failFrom int
	noPos    bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		leverage:  make(map[string]int),
		positions: map[trading.Side]decimal.Decimal{trading.SideShort: d("4")},
		entry:     d("100"),
		mark:      d("100"),
	}
}

// setPosition sets the quantity of a side; zero closes it.
func (g *fakeExchange) setPosition(side trading.Side, qty string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[side] = d(qty)
}

func (g *fakeExchange) positionQty(side trading.Side) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions[side]
}

func (g *fakeExchange) SubmitOrder(ctx context.Context, req trading.OrderRequest) (trading.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, req)
	if g.failFrom > 0 && len(g.submitted) >= g.failFrom {
		return trading.OrderResult{}, errors.New("exchange rejected order")
	}
	if req.Type == trading.OrderTypeMarket {
		qty := g.positions[req.PositionSide]
		if req.ReduceOnly {
			qty = decimal.Max(qty.Sub(req.Quantity), decimal.Zero)
		} else {
			qty = qty.Add(req.Quantity)
		}
		g.positions[req.PositionSide] = qty
	}
	g.nextID++
	return trading.OrderResult{OrderID: fmt.Sprintf("%d", g.nextID), Symbol: req.Symbol, Status: "NEW"}, nil
}

func (g *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *fakeExchange) GetOpenPosition(ctx context.Context, symbol string, side trading.Side) (trading.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	qty := g.positions[side]
	if g.noPos || symbol != "BTCUSDT" || !qty.IsPositive() {
		return trading.Position{}, trading.ErrNotFound
	}
	return trading.Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: g.entry,
		MarkPrice:  g.mark,
	}, nil
}

func (g *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverage[symbol] = leverage
	return nil
}

func (g *fakeExchange) requests() []trading.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]trading.OrderRequest(nil), g.submitted...)
}

// bearishProvider serves a snapshot where SHORT is valid with a stop at 101.
type bearishProvider struct{}

func (bearishProvider) FetchMarketSnapshot(ctx context.Context, req trading.SnapshotRequest) (trading.MarketSnapshot, error) {
	return trading.MarketSnapshot{
		Symbol:  req.Symbol,
		Price:   d("100"),
		FastEMA: d("99"),
		SlowEMA: d("100"),
		Balance: d("10000"),
		Candles: []trading.Candle{
			{High: d("100.2"), Low: d("99.9"), Close: d("100")},
			{High: d("101"), Low: d("99.9"), Close: d("100")},
			{High: d("100.2"), Low: d("99.9"), Close: d("100")},
		},
		FetchedAt: time.Now(),
	}, nil
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestEngine(t *testing.T, gw *fakeExchange, cfg risk.Config) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	logger := zerolog.Nop()
	sc := scanner.NewScanner(bearishProvider{}, gw, nil, rec, scanner.ScannerConfig{ScanInterval: time.Hour}, logger)
	e, err := New(Deps{Gateway: gw, Scanner: sc, Risk: risk.NewManager(cfg), Publisher: rec}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, rec
}

func startScan(t *testing.T, e *Engine) string {
	t.Helper()
	handle, err := e.StartStrategyScan(scanner.Strategy{
		ID:           "ema-cross",
		Symbol:       "BTCUSDT",
		Timeframe:    "1h",
		FastPeriod:   9,
		SlowPeriod:   21,
		RiskPercent:  d("1"),
		Leverage:     5,
		StopLookback: 3,
		SLMinPercent: d("0.5"),
		SLMaxPercent: d("2"),
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := e.LatestEvaluation(handle)
		return ok
	}, time.Second, 5*time.Millisecond)
	return handle
}

func TestNew_RequiresGateway(t *testing.T) {
	_, err := New(Deps{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Deps{Gateway: newFakeExchange()}, zerolog.Nop())
	assert.Error(t, err, "no provider and no scanner")
}

func TestExecuteSignal_MarketAttachesStop(t *testing.T) {
	gw := newFakeExchange()
	e, rec := newTestEngine(t, gw, risk.Config{})
	handle := startScan(t, e)

	res, err := e.ExecuteSignal(context.Background(), handle, trading.SideShort, trading.StyleMarket)
	require.NoError(t, err)
	require.NotNil(t, res.Stop)
	assert.True(t, res.Protected())
	assert.True(t, res.Stop.Price.Equal(d("101")))
	assert.Equal(t, 5, gw.leverage["BTCUSDT"])

	reqs := gw.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, trading.OrderTypeMarket, reqs[0].Type)
	assert.Equal(t, trading.OrderSideSell, reqs[0].Side)
	assert.Equal(t, trading.OrderTypeStopMarket, reqs[1].Type)
	assert.True(t, reqs[1].ReduceOnly)

	snap := e.Protective().State("BTCUSDT", trading.SideShort, trading.KindStop)
	assert.Equal(t, orders.StateActive, snap.State)
	assert.Contains(t, rec.types(), events.EventSignalExecuted)
	assert.NotContains(t, rec.types(), events.EventProtectionFailed)
}

func TestExecuteSignal_ProtectionFailureIsReported(t *testing.T) {
	gw := newFakeExchange()
	gw.failFrom = 2
	e, rec := newTestEngine(t, gw, risk.Config{})
	handle := startScan(t, e)

	res, err := e.ExecuteSignal(context.Background(), handle, trading.SideShort, trading.StyleMarket)
	require.NoError(t, err, "the entry itself succeeded")
	assert.False(t, res.Protected())
	assert.Error(t, res.ProtectionErr)
	assert.Equal(t, "1", res.Execution.Order.OrderID)
	assert.Contains(t, rec.types(), events.EventProtectionFailed)

	snap := e.Protective().State("BTCUSDT", trading.SideShort, trading.KindStop)
	assert.Equal(t, orders.StateNone, snap.State)
}

func TestExecuteSignal_LimitDoesNotAttach(t *testing.T) {
	gw := newFakeExchange()
	e, _ := newTestEngine(t, gw, risk.Config{})
	handle := startScan(t, e)

	res, err := e.ExecuteSignal(context.Background(), handle, trading.SideShort, trading.StyleLimit)
	require.NoError(t, err)
	assert.Nil(t, res.Stop)
	assert.NoError(t, res.ProtectionErr)
	assert.Len(t, gw.requests(), 1)
}

func TestExecuteSignal_InvalidDirectionNotSubmitted(t *testing.T) {
	gw := newFakeExchange()
	e, _ := newTestEngine(t, gw, risk.Config{})
	handle := startScan(t, e)

	_, err := e.ExecuteSignal(context.Background(), handle, trading.SideLong, trading.StyleMarket)
	require.Error(t, err)
	assert.True(t, scanner.IsNotExecutable(err))
	assert.Empty(t, gw.requests())
	assert.Empty(t, gw.leverage, "leverage is not touched for a refused signal")
}

func TestExecuteSignal_MaxOpenPositionsFollowsExchange(t *testing.T) {
	gw := newFakeExchange()
	gw.setPosition(trading.SideShort, "0")
	e, _ := newTestEngine(t, gw, risk.Config{MaxOpenPositions: 1})
	handle := startScan(t, e)
	ctx := context.Background()

	_, err := e.ExecuteSignal(ctx, handle, trading.SideShort, trading.StyleMarket)
	require.NoError(t, err)
	require.True(t, gw.positionQty(trading.SideShort).IsPositive())

	_, err = e.ClosePosition(ctx, orders.CloseIntent{Symbol: "BTCUSDT", Side: trading.SideShort, Percent: dp("100")})
	require.NoError(t, err)
	require.True(t, gw.positionQty(trading.SideShort).IsZero())

	_, err = e.ExecuteSignal(ctx, handle, trading.SideShort, trading.StyleMarket)
	require.NoError(t, err, "a closed position no longer counts")

	gw.setPosition(trading.SideShort, "0")
	gw.setPosition(trading.SideLong, "1")
	submitted := len(gw.requests())
	_, err = e.ExecuteSignal(ctx, handle, trading.SideShort, trading.StyleMarket)
	require.Error(t, err)
	assert.ErrorIs(t, err, trading.ErrSignalNotExecutable)
	assert.Contains(t, err.Error(), "max open positions")
	assert.Len(t, gw.requests(), submitted)

	gw.setPosition(trading.SideLong, "0")
	_, err = e.ExecuteSignal(ctx, handle, trading.SideShort, trading.StyleMarket)
	assert.NoError(t, err)
}

func TestExecuteSignal_RestingEntriesDoNotCount(t *testing.T) {
	gw := newFakeExchange()
	gw.setPosition(trading.SideShort, "0")
	e, _ := newTestEngine(t, gw, risk.Config{MaxOpenPositions: 1})
	handle := startScan(t, e)

	for i := 0; i < 3; i++ {
		_, err := e.ExecuteSignal(context.Background(), handle, trading.SideShort, trading.StyleLimit)
		require.NoError(t, err)
	}
	assert.Len(t, gw.requests(), 3)
}

// listingExchange adds an account-wide position list to fakeExchange.
type listingExchange struct {
	*fakeExchange
	others []trading.Position
}

func (g *listingExchange) OpenPositions(ctx context.Context) ([]trading.Position, error) {
	out := append([]trading.Position(nil), g.others...)
	for _, side := range []trading.Side{trading.SideLong, trading.SideShort} {
		if pos, err := g.GetOpenPosition(ctx, "BTCUSDT", side); err == nil {
			out = append(out, pos)
		}
	}
	return out, nil
}

func TestExecuteSignal_CountsPositionsOnOtherSymbols(t *testing.T) {
	gw := &listingExchange{
		fakeExchange: newFakeExchange(),
		others:       []trading.Position{{Symbol: "ETHUSDT", Side: trading.SideLong, Quantity: d("1")}},
	}
	gw.setPosition(trading.SideShort, "0")
	rec := &recorder{}
	sc := scanner.NewScanner(bearishProvider{}, gw, nil, rec, scanner.ScannerConfig{ScanInterval: time.Hour}, zerolog.Nop())
	e, err := New(Deps{Gateway: gw, Scanner: sc, Risk: risk.NewManager(risk.Config{MaxOpenPositions: 1}), Publisher: rec}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	handle := startScan(t, e)

	_, err = e.ExecuteSignal(context.Background(), handle, trading.SideShort, trading.StyleMarket)
	assert.ErrorIs(t, err, trading.ErrSignalNotExecutable)

	gw.others = nil
	_, err = e.ExecuteSignal(context.Background(), handle, trading.SideShort, trading.StyleMarket)
	assert.NoError(t, err)
}

func TestExecuteSignal_AddingToPositionMovesStop(t *testing.T) {
	gw := newFakeExchange()
	e, rec := newTestEngine(t, gw, risk.Config{MaxOpenPositions: 1})
	handle := startScan(t, e)
	ctx := context.Background()

	first, err := e.ExecuteSignal(ctx, handle, trading.SideShort, trading.StyleMarket)
	require.NoError(t, err)
	require.True(t, first.Protected())

	second, err := e.ExecuteSignal(ctx, handle, trading.SideShort, trading.StyleMarket)
	require.NoError(t, err)
	require.True(t, second.Protected(), "%v", second.ProtectionErr)
	assert.NotEqual(t, first.Stop.OrderID, second.Stop.OrderID)
	assert.NotContains(t, rec.types(), events.EventProtectionFailed)

	reqs := gw.requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, trading.OrderTypeStopMarket, reqs[3].Type)
	assert.True(t, reqs[3].Quantity.Equal(gw.positionQty(trading.SideShort)), "stop covers the whole position")
	assert.Equal(t, []string{first.Stop.OrderID}, gw.cancelled)

	snap := e.Protective().State("BTCUSDT", trading.SideShort, trading.KindStop)
	assert.Equal(t, orders.StateActive, snap.State)
	require.NotNil(t, snap.Active)
	assert.Equal(t, second.Stop.OrderID, snap.Active.OrderID)
}

func TestClosePosition_LossFeedsDrawdown(t *testing.T) {
	gw := newFakeExchange()
	gw.setPosition(trading.SideShort, "40")
	gw.mark = d("105")
	e, _ := newTestEngine(t, gw, risk.Config{MaxDailyDrawdown: 1})
	handle := startScan(t, e)
	ctx := context.Background()

	_, err := e.ClosePosition(ctx, orders.CloseIntent{Symbol: "BTCUSDT", Side: trading.SideShort, Percent: dp("100")})
	require.NoError(t, err)
	assert.True(t, e.Risk().DailyPnL().Equal(d("-200")), e.Risk().DailyPnL().String())

	_, err = e.ExecuteSignal(ctx, handle, trading.SideShort, trading.StyleMarket)
	assert.ErrorIs(t, err, trading.ErrSignalNotExecutable)
	assert.Contains(t, err.Error(), "daily drawdown")
}

func TestStartStrategyScan_RespectsCaps(t *testing.T) {
	e, _ := newTestEngine(t, newFakeExchange(), risk.Config{MaxLeverage: 3})
	_, err := e.StartStrategyScan(scanner.Strategy{
		Symbol: "BTCUSDT", Timeframe: "1h", FastPeriod: 9, SlowPeriod: 21,
		RiskPercent: d("1"), Leverage: 5, StopLookback: 3, SLMaxPercent: d("2"),
	})
	assert.ErrorIs(t, err, trading.ErrInvalidInput)
	assert.Empty(t, e.ListStrategyScans())
}

func TestProtectiveOperations_FetchPosition(t *testing.T) {
	gw := newFakeExchange()
	e, _ := newTestEngine(t, gw, risk.Config{})
	ctx := context.Background()

	intent := orders.ProtectiveIntent{Symbol: "BTCUSDT", Side: trading.SideShort, Kind: trading.KindTakeProfit, NewPrice: dp("95")}
	ref, err := e.AttachProtectiveOrder(ctx, intent)
	require.NoError(t, err)
	assert.True(t, ref.Price.Equal(d("95")))

	intent.NewPrice = dp("94")
	ref, err = e.ApplyProtectiveOrder(ctx, intent)
	require.NoError(t, err)
	assert.True(t, ref.Price.Equal(d("94")))

	intent.NewPrice = nil
	_, err = e.ApplyProtectiveOrder(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, orders.StateNone, e.Protective().State("BTCUSDT", trading.SideShort, trading.KindTakeProfit).State)

	gw.noPos = true
	intent.NewPrice = dp("95")
	_, err = e.AttachProtectiveOrder(ctx, intent)
	assert.ErrorIs(t, err, trading.ErrNotFound)
}

func TestClosePosition(t *testing.T) {
	gw := newFakeExchange()
	e, _ := newTestEngine(t, gw, risk.Config{})

	res, err := e.ClosePosition(context.Background(), orders.CloseIntent{
		Symbol:  "BTCUSDT",
		Side:    trading.SideShort,
		Percent: dp("50"),
		Style:   trading.StyleMarket,
	})
	require.NoError(t, err)
	assert.True(t, res.Quantity.Equal(d("2")))

	reqs := gw.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, trading.OrderSideBuy, reqs[0].Side)
	assert.True(t, reqs[0].ReduceOnly)

	_, err = e.ClosePosition(context.Background(), orders.CloseIntent{Symbol: "BTCUSDT", Side: trading.SideShort})
	assert.ErrorIs(t, err, trading.ErrInvalidInput)
}

func TestComputeSizing(t *testing.T) {
	e, _ := newTestEngine(t, newFakeExchange(), risk.Config{MaxRiskPerTrade: 2})

	res, err := e.ComputeSizing(risk.SizingRequest{
		Balance: d("10000"), RiskPercent: d("1"), EntryPrice: d("100"), StopPrice: d("98"),
		Leverage: 10, Side: trading.SideLong,
	})
	require.NoError(t, err)
	assert.True(t, res.Quantity.Equal(d("50")), res.Quantity.String())

	_, err = e.ComputeSizing(risk.SizingRequest{
		Balance: d("10000"), RiskPercent: d("3"), EntryPrice: d("100"), StopPrice: d("98"),
		Leverage: 10, Side: trading.SideLong,
	})
	assert.ErrorIs(t, err, trading.ErrInvalidInput)
}
