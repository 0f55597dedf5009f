// Package scanner periodically evaluates moving-average crossover strategies
// and gates trade execution on the latest evaluation.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"futures-risk-engine/internal/events"
	"futures-risk-engine/internal/metrics"
	"futures-risk-engine/internal/orders"
	"futures-risk-engine/internal/strategy"
	"futures-risk-engine/internal/trading"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	DefaultScanInterval     = 30 * time.Second
	DefaultTickTimeout      = 20 * time.Second
	DefaultCrossoverHistory = 50
)

// AutoExecutor is invoked when an auto-trigger strategy crosses over into a
// valid direction.
type AutoExecutor func(ctx context.Context, handle string, direction trading.Side, style trading.OrderStyle)

// subscription is one running scan.
type subscription struct {
	handle    string
	strategy  Strategy
	startedAt time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once

	mu         sync.RWMutex
	latest     *SignalEvaluation
	lastTrend  string
	ticks      int64
	crossovers []Crossover
}

// Scanner runs one goroutine per subscription.
type Scanner struct {
	provider  trading.SnapshotProvider
	gateway   trading.Gateway
	lots      trading.LotFilterSource
	ids       *orders.ClientOrderIDGenerator
	publisher events.Publisher
	config    ScannerConfig
	logger    zerolog.Logger

	mu       sync.RWMutex
	subs     map[string]*subscription
	autoExec AutoExecutor
	wg       sync.WaitGroup
}

// NewScanner creates a new scanner instance
func NewScanner(
	provider trading.SnapshotProvider,
	gateway trading.Gateway,
	ids *orders.ClientOrderIDGenerator,
	publisher events.Publisher,
	config ScannerConfig,
	logger zerolog.Logger,
) *Scanner {
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultScanInterval
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = DefaultTickTimeout
	}
	if config.CrossoverHistory <= 0 {
		config.CrossoverHistory = DefaultCrossoverHistory
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if ids == nil {
		ids = orders.NewClientOrderIDGenerator(nil, "", logger)
	}
	sc := &Scanner{
		provider:  provider,
		gateway:   gateway,
		ids:       ids,
		publisher: publisher,
		config:    config,
		logger:    logger.With().Str("component", "Scanner").Logger(),
		subs:      make(map[string]*subscription),
	}
	if lots, ok := gateway.(trading.LotFilterSource); ok {
		sc.lots = lots
	}
	return sc
}

// SetAutoExecutor installs the callback used by auto-trigger strategies.
func (sc *Scanner) SetAutoExecutor(fn AutoExecutor) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.autoExec = fn
}

// Start validates the strategy and begins scanning it. The first tick runs
// immediately. The returned handle identifies the subscription.
func (sc *Scanner) Start(s Strategy) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	handle := uuid.NewString()
	if s.ID == "" {
		s.ID = handle
	}
	sub := &subscription{
		handle:    handle,
		strategy:  s,
		startedAt: time.Now(),
		stopChan:  make(chan struct{}),
	}

	sc.mu.Lock()
	sc.subs[handle] = sub
	sc.mu.Unlock()

	sc.wg.Add(1)
	go sc.runScanLoop(sub)
	metrics.IncActiveScans()

	sc.logger.Info().
		Str("handle", handle).
		Str("strategy", s.ID).
		Str("symbol", s.Symbol).
		Str("timeframe", s.Timeframe).
		Dur("interval", sc.config.ScanInterval).
		Msg("Strategy scan started")
	return handle, nil
}

// Stop ends a subscription at the next tick boundary. A tick already in
// flight runs to completion.
func (sc *Scanner) Stop(handle string) error {
	sc.mu.Lock()
	sub, ok := sc.subs[handle]
	delete(sc.subs, handle)
	sc.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: scan %s", trading.ErrNotFound, handle)
	}
	sub.stop()
	metrics.DecActiveScans()
	sc.logger.Info().Str("handle", handle).Str("strategy", sub.strategy.ID).Msg("Strategy scan stopped")
	return nil
}

// Shutdown stops every subscription and waits for in-flight ticks, or
// until ctx is done.
func (sc *Scanner) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	for handle, sub := range sc.subs {
		sub.stop()
		metrics.DecActiveScans()
		delete(sc.subs, handle)
	}
	sc.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sub *subscription) stop() {
	sub.stopOnce.Do(func() { close(sub.stopChan) })
}

// runScanLoop ticks at the configured interval until stopped.
func (sc *Scanner) runScanLoop(sub *subscription) {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.config.ScanInterval)
	defer ticker.Stop()

	// Run immediately
	sc.tick(sub)

	for {
		select {
		case <-ticker.C:
			select {
			case <-sub.stopChan:
				return
			default:
			}
			sc.tick(sub)
		case <-sub.stopChan:
			return
		}
	}
}

// tick fetches a snapshot and evaluates it. It uses its own timeout context
// so that Stop never aborts it halfway.
func (sc *Scanner) tick(sub *subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), sc.config.TickTimeout)
	defer cancel()

	s := sub.strategy
	snap, err := sc.provider.FetchMarketSnapshot(ctx, trading.SnapshotRequest{
		Symbol:     s.Symbol,
		Timeframe:  s.Timeframe,
		FastPeriod: s.FastPeriod,
		SlowPeriod: s.SlowPeriod,
		Bars:       s.Bars(),
	})
	if err != nil {
		sc.degrade(sub, err)
		return
	}

	ev := Evaluate(s, snap)

	sub.mu.Lock()
	var crossover *Crossover
	if sub.lastTrend != "" && sub.lastTrend != string(ev.Trend) {
		crossover = &Crossover{
			StrategyID: s.ID,
			Symbol:     s.Symbol,
			From:       strategy.TrendDirection(sub.lastTrend),
			To:         ev.Trend,
			Price:      ev.Price,
			At:         ev.EvaluatedAt,
		}
		sub.crossovers = append(sub.crossovers, *crossover)
		if over := len(sub.crossovers) - sc.config.CrossoverHistory; over > 0 {
			sub.crossovers = append([]Crossover(nil), sub.crossovers[over:]...)
		}
	}
	sub.latest = &ev
	sub.lastTrend = string(ev.Trend)
	sub.ticks++
	sub.mu.Unlock()

	metrics.IncScanTick("ok")
	sc.logger.Debug().
		Str("handle", sub.handle).
		Str("symbol", s.Symbol).
		Str("trend", string(ev.Trend)).
		Bool("long_valid", ev.Long.IsValid).
		Bool("short_valid", ev.Short.IsValid).
		Msg("Strategy evaluated")
	sc.publisher.Publish(events.Event{
		Type: events.EventSignalEvaluated,
		Data: map[string]interface{}{
			"handle":      sub.handle,
			"strategy_id": s.ID,
			"symbol":      s.Symbol,
			"trend":       string(ev.Trend),
			"price":       ev.Price.String(),
			"long_valid":  ev.Long.IsValid,
			"short_valid": ev.Short.IsValid,
		},
	})

	if crossover == nil {
		return
	}
	sc.onCrossover(ctx, sub, *crossover, ev)
}

func (sc *Scanner) onCrossover(ctx context.Context, sub *subscription, c Crossover, ev SignalEvaluation) {
	metrics.IncCrossover(string(c.To))
	sc.logger.Info().
		Str("handle", sub.handle).
		Str("symbol", c.Symbol).
		Str("from", string(c.From)).
		Str("to", string(c.To)).
		Str("price", c.Price.String()).
		Msg("Crossover detected")
	sc.publisher.Publish(events.Event{
		Type: events.EventCrossover,
		Data: map[string]interface{}{
			"handle":      sub.handle,
			"strategy_id": c.StrategyID,
			"symbol":      c.Symbol,
			"from":        string(c.From),
			"to":          string(c.To),
			"price":       c.Price.String(),
			"valid":       ev.For(c.Direction()).IsValid,
		},
	})

	if !sub.strategy.AutoTrigger {
		return
	}
	dir := c.Direction()
	if side := ev.For(dir); !side.IsValid {
		sc.logger.Info().Str("handle", sub.handle).Str("reason", side.InvalidReason).Msg("Auto trigger skipped: signal invalid")
		return
	}

	sc.mu.RLock()
	exec := sc.autoExec
	sc.mu.RUnlock()
	if exec == nil {
		sc.logger.Warn().Str("handle", sub.handle).Msg("Auto trigger requested but no executor installed")
		return
	}
	style := sub.strategy.AutoTriggerStyle
	if style == "" {
		style = trading.StyleMarket
	}
	exec(ctx, sub.handle, dir, style)
}

// degrade keeps the previous evaluation for display but marks it not
// executable until the next successful tick.
func (sc *Scanner) degrade(sub *subscription, err error) {
	sub.mu.Lock()
	var ev SignalEvaluation
	if sub.latest != nil {
		ev = *sub.latest
	} else {
		ev = SignalEvaluation{StrategyID: sub.strategy.ID, Symbol: sub.strategy.Symbol}
	}
	ev.Executable = false
	ev.DataError = err.Error()
	sub.latest = &ev
	sub.ticks++
	sub.mu.Unlock()

	metrics.IncScanTick("data_error")
	sc.logger.Warn().Err(err).Str("handle", sub.handle).Str("symbol", sub.strategy.Symbol).Msg("Market snapshot unavailable, execution disabled")
	sc.publisher.Publish(events.Event{
		Type: events.EventScanDegraded,
		Data: map[string]interface{}{
			"handle":      sub.handle,
			"strategy_id": sub.strategy.ID,
			"symbol":      sub.strategy.Symbol,
			"error":       err.Error(),
		},
	})
}

// ==================== QUERIES ====================

func (sc *Scanner) get(handle string) (*subscription, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	sub, ok := sc.subs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: scan %s", trading.ErrNotFound, handle)
	}
	return sub, nil
}

// Latest returns the most recent evaluation of a subscription. The bool is
// false when no tick has completed yet.
func (sc *Scanner) Latest(handle string) (SignalEvaluation, bool, error) {
	sub, err := sc.get(handle)
	if err != nil {
		return SignalEvaluation{}, false, err
	}
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.latest == nil {
		return SignalEvaluation{}, false, nil
	}
	return *sub.latest, true, nil
}

// Strategy returns the strategy a subscription runs.
func (sc *Scanner) Strategy(handle string) (Strategy, error) {
	sub, err := sc.get(handle)
	if err != nil {
		return Strategy{}, err
	}
	return sub.strategy, nil
}

// Crossovers returns the recorded crossovers of a subscription, oldest first.
func (sc *Scanner) Crossovers(handle string) ([]Crossover, error) {
	sub, err := sc.get(handle)
	if err != nil {
		return nil, err
	}
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	return append([]Crossover(nil), sub.crossovers...), nil
}

// List describes every running subscription.
func (sc *Scanner) List() []SubscriptionInfo {
	sc.mu.RLock()
	subs := make([]*subscription, 0, len(sc.subs))
	for _, sub := range sc.subs {
		subs = append(subs, sub)
	}
	sc.mu.RUnlock()

	out := make([]SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		sub.mu.RLock()
		info := SubscriptionInfo{
			Handle:    sub.handle,
			Strategy:  sub.strategy,
			StartedAt: sub.startedAt,
			Ticks:     sub.ticks,
		}
		if sub.latest != nil {
			ev := *sub.latest
			info.Latest = &ev
		}
		sub.mu.RUnlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ==================== EXECUTION ====================

// Execution is the outcome of a gated entry.
type Execution struct {
	Evaluation SignalEvaluation    `json:"evaluation"`
	Side       SideEvaluation      `json:"side"`
	Quantity   decimal.Decimal     `json:"quantity"`
	Order      trading.OrderResult `json:"order"`
}

// Execute submits an entry in direction if, and only if, the latest tick
// is executable and valid for that direction. It never retries.
func (sc *Scanner) Execute(ctx context.Context, handle string, direction trading.Side, style trading.OrderStyle) (exec Execution, err error) {
	defer func() { metrics.IncSignalExecution(string(direction), err) }()

	if !direction.Valid() {
		return Execution{}, trading.InvalidInputf("direction must be LONG or SHORT, got %q", direction)
	}
	if style == "" {
		style = trading.StyleMarket
	}
	if !style.Valid() {
		return Execution{}, trading.InvalidInputf("unknown order style %q", style)
	}

	ev, ok, err := sc.Latest(handle)
	if err != nil {
		return Execution{}, err
	}
	if err := sc.executable(ev, ok, direction); err != nil {
		return Execution{}, err
	}
	side := ev.For(direction)

	qty := side.PositionSize
	if sc.lots != nil {
		lot, lotErr := sc.lots.LotFilter(ctx, ev.Symbol)
		if lotErr != nil {
			sc.logger.Warn().Err(lotErr).Str("symbol", ev.Symbol).Msg("Lot filter unavailable, submitting unrounded")
		} else {
			qty = lot.Floor(qty)
			if !qty.IsPositive() || (lot.MinQty.IsPositive() && qty.LessThan(lot.MinQty)) {
				return Execution{}, fmt.Errorf("%w: entry %s for %s (min %s)", trading.ErrBelowMinimumSize, qty, ev.Symbol, lot.MinQty)
			}
		}
	}

	req := trading.OrderRequest{
		Symbol:        ev.Symbol,
		Side:          direction.EntryOrderSide(),
		PositionSide:  direction,
		Quantity:      qty,
		ClientOrderID: sc.ids.Generate(ctx, orders.TagEntry),
	}
	switch style {
	case trading.StyleMarket:
		req.Type = trading.OrderTypeMarket
	case trading.StyleLimit:
		price := ev.Price
		req.Type = trading.OrderTypeLimit
		req.Price = &price
	case trading.StyleBBO:
		req.Type = trading.OrderTypeLimit
		req.PriceMatch = trading.PriceMatchQueue
	}

	start := time.Now()
	result, err := sc.gateway.SubmitOrder(ctx, req)
	metrics.ObserveGateway("submit", start)
	if err != nil {
		sc.logger.Warn().Err(err).Str("handle", handle).Str("symbol", ev.Symbol).Str("direction", string(direction)).Msg("Signal entry rejected")
		return Execution{}, trading.NewGatewayError("submit", err)
	}

	sc.logger.Info().
		Str("handle", handle).
		Str("symbol", ev.Symbol).
		Str("direction", string(direction)).
		Str("style", string(style)).
		Str("quantity", qty.String()).
		Str("order_id", result.OrderID).
		Msg("Signal entry submitted")
	return Execution{Evaluation: ev, Side: side, Quantity: qty, Order: result}, nil
}

// CheckExecutable reports whether Execute would pass the gate for direction
// right now, without submitting anything.
func (sc *Scanner) CheckExecutable(handle string, direction trading.Side) error {
	ev, ok, err := sc.Latest(handle)
	if err != nil {
		return err
	}
	return sc.executable(ev, ok, direction)
}

// executable gates execution on the latest evaluation. An evaluation older
// than two intervals counts as stale even if the loop has not reported a
// failure yet.
func (sc *Scanner) executable(ev SignalEvaluation, ok bool, direction trading.Side) error {
	switch {
	case !ok:
		return fmt.Errorf("%w: no evaluation yet", trading.ErrSignalNotExecutable)
	case !ev.Executable:
		return fmt.Errorf("%w: market data unavailable: %s", trading.ErrSignalNotExecutable, ev.DataError)
	case time.Since(ev.EvaluatedAt) > 2*sc.config.ScanInterval:
		return fmt.Errorf("%w: evaluation from %s is stale", trading.ErrSignalNotExecutable, ev.EvaluatedAt.Format(time.RFC3339))
	}
	if side := ev.For(direction); !side.IsValid {
		return fmt.Errorf("%w: %s %s", trading.ErrSignalNotExecutable, direction, side.InvalidReason)
	}
	return nil
}

// IsNotExecutable reports whether err came from the execution gate.
func IsNotExecutable(err error) bool {
	return errors.Is(err, trading.ErrSignalNotExecutable)
}
