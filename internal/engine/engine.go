// Package engine is the entry point of the risk engine: it sizes positions,
// maintains protective orders, reduces positions and runs strategy scans on
// top of one exchange gateway.
package engine

import (
	"context"
	"errors"
	"fmt"

	"futures-risk-engine/internal/events"
	"futures-risk-engine/internal/orders"
	"futures-risk-engine/internal/risk"
	"futures-risk-engine/internal/scanner"
	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine wires the components together. It holds no lock of its own: the
// protective manager's per-slot single-flight is the only mutual exclusion.
type Engine struct {
	gateway    trading.Gateway
	risk       *risk.Manager
	protective *orders.ProtectiveManager
	closer     *orders.Closer
	scanner    *scanner.Scanner
	publisher  events.Publisher
	logger     zerolog.Logger
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Gateway    trading.Gateway
	Provider   trading.SnapshotProvider
	Risk       *risk.Manager
	Protective *orders.ProtectiveManager
	Closer     *orders.Closer
	Scanner    *scanner.Scanner
	Publisher  events.Publisher
}

// New builds an engine. Gateway is required; missing components are built
// with defaults around it.
func New(deps Deps, logger zerolog.Logger) (*Engine, error) {
	if deps.Gateway == nil {
		return nil, errors.New("engine: gateway is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewManager(risk.Config{})
	}
	if deps.Protective == nil {
		deps.Protective = orders.NewProtectiveManager(deps.Gateway, logger, orders.WithPublisher(deps.Publisher))
	}
	if deps.Closer == nil {
		deps.Closer = orders.NewCloser(deps.Gateway, nil, deps.Publisher, logger)
	}
	if deps.Scanner == nil {
		if deps.Provider == nil {
			return nil, errors.New("engine: snapshot provider or scanner is required")
		}
		deps.Scanner = scanner.NewScanner(deps.Provider, deps.Gateway, nil, deps.Publisher, scanner.ScannerConfig{}, logger)
	}

	e := &Engine{
		gateway:    deps.Gateway,
		risk:       deps.Risk,
		protective: deps.Protective,
		closer:     deps.Closer,
		scanner:    deps.Scanner,
		publisher:  deps.Publisher,
		logger:     logger.With().Str("component", "Engine").Logger(),
	}
	e.scanner.SetAutoExecutor(e.autoExecute)
	return e, nil
}

// Protective exposes the protective order manager for state queries.
func (e *Engine) Protective() *orders.ProtectiveManager { return e.protective }

// Scanner exposes the strategy scanner for queries.
func (e *Engine) Scanner() *scanner.Scanner { return e.scanner }

// ProtectiveSlots lists every protective slot the manager knows of.
func (e *Engine) ProtectiveSlots() []orders.SlotSnapshot { return e.protective.Slots() }

// Risk exposes the account-level risk manager.
func (e *Engine) Risk() *risk.Manager { return e.risk }

// ==================== SIZING ====================

// ComputeSizing sizes a position under the configured caps.
func (e *Engine) ComputeSizing(req risk.SizingRequest) (risk.SizingResult, error) {
	return e.risk.Size(req)
}

// ==================== PROTECTIVE ORDERS ====================

// AttachProtectiveOrder fetches the live position and attaches a protective
// order to it.
func (e *Engine) AttachProtectiveOrder(ctx context.Context, intent orders.ProtectiveIntent) (trading.OrderRef, error) {
	pos, err := e.position(ctx, intent.Symbol, intent.Side)
	if err != nil {
		return trading.OrderRef{}, err
	}
	return e.protective.Attach(ctx, intent, pos)
}

// ReplaceProtectiveOrder fetches the live position and moves its protective
// order. A *trading.PartialReplaceError is returned as is.
func (e *Engine) ReplaceProtectiveOrder(ctx context.Context, intent orders.ProtectiveIntent) (trading.OrderRef, error) {
	pos, err := e.position(ctx, intent.Symbol, intent.Side)
	if err != nil {
		return trading.OrderRef{}, err
	}
	return e.protective.Replace(ctx, intent, pos)
}

// RemoveProtectiveOrder cancels a protective order. The position is not
// needed.
func (e *Engine) RemoveProtectiveOrder(ctx context.Context, intent orders.ProtectiveIntent) error {
	return e.protective.Remove(ctx, intent)
}

// ApplyProtectiveOrder attaches, replaces or removes depending on the
// intent and the slot state.
func (e *Engine) ApplyProtectiveOrder(ctx context.Context, intent orders.ProtectiveIntent) (trading.OrderRef, error) {
	if intent.NewPrice == nil {
		return trading.OrderRef{}, e.protective.Remove(ctx, intent)
	}
	pos, err := e.position(ctx, intent.Symbol, intent.Side)
	if err != nil {
		return trading.OrderRef{}, err
	}
	return e.protective.Apply(ctx, intent, pos)
}

// ==================== CLOSES ====================

// ClosePosition reduces a live position.
func (e *Engine) ClosePosition(ctx context.Context, intent orders.CloseIntent) (orders.CloseResult, error) {
	if err := orders.ValidateCloseIntent(intent); err != nil {
		return orders.CloseResult{}, err
	}
	pos, err := e.position(ctx, intent.Symbol, intent.Side)
	if err != nil {
		return orders.CloseResult{}, err
	}
	res, err := e.closer.Close(ctx, intent, pos)
	if err != nil {
		return res, err
	}
	// Estimated at the mark the position was read at.
	pnl := realizedPnL(pos, res.Quantity)
	e.risk.RecordRealizedPnL(pnl)
	e.logger.Debug().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("quantity", res.Quantity.String()).
		Str("pnl", pnl.String()).
		Msg("Realized PnL recorded")
	return res, nil
}

func realizedPnL(pos trading.Position, qty decimal.Decimal) decimal.Decimal {
	diff := pos.MarkPrice.Sub(pos.EntryPrice)
	if pos.Side == trading.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// ==================== STRATEGY SCANS ====================

// StartStrategyScan starts a periodic scan and returns its handle. The
// strategy's risk percent and leverage must fit the account caps.
func (e *Engine) StartStrategyScan(s scanner.Strategy) (string, error) {
	if err := e.risk.CheckLimits(s.RiskPercent, s.Leverage); err != nil {
		return "", err
	}
	return e.scanner.Start(s)
}

// StopStrategyScan stops a scan.
func (e *Engine) StopStrategyScan(handle string) error {
	return e.scanner.Stop(handle)
}

// ListStrategyScans describes every running scan.
func (e *Engine) ListStrategyScans() []scanner.SubscriptionInfo {
	return e.scanner.List()
}

// LatestEvaluation returns the latest evaluation of a scan.
func (e *Engine) LatestEvaluation(handle string) (scanner.SignalEvaluation, bool, error) {
	return e.scanner.Latest(handle)
}

// ExecutionResult is the outcome of ExecuteSignal. ProtectionErr is set when
// the entry went through but the stop could not be attached: the position
// is then open without a stop.
type ExecutionResult struct {
	Execution     scanner.Execution `json:"execution"`
	Stop          *trading.OrderRef `json:"stop,omitempty"`
	ProtectionErr error             `json:"-"`
}

// Protected reports whether the entry has a stop attached.
func (r ExecutionResult) Protected() bool {
	return r.Stop != nil && r.ProtectionErr == nil
}

// ExecuteSignal submits a gated entry for a scan and, for MARKET entries,
// attaches a stop at the evaluated stop price.
func (e *Engine) ExecuteSignal(ctx context.Context, handle string, direction trading.Side, style trading.OrderStyle) (ExecutionResult, error) {
	if style == "" {
		style = trading.StyleMarket
	}
	strat, err := e.scanner.Strategy(handle)
	if err != nil {
		return ExecutionResult{}, err
	}

	if err := e.scanner.CheckExecutable(handle, direction); err != nil {
		return ExecutionResult{}, err
	}
	ev, _, err := e.scanner.Latest(handle)
	if err != nil {
		return ExecutionResult{}, err
	}
	openCount, err := e.countOtherPositions(ctx, strat.Symbol, direction)
	if err != nil {
		return ExecutionResult{}, err
	}
	if allowed, reason := e.risk.CanOpenPosition(ev.Balance, openCount); !allowed {
		return ExecutionResult{}, fmt.Errorf("%w: %s", trading.ErrSignalNotExecutable, reason)
	}

	if setter, ok := e.gateway.(trading.LeverageSetter); ok {
		if err := setter.SetLeverage(ctx, strat.Symbol, strat.Leverage); err != nil {
			return ExecutionResult{}, trading.NewGatewayError("set leverage", err)
		}
	}

	exec, err := e.scanner.Execute(ctx, handle, direction, style)
	if err != nil {
		return ExecutionResult{}, err
	}
	result := ExecutionResult{Execution: exec}

	data := map[string]interface{}{
		"handle":    handle,
		"symbol":    strat.Symbol,
		"direction": string(direction),
		"style":     string(style),
		"quantity":  exec.Quantity.String(),
		"order_id":  exec.Order.OrderID,
		"sl_price":  exec.Side.SLPrice.String(),
	}

	// Resting LIMIT/BBO entries may not have filled; their stop is attached
	// by the caller once the position exists.
	if style == trading.StyleMarket {
		ref, stale, perr := e.protect(ctx, strat.Symbol, direction, exec.Side.SLPrice)
		if perr != nil {
			result.ProtectionErr = perr
			data["protection_error"] = perr.Error()
			e.logger.Error().Err(perr).
				Str("symbol", strat.Symbol).
				Str("direction", string(direction)).
				Str("order_id", exec.Order.OrderID).
				Msg("UNPROTECTED POSITION: entry filled but stop placement failed")
			e.publisher.Publish(events.Event{Type: events.EventProtectionFailed, Data: data})
		} else {
			result.Stop = &ref
			data["stop_order_id"] = ref.OrderID
			if stale != "" {
				data["stale_stop_order_id"] = stale
			}
		}
	}

	e.publisher.Publish(events.Event{Type: events.EventSignalExecuted, Data: data})
	return result, nil
}

// protect places the stop for the live position, or moves an existing stop
// to the new price and the full live quantity when the entry added to it.
// stale is set when the previous stop could not be cancelled; the new one is
// resting either way.
func (e *Engine) protect(ctx context.Context, symbol string, side trading.Side, stop decimal.Decimal) (ref trading.OrderRef, stale string, err error) {
	pos, err := e.position(ctx, symbol, side)
	if err != nil {
		return trading.OrderRef{}, "", err
	}
	price := stop
	ref, err = e.protective.Apply(ctx, orders.ProtectiveIntent{
		Symbol:   symbol,
		Side:     side,
		Kind:     trading.KindStop,
		NewPrice: &price,
		Reason:   "signal entry",
	}, pos)
	var partial *trading.PartialReplaceError
	if errors.As(err, &partial) {
		return partial.NewOrder, partial.StaleOrderID, nil
	}
	return ref, "", err
}

// countOtherPositions counts open positions other than (symbol, side): an
// entry into an already open position does not open a new one.
func (e *Engine) countOtherPositions(ctx context.Context, symbol string, side trading.Side) (int, error) {
	var positions []trading.Position
	if lister, ok := e.gateway.(trading.PositionLister); ok {
		all, err := lister.OpenPositions(ctx)
		if err != nil {
			return 0, trading.NewGatewayError("list positions", err)
		}
		positions = all
	} else {
		// Without a lister only the scanned symbols are visible.
		seen := make(map[string]bool)
		for _, info := range e.scanner.List() {
			if seen[info.Strategy.Symbol] {
				continue
			}
			seen[info.Strategy.Symbol] = true
			for _, sd := range []trading.Side{trading.SideLong, trading.SideShort} {
				pos, err := e.gateway.GetOpenPosition(ctx, info.Strategy.Symbol, sd)
				if errors.Is(err, trading.ErrNotFound) {
					continue
				}
				if err != nil {
					return 0, trading.NewGatewayError("get position", err)
				}
				positions = append(positions, pos)
			}
		}
	}

	n := 0
	for _, p := range positions {
		if p.Symbol == symbol && p.Side == side {
			continue
		}
		n++
	}
	return n, nil
}

// autoExecute is the scanner's auto-trigger callback.
func (e *Engine) autoExecute(ctx context.Context, handle string, direction trading.Side, style trading.OrderStyle) {
	res, err := e.ExecuteSignal(ctx, handle, direction, style)
	if err != nil {
		e.logger.Warn().Err(err).Str("handle", handle).Str("direction", string(direction)).Msg("Auto trigger execution failed")
		return
	}
	e.logger.Info().
		Str("handle", handle).
		Str("direction", string(direction)).
		Str("order_id", res.Execution.Order.OrderID).
		Bool("protected", res.Protected()).
		Msg("Auto trigger executed")
}

// position fetches the live position, mapping a missing one to ErrNotFound.
func (e *Engine) position(ctx context.Context, symbol string, side trading.Side) (trading.Position, error) {
	if symbol == "" || !side.Valid() {
		return trading.Position{}, trading.InvalidInputf("symbol and side are required")
	}
	pos, err := e.gateway.GetOpenPosition(ctx, symbol, side)
	if err != nil {
		if errors.Is(err, trading.ErrNotFound) {
			return trading.Position{}, fmt.Errorf("%w: no open %s position on %s", trading.ErrNotFound, side, symbol)
		}
		return trading.Position{}, trading.NewGatewayError("get position", err)
	}
	return pos, nil
}

// Shutdown stops every scan and waits for in-flight ticks.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.scanner.Shutdown(ctx)
}
