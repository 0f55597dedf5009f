package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"futures-risk-engine/internal/events"
	"futures-risk-engine/internal/metrics"
	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

// StoredSlot is the persisted form of a protective slot.
type StoredSlot struct {
	Symbol        string                 `json:"symbol"`
	Side          trading.Side           `json:"side"`
	Kind          trading.ProtectiveKind `json:"kind"`
	OrderID       string                 `json:"order_id,omitempty"`
	Price         decimal.Decimal        `json:"price"`
	StaleOrderIDs []string               `json:"stale_order_ids,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Key returns the slot key of the stored record.
func (s StoredSlot) Key() SlotKey {
	return SlotKey{Symbol: s.Symbol, Side: s.Side, Kind: s.Kind}
}

// StateStore persists ACTIVE slots and stale order ids across restarts.
type StateStore interface {
	SaveSlot(ctx context.Context, slot StoredSlot) error
	DeleteSlot(ctx context.Context, key SlotKey) error
	LoadSlots(ctx context.Context) ([]StoredSlot, error)
}

// slot is the state of one (symbol, side, kind). sem gives single-flight:
// every mutating operation holds it for its whole duration. mu only guards
// the fields so State can read them while an operation is in flight.
type slot struct {
	sem *semaphore.Weighted

	mu      sync.Mutex
	state   SlotState
	active  *trading.OrderRef
	pending *decimal.Decimal
	stale   []string
	changed time.Time
}

func (s *slot) set(state SlotState, active *trading.OrderRef, pending *decimal.Decimal) {
	s.mu.Lock()
	s.state = state
	s.active = active
	s.pending = pending
	s.changed = time.Now()
	s.mu.Unlock()
}

// ProtectiveManager keeps at most one resting stop-loss and one take-profit
// per position and moves them without leaving the position unprotected.
type ProtectiveManager struct {
	gateway   trading.Gateway
	ids       *ClientOrderIDGenerator
	tracker   *ModificationTracker
	store     StateStore
	publisher events.Publisher
	logger    zerolog.Logger

	mu    sync.Mutex
	slots map[SlotKey]*slot
}

// ManagerOption configures a ProtectiveManager.
type ManagerOption func(*ProtectiveManager)

// WithModificationTracker records every transition in the audit log.
func WithModificationTracker(t *ModificationTracker) ManagerOption {
	return func(m *ProtectiveManager) { m.tracker = t }
}

// WithStateStore persists slots so Restore can reload them.
func WithStateStore(s StateStore) ManagerOption {
	return func(m *ProtectiveManager) { m.store = s }
}

// WithPublisher publishes protective order events.
func WithPublisher(p events.Publisher) ManagerOption {
	return func(m *ProtectiveManager) { m.publisher = p }
}

// WithClientOrderIDs tags submitted orders with generated client order ids.
func WithClientOrderIDs(g *ClientOrderIDGenerator) ManagerOption {
	return func(m *ProtectiveManager) { m.ids = g }
}

// NewProtectiveManager creates a manager submitting through gateway.
func NewProtectiveManager(gateway trading.Gateway, logger zerolog.Logger, opts ...ManagerOption) *ProtectiveManager {
	m := &ProtectiveManager{
		gateway:   gateway,
		publisher: events.Nop{},
		logger:    logger.With().Str("component", "ProtectiveManager").Logger(),
		slots:     make(map[SlotKey]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ids == nil {
		m.ids = NewClientOrderIDGenerator(nil, "", logger)
	}
	return m
}

func (m *ProtectiveManager) slot(key SlotKey) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1), state: StateNone, changed: time.Now()}
		m.slots[key] = s
	}
	return s
}

// acquire takes the slot's single-flight token or fails with ErrBusy.
func (m *ProtectiveManager) acquire(key SlotKey) (*slot, error) {
	s := m.slot(key)
	if !s.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %s", trading.ErrBusy, key)
	}
	return s, nil
}

// ==================== PUBLIC OPERATIONS ====================

// Attach places a new protective order. Only valid when the slot is NONE.
// An intent naming an existing order is rejected without touching the slot:
// adopting it would leave nothing to attach.
func (m *ProtectiveManager) Attach(ctx context.Context, intent ProtectiveIntent, pos trading.Position) (trading.OrderRef, error) {
	if err := m.checkPriced(intent, pos); err != nil {
		return trading.OrderRef{}, err
	}
	if intent.ExistingOrderID != "" {
		return trading.OrderRef{}, trading.InvalidInputf("cannot attach %s: intent names existing order %s; use replace or apply", intent.Key(), intent.ExistingOrderID)
	}
	s, err := m.acquire(intent.Key())
	if err != nil {
		return trading.OrderRef{}, err
	}
	defer s.sem.Release(1)

	return m.attach(ctx, s, intent, pos)
}

// Replace moves an ACTIVE protective order to intent.NewPrice. The new order
// is submitted first and the old one cancelled only after it is accepted.
func (m *ProtectiveManager) Replace(ctx context.Context, intent ProtectiveIntent, pos trading.Position) (trading.OrderRef, error) {
	if err := m.checkPriced(intent, pos); err != nil {
		return trading.OrderRef{}, err
	}
	s, err := m.acquire(intent.Key())
	if err != nil {
		return trading.OrderRef{}, err
	}
	defer s.sem.Release(1)

	if err := m.adopt(ctx, s, intent); err != nil {
		return trading.OrderRef{}, err
	}
	return m.replace(ctx, s, intent, pos)
}

// Remove cancels the ACTIVE protective order of the slot.
func (m *ProtectiveManager) Remove(ctx context.Context, intent ProtectiveIntent) error {
	if err := intent.validate(); err != nil {
		return err
	}
	s, err := m.acquire(intent.Key())
	if err != nil {
		return err
	}
	defer s.sem.Release(1)

	if err := m.adopt(ctx, s, intent); err != nil {
		return err
	}
	return m.remove(ctx, s, intent)
}

// Apply dispatches an intent by the slot's state: no price removes, a price
// on a NONE slot attaches and a price on an ACTIVE slot replaces. The
// returned ref is zero for removals.
func (m *ProtectiveManager) Apply(ctx context.Context, intent ProtectiveIntent, pos trading.Position) (trading.OrderRef, error) {
	if intent.NewPrice == nil {
		return trading.OrderRef{}, m.Remove(ctx, intent)
	}
	if err := m.checkPriced(intent, pos); err != nil {
		return trading.OrderRef{}, err
	}
	s, err := m.acquire(intent.Key())
	if err != nil {
		return trading.OrderRef{}, err
	}
	defer s.sem.Release(1)

	if err := m.adopt(ctx, s, intent); err != nil {
		return trading.OrderRef{}, err
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateActive {
		return m.replace(ctx, s, intent, pos)
	}
	return m.attach(ctx, s, intent, pos)
}

// State returns a snapshot of a slot. Unknown slots report NONE.
func (m *ProtectiveManager) State(symbol string, side trading.Side, kind trading.ProtectiveKind) SlotSnapshot {
	key := SlotKey{Symbol: symbol, Side: side, Kind: kind}
	m.mu.Lock()
	s, ok := m.slots[key]
	m.mu.Unlock()
	if !ok {
		return SlotSnapshot{Symbol: symbol, Side: side, Kind: kind, State: StateNone}
	}
	return snapshot(key, s)
}

// Slots returns every slot that is not NONE or still has stale orders.
func (m *ProtectiveManager) Slots() []SlotSnapshot {
	m.mu.Lock()
	keys := make([]SlotKey, 0, len(m.slots))
	all := make(map[SlotKey]*slot, len(m.slots))
	for k, s := range m.slots {
		keys = append(keys, k)
		all[k] = s
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	out := make([]SlotSnapshot, 0, len(keys))
	for _, k := range keys {
		snap := snapshot(k, all[k])
		if snap.State == StateNone && len(snap.StaleOrderIDs) == 0 {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// CancelStale cancels the orders left behind by partial replaces. Orders
// that cancel or are already gone are dropped from the slot; the returned
// error joins the failures that remain.
func (m *ProtectiveManager) CancelStale(ctx context.Context, symbol string, side trading.Side, kind trading.ProtectiveKind) ([]string, error) {
	key := SlotKey{Symbol: symbol, Side: side, Kind: kind}
	s, err := m.acquire(key)
	if err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	stale := append([]string(nil), s.stale...)
	s.mu.Unlock()

	var (
		cancelled []string
		remaining []string
		errs      []error
	)
	for _, id := range stale {
		err := m.cancel(ctx, symbol, id)
		switch {
		case err == nil, errors.Is(err, trading.ErrNotFound):
			cancelled = append(cancelled, id)
		default:
			remaining = append(remaining, id)
			errs = append(errs, trading.NewGatewayError("cancel "+id, err))
		}
	}

	s.mu.Lock()
	s.stale = remaining
	s.changed = time.Now()
	s.mu.Unlock()
	m.persist(ctx, key, s)

	m.logger.Info().
		Str("slot", key.String()).
		Strs("cancelled", cancelled).
		Strs("remaining", remaining).
		Msg("Stale protective orders reconciled")
	return cancelled, errors.Join(errs...)
}

// Restore reloads persisted slots. It must run before any operation.
func (m *ProtectiveManager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stored, err := m.store.LoadSlots(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load protective slots: %w", err)
	}
	for _, st := range stored {
		s := m.slot(st.Key())
		s.mu.Lock()
		if st.OrderID != "" {
			s.state = StateActive
			s.active = &trading.OrderRef{OrderID: st.OrderID, Price: st.Price}
		}
		s.stale = append([]string(nil), st.StaleOrderIDs...)
		s.changed = st.UpdatedAt
		s.mu.Unlock()
	}
	m.logger.Info().Int("slots", len(stored)).Msg("Protective slots restored")
	return len(stored), nil
}

// ==================== TRANSITIONS (slot token held) ====================

func (m *ProtectiveManager) attach(ctx context.Context, s *slot, intent ProtectiveIntent, pos trading.Position) (ref trading.OrderRef, err error) {
	key := intent.Key()
	defer func() { metrics.IncProtectiveOp(string(key.Kind), "attach", err) }()

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateNone {
		return trading.OrderRef{}, trading.InvalidInputf("cannot attach %s: slot is %s", key, state)
	}

	price := *intent.NewPrice
	s.set(StateAttaching, nil, &price)

	result, err := m.submit(ctx, key, price, pos)
	if err != nil {
		s.set(StateNone, nil, nil)
		m.logger.Warn().Err(err).Str("slot", key.String()).Str("price", price.String()).Msg("Protective order attach rejected")
		return trading.OrderRef{}, err
	}

	ref = trading.OrderRef{OrderID: result.OrderID, Price: price}
	s.set(StateActive, &ref, nil)
	m.persist(ctx, key, s)

	m.logger.Info().Str("slot", key.String()).Str("order_id", ref.OrderID).Str("price", price.String()).Msg("Protective order attached")
	m.track(ctx, EventTypePlaced, OrderChange{Key: key, OrderID: ref.OrderID, NewPrice: price, Position: pos, Reason: intent.Reason})
	m.publish(events.EventProtectivePlaced, key, map[string]interface{}{
		"order_id": ref.OrderID,
		"price":    price.String(),
	})
	return ref, nil
}

func (m *ProtectiveManager) replace(ctx context.Context, s *slot, intent ProtectiveIntent, pos trading.Position) (ref trading.OrderRef, err error) {
	key := intent.Key()
	defer func() { metrics.IncProtectiveOp(string(key.Kind), "replace", err) }()

	s.mu.Lock()
	state, active := s.state, s.active
	s.mu.Unlock()
	if state != StateActive || active == nil {
		return trading.OrderRef{}, trading.InvalidInputf("cannot replace %s: slot is %s", key, state)
	}

	old := *active
	price := *intent.NewPrice
	s.set(StateReplacing, &old, &price)

	result, err := m.submit(ctx, key, price, pos)
	if err != nil {
		s.set(StateActive, &old, nil)
		m.logger.Warn().Err(err).Str("slot", key.String()).Str("old_order_id", old.OrderID).Msg("Replacement order rejected, keeping existing order")
		return trading.OrderRef{}, err
	}
	ref = trading.OrderRef{OrderID: result.OrderID, Price: price}

	cancelErr := m.cancel(ctx, key.Symbol, old.OrderID)
	switch {
	case cancelErr == nil:
	case errors.Is(cancelErr, trading.ErrNotFound):
		m.logger.Warn().Str("slot", key.String()).Str("old_order_id", old.OrderID).Msg("Replaced order was already gone")
	default:
		s.mu.Lock()
		s.stale = append(s.stale, old.OrderID)
		s.mu.Unlock()
		s.set(StateActive, &ref, nil)
		m.persist(ctx, key, s)

		metrics.IncPartialReplace(string(key.Kind))
		m.logger.Error().Err(cancelErr).
			Str("slot", key.String()).
			Str("new_order_id", ref.OrderID).
			Str("stale_order_id", old.OrderID).
			Msg("PARTIAL REPLACE: new protective order live but old order could not be cancelled")
		m.track(ctx, EventTypeModified, OrderChange{Key: key, OrderID: ref.OrderID, OldPrice: &old.Price, NewPrice: price, Position: pos, Reason: intent.Reason})
		m.publish(events.EventProtectivePartialReplace, key, map[string]interface{}{
			"new_order_id":   ref.OrderID,
			"stale_order_id": old.OrderID,
			"price":          price.String(),
			"error":          cancelErr.Error(),
		})
		return ref, &trading.PartialReplaceError{
			Symbol:       key.Symbol,
			Side:         key.Side,
			Kind:         key.Kind,
			NewOrder:     ref,
			StaleOrderID: old.OrderID,
			CancelErr:    cancelErr,
		}
	}

	s.set(StateActive, &ref, nil)
	m.persist(ctx, key, s)

	m.logger.Info().
		Str("slot", key.String()).
		Str("old_order_id", old.OrderID).
		Str("new_order_id", ref.OrderID).
		Str("old_price", old.Price.String()).
		Str("new_price", price.String()).
		Msg("Protective order replaced")
	m.track(ctx, EventTypeModified, OrderChange{Key: key, OrderID: ref.OrderID, OldPrice: &old.Price, NewPrice: price, Position: pos, Reason: intent.Reason})
	m.publish(events.EventProtectiveReplaced, key, map[string]interface{}{
		"old_order_id": old.OrderID,
		"new_order_id": ref.OrderID,
		"old_price":    old.Price.String(),
		"price":        price.String(),
	})
	return ref, nil
}

func (m *ProtectiveManager) remove(ctx context.Context, s *slot, intent ProtectiveIntent) (err error) {
	key := intent.Key()
	defer func() { metrics.IncProtectiveOp(string(key.Kind), "remove", err) }()

	s.mu.Lock()
	state, active := s.state, s.active
	s.mu.Unlock()
	if state != StateActive || active == nil {
		return trading.InvalidInputf("cannot remove %s: slot is %s", key, state)
	}

	old := *active
	s.set(StateRemoving, &old, nil)

	cancelErr := m.cancel(ctx, key.Symbol, old.OrderID)
	switch {
	case cancelErr == nil:
	case errors.Is(cancelErr, trading.ErrNotFound):
		s.set(StateNone, nil, nil)
		m.persist(ctx, key, s)
		m.logger.Warn().Str("slot", key.String()).Str("order_id", old.OrderID).Msg("Protective order already gone on remove")
		return fmt.Errorf("%w: protective order %s for %s", trading.ErrNotFound, old.OrderID, key)
	default:
		s.set(StateActive, &old, nil)
		m.logger.Warn().Err(cancelErr).Str("slot", key.String()).Str("order_id", old.OrderID).Msg("Protective order cancel rejected")
		return trading.NewGatewayError("cancel", cancelErr)
	}

	s.set(StateNone, nil, nil)
	m.persist(ctx, key, s)

	m.logger.Info().Str("slot", key.String()).Str("order_id", old.OrderID).Msg("Protective order removed")
	m.track(ctx, EventTypeCancelled, OrderChange{Key: key, OrderID: old.OrderID, NewPrice: old.Price, Reason: intent.Reason})
	m.publish(events.EventProtectiveRemoved, key, map[string]interface{}{
		"order_id": old.OrderID,
		"price":    old.Price.String(),
	})
	return nil
}

// adopt reconciles intent.ExistingOrderID with the slot: a NONE slot adopts
// the order as ACTIVE, a slot tracking a different order rejects the intent
// as stale.
func (m *ProtectiveManager) adopt(ctx context.Context, s *slot, intent ProtectiveIntent) error {
	if intent.ExistingOrderID == "" {
		return nil
	}
	key := intent.Key()

	s.mu.Lock()
	state, active := s.state, s.active
	s.mu.Unlock()

	switch {
	case state == StateNone:
		ref := &trading.OrderRef{OrderID: intent.ExistingOrderID}
		s.set(StateActive, ref, nil)
		m.persist(ctx, key, s)
		m.logger.Info().Str("slot", key.String()).Str("order_id", intent.ExistingOrderID).Msg("Adopted existing protective order")
		return nil
	case active != nil && active.OrderID == intent.ExistingOrderID:
		return nil
	case active != nil:
		return trading.InvalidInputf("stale intent for %s: existing order %s but %s is tracked", key, intent.ExistingOrderID, active.OrderID)
	default:
		return trading.InvalidInputf("stale intent for %s: slot is %s", key, state)
	}
}

// ==================== HELPERS ====================

// checkPriced validates a priced intent against the position it protects.
// It runs before any gateway call.
func (m *ProtectiveManager) checkPriced(intent ProtectiveIntent, pos trading.Position) error {
	if err := intent.validate(); err != nil {
		return err
	}
	if intent.NewPrice == nil {
		return trading.InvalidInputf("new price is required")
	}
	if err := pos.Validate(); err != nil {
		return err
	}
	if pos.Symbol != intent.Symbol || pos.Side != intent.Side {
		return trading.InvalidInputf("position %s %s does not match intent %s %s", pos.Symbol, pos.Side, intent.Symbol, intent.Side)
	}
	return CheckDirection(intent.Kind, intent.Side, *intent.NewPrice, pos.MarkPrice)
}

// CheckDirection verifies a protective trigger sits on the right side of
// the mark price: a stop below mark for LONG and above for SHORT, a
// take-profit the other way round. Equal to mark is rejected.
func CheckDirection(kind trading.ProtectiveKind, side trading.Side, price, mark decimal.Decimal) error {
	wantBelow := (kind == trading.KindStop) == (side == trading.SideLong)
	if wantBelow && !price.LessThan(mark) {
		return trading.InvalidInputf("%s for %s must be below mark price %s, got %s", kind, side, mark, price)
	}
	if !wantBelow && !price.GreaterThan(mark) {
		return trading.InvalidInputf("%s for %s must be above mark price %s, got %s", kind, side, mark, price)
	}
	return nil
}

func (m *ProtectiveManager) submit(ctx context.Context, key SlotKey, price decimal.Decimal, pos trading.Position) (trading.OrderResult, error) {
	trigger := price
	req := trading.OrderRequest{
		Symbol:        key.Symbol,
		Side:          key.Side.CloseOrderSide(),
		PositionSide:  key.Side,
		Type:          trading.OrderTypeFor(key.Kind),
		Quantity:      pos.Quantity,
		StopPrice:     &trigger,
		ReduceOnly:    true,
		ClientOrderID: m.ids.Generate(ctx, TagFor(key.Kind)),
	}
	start := time.Now()
	result, err := m.gateway.SubmitOrder(ctx, req)
	metrics.ObserveGateway("submit", start)
	if err != nil {
		return trading.OrderResult{}, trading.NewGatewayError("submit", err)
	}
	return result, nil
}

func (m *ProtectiveManager) cancel(ctx context.Context, symbol, orderID string) error {
	start := time.Now()
	err := m.gateway.CancelOrder(ctx, symbol, orderID)
	metrics.ObserveGateway("cancel", start)
	return err
}

func (m *ProtectiveManager) persist(ctx context.Context, key SlotKey, s *slot) {
	if m.store == nil {
		return
	}
	s.mu.Lock()
	stored := StoredSlot{
		Symbol:        key.Symbol,
		Side:          key.Side,
		Kind:          key.Kind,
		StaleOrderIDs: append([]string(nil), s.stale...),
		UpdatedAt:     s.changed,
	}
	if s.state == StateActive && s.active != nil {
		stored.OrderID = s.active.OrderID
		stored.Price = s.active.Price
	}
	s.mu.Unlock()

	var err error
	if stored.OrderID == "" && len(stored.StaleOrderIDs) == 0 {
		err = m.store.DeleteSlot(ctx, key)
	} else {
		err = m.store.SaveSlot(ctx, stored)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("slot", key.String()).Msg("Failed to persist protective slot")
	}
}

func (m *ProtectiveManager) track(ctx context.Context, eventType string, c OrderChange) {
	if m.tracker == nil {
		return
	}
	if c.Source == "" {
		c.Source = ModificationSourceUser
	}
	var err error
	switch eventType {
	case EventTypePlaced:
		err = m.tracker.OnOrderPlaced(ctx, c)
	case EventTypeModified:
		err = m.tracker.OnOrderModified(ctx, c)
	case EventTypeCancelled:
		err = m.tracker.OnOrderCancelled(ctx, c)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("slot", c.Key.String()).Msg("Failed to record modification event")
	}
}

func (m *ProtectiveManager) publish(t events.EventType, key SlotKey, data map[string]interface{}) {
	data["symbol"] = key.Symbol
	data["side"] = string(key.Side)
	data["kind"] = string(key.Kind)
	m.publisher.Publish(events.Event{Type: t, Data: data})
}

func snapshot(key SlotKey, s *slot) SlotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SlotSnapshot{
		Symbol:         key.Symbol,
		Side:           key.Side,
		Kind:           key.Kind,
		State:          s.state,
		LastTransition: s.changed,
	}
	if s.active != nil {
		ref := *s.active
		snap.Active = &ref
	}
	if s.pending != nil {
		p := *s.pending
		snap.PendingPrice = &p
	}
	if len(s.stale) > 0 {
		snap.StaleOrderIDs = append([]string(nil), s.stale...)
	}
	return snap
}
