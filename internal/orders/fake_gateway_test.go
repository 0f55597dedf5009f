package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
)

// fakeGateway records calls and lets tests script failures.
type fakeGateway struct {
	mu        sync.Mutex
	nextID    int
	submitted []trading.OrderRequest
	cancelled []string

	submitErr error
	cancelErr error
	// submitGate, when set, blocks SubmitOrder until it is closed.
	submitGate chan struct{}
	// entered is signalled when SubmitOrder starts.
	entered chan struct{}

	lot    *trading.LotFilter
	lotErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{nextID: 100}
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req trading.OrderRequest) (trading.OrderResult, error) {
	g.mu.Lock()
	gate, entered := g.submitGate, g.entered
	g.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, req)
	if g.submitErr != nil {
		return trading.OrderResult{}, g.submitErr
	}
	g.nextID++
	return trading.OrderResult{
		OrderID:       fmt.Sprintf("%d", g.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        "NEW",
		SubmittedAt:   time.Now(),
	}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, orderID)
	return g.cancelErr
}

func (g *fakeGateway) GetOpenPosition(ctx context.Context, symbol string, side trading.Side) (trading.Position, error) {
	return trading.Position{}, trading.ErrNotFound
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

func (g *fakeGateway) cancelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancelled)
}

// lotGateway adds a LotFilterSource to fakeGateway.
type lotGateway struct {
	*fakeGateway
}

func (g lotGateway) LotFilter(ctx context.Context, symbol string) (trading.LotFilter, error) {
	if g.lotErr != nil {
		return trading.LotFilter{}, g.lotErr
	}
	return *g.lot, nil
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu    sync.Mutex
	slots map[SlotKey]StoredSlot
}

func newMemStore() *memStore {
	return &memStore{slots: make(map[SlotKey]StoredSlot)}
}

func (s *memStore) SaveSlot(ctx context.Context, slot StoredSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot.Key()] = slot
	return nil
}

func (s *memStore) DeleteSlot(ctx context.Context, key SlotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, key)
	return nil
}

func (s *memStore) LoadSlots(ctx context.Context) ([]StoredSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredSlot, 0, len(s.slots))
	for _, v := range s.slots {
		out = append(out, v)
	}
	return out, nil
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

func longPosition() trading.Position {
	return trading.Position{
		Symbol:     "BTCUSDT",
		Side:       trading.SideLong,
		Quantity:   d("10"),
		EntryPrice: d("100"),
		MarkPrice:  d("100"),
		Leverage:   5,
	}
}
