package orders

import (
	"context"
	"sync"
	"testing"

	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memModificationRepo struct {
	mu     sync.Mutex
	events []*OrderModificationEvent
}

func (r *memModificationRepo) CreateModificationEvent(ctx context.Context, event *OrderModificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = int64(len(r.events) + 1)
	r.events = append(r.events, event)
	return nil
}

func (r *memModificationRepo) GetModificationEvents(ctx context.Context, positionKey string, kind trading.ProtectiveKind) ([]*OrderModificationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*OrderModificationEvent
	for _, e := range r.events {
		if e.PositionKey == positionKey && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memModificationRepo) GetLatestModificationVersion(ctx context.Context, positionKey string, kind trading.ProtectiveKind) (int, error) {
	events, _ := r.GetModificationEvents(ctx, positionKey, kind)
	version := 0
	for _, e := range events {
		if e.Version > version {
			version = e.Version
		}
	}
	return version, nil
}

func TestDetermineImpactDirection(t *testing.T) {
	tests := []struct {
		kind  trading.ProtectiveKind
		side  trading.Side
		delta string
		want  string
	}{
		{trading.KindStop, trading.SideLong, "1", ImpactDirectionTighter},
		{trading.KindStop, trading.SideLong, "-1", ImpactDirectionWider},
		{trading.KindStop, trading.SideShort, "-1", ImpactDirectionTighter},
		{trading.KindStop, trading.SideShort, "1", ImpactDirectionWider},
		{trading.KindTakeProfit, trading.SideLong, "1", ImpactDirectionBetter},
		{trading.KindTakeProfit, trading.SideLong, "-1", ImpactDirectionWorse},
		{trading.KindTakeProfit, trading.SideShort, "-1", ImpactDirectionBetter},
		{trading.KindTakeProfit, trading.SideShort, "1", ImpactDirectionWorse},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"_"+string(tt.side)+"_"+tt.delta, func(t *testing.T) {
			assert.Equal(t, tt.want, determineImpactDirection(tt.kind, tt.side, d(tt.delta)))
		})
	}
}

func TestManagerRecordsModificationHistory(t *testing.T) {
	repo := &memModificationRepo{}
	tracker := NewModificationTracker(repo, zerolog.Nop())
	gw := newFakeGateway()
	m := attachedManager(t, gw, WithModificationTracker(tracker))

	_, err := m.Replace(context.Background(), stopIntent("97"), longPosition())
	require.NoError(t, err)
	require.NoError(t, m.Remove(context.Background(), stopIntent("")))

	key := SlotKey{Symbol: "BTCUSDT", Side: trading.SideLong, Kind: trading.KindStop}
	history, err := tracker.GetModificationHistory(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, EventTypePlaced, history[0].EventType)
	assert.Equal(t, 1, history[0].Version)
	assert.True(t, history[0].DollarImpact.Equal(d("50"))) // |95-100| * 10

	modified := history[1]
	assert.Equal(t, EventTypeModified, modified.EventType)
	assert.Equal(t, 2, modified.Version)
	assert.Equal(t, ImpactDirectionTighter, modified.ImpactDirection)
	require.NotNil(t, modified.PriceDelta)
	assert.True(t, modified.PriceDelta.Equal(d("2")))
	assert.True(t, modified.DollarImpact.Equal(d("-20")))

	assert.Equal(t, EventTypeCancelled, history[2].EventType)
	assert.Equal(t, 3, history[2].Version)

	summary := Summarize(history)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.TotalModifications)
	assert.True(t, summary.InitialPrice.Equal(d("95")))
}
