package orders

import (
	"context"
	"errors"
	"testing"

	"futures-risk-engine/internal/trading"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopIntent(price string) ProtectiveIntent {
	in := ProtectiveIntent{Symbol: "BTCUSDT", Side: trading.SideLong, Kind: trading.KindStop}
	if price != "" {
		in.NewPrice = dp(price)
	}
	return in
}

func attachedManager(t *testing.T, gw *fakeGateway, opts ...ManagerOption) *ProtectiveManager {
	t.Helper()
	m := NewProtectiveManager(gw, zerolog.Nop(), opts...)
	_, err := m.Attach(context.Background(), stopIntent("95"), longPosition())
	require.NoError(t, err)
	return m
}

func TestCheckDirection(t *testing.T) {
	mark := d("100")
	tests := []struct {
		name    string
		kind    trading.ProtectiveKind
		side    trading.Side
		price   string
		wantErr bool
	}{
		{"long stop below mark", trading.KindStop, trading.SideLong, "95", false},
		{"long stop above mark", trading.KindStop, trading.SideLong, "105", true},
		{"long stop at mark", trading.KindStop, trading.SideLong, "100", true},
		{"short stop above mark", trading.KindStop, trading.SideShort, "105", false},
		{"short stop below mark", trading.KindStop, trading.SideShort, "95", true},
		{"long tp above mark", trading.KindTakeProfit, trading.SideLong, "110", false},
		{"long tp below mark", trading.KindTakeProfit, trading.SideLong, "90", true},
		{"short tp below mark", trading.KindTakeProfit, trading.SideShort, "90", false},
		{"short tp above mark", trading.KindTakeProfit, trading.SideShort, "110", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDirection(tt.kind, tt.side, d(tt.price), mark)
			if tt.wantErr {
				assert.ErrorIs(t, err, trading.ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAttach_DirectionRejectedBeforeGateway(t *testing.T) {
	gw := newFakeGateway()
	m := NewProtectiveManager(gw, zerolog.Nop())

	_, err := m.Attach(context.Background(), stopIntent("101"), longPosition())
	require.ErrorIs(t, err, trading.ErrInvalidInput)
	assert.Equal(t, 0, gw.submitCount())
	assert.Equal(t, StateNone, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)
}

func TestAttach_SubmitsReduceOnlyStop(t *testing.T) {
	gw := newFakeGateway()
	m := NewProtectiveManager(gw, zerolog.Nop())

	ref, err := m.Attach(context.Background(), stopIntent("95"), longPosition())
	require.NoError(t, err)

	require.Len(t, gw.submitted, 1)
	req := gw.submitted[0]
	assert.Equal(t, trading.OrderTypeStopMarket, req.Type)
	assert.Equal(t, trading.OrderSideSell, req.Side)
	assert.True(t, req.ReduceOnly)
	assert.True(t, req.Quantity.Equal(d("10")))
	require.NotNil(t, req.StopPrice)
	assert.True(t, req.StopPrice.Equal(d("95")))
	assert.NoError(t, ValidateClientOrderID(req.ClientOrderID))

	snap := m.State("BTCUSDT", trading.SideLong, trading.KindStop)
	assert.Equal(t, StateActive, snap.State)
	require.NotNil(t, snap.Active)
	assert.Equal(t, ref.OrderID, snap.Active.OrderID)
}

func TestAttach_GatewayFailureStaysNone(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErr = errors.New("Order would immediately trigger.")
	m := NewProtectiveManager(gw, zerolog.Nop())

	_, err := m.Attach(context.Background(), stopIntent("95"), longPosition())
	require.Error(t, err)
	assert.True(t, trading.IsGatewayError(err))
	assert.Contains(t, err.Error(), "Order would immediately trigger.")
	assert.Equal(t, 1, gw.submitCount(), "attach must not retry")
	assert.Equal(t, StateNone, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)
}

func TestAttach_FromActiveIsInvalid(t *testing.T) {
	gw := newFakeGateway()
	m := attachedManager(t, gw)

	_, err := m.Attach(context.Background(), stopIntent("96"), longPosition())
	assert.ErrorIs(t, err, trading.ErrInvalidInput)
	assert.Equal(t, 1, gw.submitCount())
}

func TestReplace_SubmitThenCancel(t *testing.T) {
	gw := newFakeGateway()
	m := attachedManager(t, gw)
	old := m.State("BTCUSDT", trading.SideLong, trading.KindStop).Active.OrderID

	ref, err := m.Replace(context.Background(), stopIntent("97"), longPosition())
	require.NoError(t, err)

	assert.Equal(t, 2, gw.submitCount())
	assert.Equal(t, []string{old}, gw.cancelled)
	snap := m.State("BTCUSDT", trading.SideLong, trading.KindStop)
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, ref.OrderID, snap.Active.OrderID)
	assert.True(t, snap.Active.Price.Equal(d("97")))
	assert.Empty(t, snap.StaleOrderIDs)
}

func TestReplace_CancelFailureIsPartialReplace(t *testing.T) {
	gw := newFakeGateway()
	m := attachedManager(t, gw)
	old := m.State("BTCUSDT", trading.SideLong, trading.KindStop).Active.OrderID

	gw.cancelErr = errors.New("exchange timeout")
	ref, err := m.Replace(context.Background(), stopIntent("97"), longPosition())
	require.Error(t, err)

	var pr *trading.PartialReplaceError
	require.True(t, errors.As(err, &pr))
	assert.Equal(t, old, pr.StaleOrderID)
	assert.Equal(t, ref.OrderID, pr.NewOrder.OrderID)
	assert.False(t, errors.Is(err, trading.ErrInvalidInput))
	assert.False(t, trading.IsGatewayError(err))

	snap := m.State("BTCUSDT", trading.SideLong, trading.KindStop)
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, ref.OrderID, snap.Active.OrderID)
	assert.Equal(t, []string{old}, snap.StaleOrderIDs)
}

func TestReplace_CancelNotFoundCompletes(t *testing.T) {
	gw := newFakeGateway()
	m := attachedManager(t, gw)

	gw.cancelErr = trading.ErrNotFound
	_, err := m.Replace(context.Background(), stopIntent("97"), longPosition())
	require.NoError(t, err)
	assert.Empty(t, m.State("BTCUSDT", trading.SideLong, trading.KindStop).StaleOrderIDs)
}

func TestReplace_SubmitFailureKeepsOld(t *testing.T) {
	gw := newFakeGateway()
	m := attachedManager(t, gw)
	before := m.State("BTCUSDT", trading.SideLong, trading.KindStop).Active

	gw.submitErr = errors.New("insufficient margin")
	_, err := m.Replace(context.Background(), stopIntent("97"), longPosition())
	require.Error(t, err)
	assert.True(t, trading.IsGatewayError(err))
	assert.Equal(t, 0, gw.cancelCount(), "old order must not be cancelled")

	snap := m.State("BTCUSDT", trading.SideLong, trading.KindStop)
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, before.OrderID, snap.Active.OrderID)
}

func TestReplace_ConcurrentSecondIsBusy(t *testing.T) {
	gw := newFakeGateway()
	m := attachedManager(t, gw)

	gate := make(chan struct{})
	gw.mu.Lock()
	gw.submitGate = gate
	gw.entered = make(chan struct{}, 1)
	entered := gw.entered
	gw.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := m.Replace(context.Background(), stopIntent("97"), longPosition())
		done <- err
	}()
	<-entered

	_, err := m.Replace(context.Background(), stopIntent("98"), longPosition())
	assert.ErrorIs(t, err, trading.ErrBusy)
	assert.Equal(t, StateReplacing, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)

	// a different kind is not blocked
	gw.mu.Lock()
	gw.submitGate = nil
	gw.entered = nil
	gw.mu.Unlock()
	tp := ProtectiveIntent{Symbol: "BTCUSDT", Side: trading.SideLong, Kind: trading.KindTakeProfit, NewPrice: dp("120")}
	_, tpErr := m.Attach(context.Background(), tp, longPosition())
	assert.NoError(t, tpErr)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateActive, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)
}

func TestRemove(t *testing.T) {
	t.Run("cancels and goes to NONE", func(t *testing.T) {
		gw := newFakeGateway()
		m := attachedManager(t, gw)
		require.NoError(t, m.Remove(context.Background(), stopIntent("")))
		assert.Equal(t, StateNone, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)
	})

	t.Run("not found goes to NONE and is reported", func(t *testing.T) {
		gw := newFakeGateway()
		m := attachedManager(t, gw)
		gw.cancelErr = trading.ErrNotFound
		err := m.Remove(context.Background(), stopIntent(""))
		assert.ErrorIs(t, err, trading.ErrNotFound)
		assert.Equal(t, 1, gw.cancelCount())
		assert.Equal(t, StateNone, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)
	})

	t.Run("other failure reverts to ACTIVE", func(t *testing.T) {
		gw := newFakeGateway()
		m := attachedManager(t, gw)
		gw.cancelErr = errors.New("rate limited")
		err := m.Remove(context.Background(), stopIntent(""))
		assert.True(t, trading.IsGatewayError(err))
		assert.Equal(t, StateActive, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)
	})

	t.Run("from NONE is invalid", func(t *testing.T) {
		m := NewProtectiveManager(newFakeGateway(), zerolog.Nop())
		assert.ErrorIs(t, m.Remove(context.Background(), stopIntent("")), trading.ErrInvalidInput)
	})
}

func TestApply_Dispatch(t *testing.T) {
	gw := newFakeGateway()
	m := NewProtectiveManager(gw, zerolog.Nop())
	ctx := context.Background()

	_, err := m.Apply(ctx, stopIntent("95"), longPosition())
	require.NoError(t, err)
	assert.Equal(t, 1, gw.submitCount())

	_, err = m.Apply(ctx, stopIntent("96"), longPosition())
	require.NoError(t, err)
	assert.Equal(t, 2, gw.submitCount())
	assert.Equal(t, 1, gw.cancelCount())

	_, err = m.Apply(ctx, stopIntent(""), trading.Position{})
	require.NoError(t, err)
	assert.Equal(t, StateNone, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)
}

func TestExistingOrderID(t *testing.T) {
	t.Run("adopted when slot is NONE", func(t *testing.T) {
		gw := newFakeGateway()
		m := NewProtectiveManager(gw, zerolog.Nop())
		in := stopIntent("97")
		in.ExistingOrderID = "555"

		_, err := m.Replace(context.Background(), in, longPosition())
		require.NoError(t, err)
		assert.Equal(t, []string{"555"}, gw.cancelled)
	})

	t.Run("different tracked id is stale", func(t *testing.T) {
		gw := newFakeGateway()
		m := attachedManager(t, gw)
		in := stopIntent("97")
		in.ExistingOrderID = "999"

		_, err := m.Replace(context.Background(), in, longPosition())
		assert.ErrorIs(t, err, trading.ErrInvalidInput)
		assert.Equal(t, 1, gw.submitCount())
	})

	t.Run("attach with existing id leaves slot untouched", func(t *testing.T) {
		gw := newFakeGateway()
		store := newMemStore()
		m := NewProtectiveManager(gw, zerolog.Nop(), WithStateStore(store))
		in := stopIntent("97")
		in.ExistingOrderID = "555"

		_, err := m.Attach(context.Background(), in, longPosition())
		assert.ErrorIs(t, err, trading.ErrInvalidInput)
		assert.Equal(t, StateNone, m.State("BTCUSDT", trading.SideLong, trading.KindStop).State)
		assert.Zero(t, gw.submitCount())

		slots, err := store.LoadSlots(context.Background())
		require.NoError(t, err)
		assert.Empty(t, slots)
	})
}

func TestCancelStaleAndRestore(t *testing.T) {
	gw := newFakeGateway()
	store := newMemStore()
	m := attachedManager(t, gw, WithStateStore(store))

	gw.cancelErr = errors.New("exchange timeout")
	_, err := m.Replace(context.Background(), stopIntent("97"), longPosition())
	require.True(t, trading.IsPartialReplace(err))

	restored := NewProtectiveManager(gw, zerolog.Nop(), WithStateStore(store))
	n, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	snap := restored.State("BTCUSDT", trading.SideLong, trading.KindStop)
	assert.Equal(t, StateActive, snap.State)
	assert.Len(t, snap.StaleOrderIDs, 1)

	gw.cancelErr = nil
	cancelled, err := restored.CancelStale(context.Background(), "BTCUSDT", trading.SideLong, trading.KindStop)
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)
	assert.Empty(t, restored.State("BTCUSDT", trading.SideLong, trading.KindStop).StaleOrderIDs)
}
