package risk

import (
	"sync"
	"testing"
	"time"

	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestSize_ReferenceScenario(t *testing.T) {
	res, err := Size(SizingRequest{
		Balance:     d("10000"),
		RiskPercent: d("2"),
		EntryPrice:  d("100"),
		StopPrice:   d("98"),
		Leverage:    10,
	})
	require.NoError(t, err)

	assert.True(t, res.StopDistancePercent.Equal(d("2")), "distance %s", res.StopDistancePercent)
	assert.True(t, res.RiskAmount.Equal(d("200")), "risk %s", res.RiskAmount)
	assert.True(t, res.NotionalSize.Equal(d("10000")), "notional %s", res.NotionalSize)
	assert.True(t, res.Quantity.Equal(d("100")), "quantity %s", res.Quantity)
	assert.True(t, res.MarginRequired.Equal(d("1000")), "margin %s", res.MarginRequired)
}

func TestSize_SelfConsistent(t *testing.T) {
	tests := []SizingRequest{
		{Balance: d("10000"), RiskPercent: d("2"), EntryPrice: d("100"), StopPrice: d("98"), Leverage: 10},
		{Balance: d("2500"), RiskPercent: d("1.5"), EntryPrice: d("64250.5"), StopPrice: d("63100"), Leverage: 20},
		{Balance: d("730.12"), RiskPercent: d("0.75"), EntryPrice: d("0.0412"), StopPrice: d("0.0431"), Leverage: 3},
		{Balance: d("1"), RiskPercent: d("100"), EntryPrice: d("3"), StopPrice: d("1"), Leverage: 1},
	}
	tolerance := d("0.000001")

	for _, req := range tests {
		t.Run(req.EntryPrice.String(), func(t *testing.T) {
			res, err := Size(req)
			require.NoError(t, err)

			// quantity * |entry - stop| ~= risk_amount
			loss := res.Quantity.Mul(req.EntryPrice.Sub(req.StopPrice).Abs())
			assert.True(t, loss.Sub(res.RiskAmount).Abs().LessThan(tolerance), "loss %s risk %s", loss, res.RiskAmount)

			// margin * leverage ~= notional
			notional := res.MarginRequired.Mul(decimal.NewFromInt(int64(req.Leverage)))
			assert.True(t, notional.Sub(res.NotionalSize).Abs().LessThan(tolerance), "notional %s vs %s", notional, res.NotionalSize)
		})
	}
}

func TestSize_Deterministic(t *testing.T) {
	req := SizingRequest{Balance: d("1234.56"), RiskPercent: d("1.1"), EntryPrice: d("27.3"), StopPrice: d("26.9"), Leverage: 7}
	first, err := Size(req)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := Size(req)
			assert.NoError(t, err)
			assert.Equal(t, first.Quantity.String(), res.Quantity.String())
			assert.Equal(t, first.MarginRequired.String(), res.MarginRequired.String())
		}()
	}
	wg.Wait()
}

func TestSize_InvalidInput(t *testing.T) {
	valid := SizingRequest{Balance: d("10000"), RiskPercent: d("2"), EntryPrice: d("100"), StopPrice: d("98"), Leverage: 10}

	tests := []struct {
		name   string
		mutate func(*SizingRequest)
	}{
		{"zero stop distance", func(r *SizingRequest) { r.StopPrice = r.EntryPrice }},
		{"zero balance", func(r *SizingRequest) { r.Balance = decimal.Zero }},
		{"negative balance", func(r *SizingRequest) { r.Balance = d("-1") }},
		{"zero risk", func(r *SizingRequest) { r.RiskPercent = decimal.Zero }},
		{"risk over 100", func(r *SizingRequest) { r.RiskPercent = d("100.01") }},
		{"zero entry", func(r *SizingRequest) { r.EntryPrice = decimal.Zero }},
		{"zero stop", func(r *SizingRequest) { r.StopPrice = decimal.Zero }},
		{"zero leverage", func(r *SizingRequest) { r.Leverage = 0 }},
		{"long stop above entry", func(r *SizingRequest) { r.Side = trading.SideLong; r.StopPrice = d("102") }},
		{"short stop below entry", func(r *SizingRequest) { r.Side = trading.SideShort }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := Size(req)
			assert.ErrorIs(t, err, trading.ErrInvalidInput)
		})
	}
}

func TestManager(t *testing.T) {
	t.Run("caps risk and leverage", func(t *testing.T) {
		m := NewManager(Config{MaxRiskPerTrade: 1, MaxLeverage: 5})
		_, err := m.Size(SizingRequest{Balance: d("10000"), RiskPercent: d("2"), EntryPrice: d("100"), StopPrice: d("98"), Leverage: 3})
		assert.ErrorIs(t, err, trading.ErrInvalidInput)

		_, err = m.Size(SizingRequest{Balance: d("10000"), RiskPercent: d("1"), EntryPrice: d("100"), StopPrice: d("98"), Leverage: 10})
		assert.ErrorIs(t, err, trading.ErrInvalidInput)

		_, err = m.Size(SizingRequest{Balance: d("10000"), RiskPercent: d("1"), EntryPrice: d("100"), StopPrice: d("98"), Leverage: 5})
		assert.NoError(t, err)
	})

	t.Run("max open positions", func(t *testing.T) {
		m := NewManager(Config{MaxOpenPositions: 1})
		ok, _ := m.CanOpenPosition(d("1000"), 0)
		assert.True(t, ok)
		ok, reason := m.CanOpenPosition(d("1000"), 1)
		assert.False(t, ok)
		assert.Contains(t, reason, "max open positions")
	})

	t.Run("daily drawdown", func(t *testing.T) {
		m := NewManager(Config{MaxDailyDrawdown: 5})
		m.RecordRealizedPnL(d("-30"))
		ok, _ := m.CanOpenPosition(d("1000"), 0)
		assert.True(t, ok, "3% loss is under the limit")

		m.RecordRealizedPnL(d("-30"))
		ok, reason := m.CanOpenPosition(d("1000"), 0)
		assert.False(t, ok)
		assert.Contains(t, reason, "daily drawdown")
		assert.True(t, m.DailyPnL().Equal(d("-60")))
	})

	t.Run("drawdown resets on a new day", func(t *testing.T) {
		m := NewManager(Config{MaxDailyDrawdown: 5})
		day := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return day }
		m.dailyPnLReset = day.Truncate(24 * time.Hour)
		m.RecordRealizedPnL(d("-100"))

		day = day.Add(2 * time.Hour)
		ok, _ := m.CanOpenPosition(d("1000"), 0)
		assert.True(t, ok)
		assert.True(t, m.DailyPnL().IsZero())
	})
}
