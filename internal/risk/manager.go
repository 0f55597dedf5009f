package risk

import (
	"fmt"
	"sync"
	"time"

	"futures-risk-engine/internal/trading"

	"github.com/shopspring/decimal"
)

// Config holds account-level risk caps. Zero values disable a cap.
type Config struct {
	MaxRiskPerTrade  float64 // Percentage of account to risk per trade
	MaxLeverage      int
	MaxDailyDrawdown float64 // Max daily loss percentage before new entries are refused
	MaxOpenPositions int
}

// Manager applies account-level caps on top of Size. Open positions are
// counted by the caller from the exchange; realized PnL is accumulated per
// UTC day for the drawdown gate.
type Manager struct {
	config        Config
	dailyPnL      decimal.Decimal
	dailyPnLReset time.Time
	now           func() time.Time
	mu            sync.RWMutex
}

// NewManager creates a new risk manager
func NewManager(config Config) *Manager {
	return &Manager{
		config:        config,
		now:           time.Now,
		dailyPnLReset: time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// Size checks the per-trade caps, then delegates to Size.
func (m *Manager) Size(req SizingRequest) (SizingResult, error) {
	if err := m.CheckLimits(req.RiskPercent, req.Leverage); err != nil {
		return SizingResult{}, err
	}
	return Size(req)
}

// CheckLimits validates a risk percent and leverage against the per-trade caps.
func (m *Manager) CheckLimits(riskPercent decimal.Decimal, leverage int) error {
	if m.config.MaxRiskPerTrade > 0 && riskPercent.GreaterThan(decimal.NewFromFloat(m.config.MaxRiskPerTrade)) {
		return fmt.Errorf("%w: risk percent %s exceeds max risk per trade %.2f%%",
			trading.ErrInvalidInput, riskPercent, m.config.MaxRiskPerTrade)
	}
	if m.config.MaxLeverage > 0 && leverage > m.config.MaxLeverage {
		return fmt.Errorf("%w: leverage %dx exceeds max leverage %dx",
			trading.ErrInvalidInput, leverage, m.config.MaxLeverage)
	}
	return nil
}

// CanOpenPosition reports whether a new entry is allowed for an account with
// the given balance and number of open positions. The reason is empty when
// allowed.
func (m *Manager) CanOpenPosition(balance decimal.Decimal, openPositions int) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset()

	if m.config.MaxOpenPositions > 0 && openPositions >= m.config.MaxOpenPositions {
		return false, fmt.Sprintf("max open positions reached (%d of %d)", openPositions, m.config.MaxOpenPositions)
	}

	if m.config.MaxDailyDrawdown > 0 && balance.IsPositive() && m.dailyPnL.IsNegative() {
		lossPct := m.dailyPnL.Neg().Mul(hundred).DivRound(balance, divPrecision)
		if lossPct.GreaterThanOrEqual(decimal.NewFromFloat(m.config.MaxDailyDrawdown)) {
			return false, fmt.Sprintf("daily drawdown limit reached (%s%%)", lossPct.StringFixed(2))
		}
	}
	return true, ""
}

// RecordRealizedPnL adds the PnL realized by a close to today's total.
func (m *Manager) RecordRealizedPnL(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset()
	m.dailyPnL = m.dailyPnL.Add(pnl)
}

// DailyPnL returns the realized PnL of the current UTC day.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset()
	return m.dailyPnL
}

// Stats returns a snapshot of the tracked counters.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset()
	return map[string]interface{}{
		"daily_pnl":          m.dailyPnL.String(),
		"max_open_positions": m.config.MaxOpenPositions,
		"max_daily_drawdown": m.config.MaxDailyDrawdown,
		"max_risk_per_trade": m.config.MaxRiskPerTrade,
		"max_leverage":       m.config.MaxLeverage,
	}
}

// checkDailyReset must be called with mu held.
func (m *Manager) checkDailyReset() {
	today := m.now().UTC().Truncate(24 * time.Hour)
	if today.After(m.dailyPnLReset) {
		m.dailyPnL = decimal.Zero
		m.dailyPnLReset = today
	}
}
