// Package risk owns the account risk state: position sizing, ordered
// pre-trade checks, post-trade bookkeeping, drawdown monitoring and the
// trading-day reset.
package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager guards State with one short-held mutex. No method calls out to the
// broker or blocks while holding it.
type Manager struct {
	mu     sync.Mutex
	policy Policy
	state  State
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithState seeds the manager, e.g. with a restored state.
func WithState(s State) Option { return func(m *Manager) { m.state = s } }

func NewManager(policy Policy, clock func() time.Time, opts ...Option) *Manager {
	if clock == nil {
		clock = time.Now
	}
	m := &Manager{policy: policy, now: clock, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy swaps in a reloaded policy; state is kept.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TradingAllowed is the single answer to whether new orders may be sent.
func (m *Manager) TradingAllowed() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.TradingSuspended {
		return false, m.state.SuspensionReason
	}
	return true, ""
}

// SyncAccount takes balance, equity and margin in use from the broker. The
// first call also seeds peak equity and the day's opening balance.
func (m *Manager) SyncAccount(balance, equity, margin float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Balance = balance
	m.state.Equity = equity
	m.state.Margin = margin
	if equity > m.state.PeakEquity {
		m.state.PeakEquity = equity
	}
	if m.state.DayStartBalance == 0 {
		m.state.DayStartBalance = balance
	}
}

func (m *Manager) suspendLocked(cause Cause, reason string) {
	m.state.TradingSuspended = true
	m.state.SuspendedBy = cause
	m.state.SuspensionReason = reason
	m.logger.Warn("trading suspended", zap.String("reason", reason),
		zap.Float64("equity", m.state.Equity), zap.Float64("daily_pnl", m.state.DailyPnL))
}

func (m *Manager) clearLocked() {
	m.state.TradingSuspended = false
	m.state.SuspendedBy = CauseNone
	m.state.SuspensionReason = ""
}

// Suspend stops new orders at the operator's request. An existing
// suspension is left as is.
func (m *Manager) Suspend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.TradingSuspended {
		return false
	}
	m.suspendLocked(CauseUser, SuspendUserStop)
	return true
}

// Resume lifts a user stop. Risk suspensions need ClearSuspension.
func (m *Manager) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.SuspendedBy != CauseUser {
		return false
	}
	m.clearLocked()
	m.logger.Info("trading resumed")
	return true
}

// ClearSuspension lifts a suspension. A manual clear lifts any suspension
// and rebases peak equity to current equity so the same drawdown does not
// immediately trip again. Otherwise a drawdown suspension only clears once
// drawdown is back under half the limit.
func (m *Manager) ClearSuspension(manual bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.TradingSuspended {
		return false
	}
	if !manual && m.state.SuspendedBy == CauseDrawdown && m.state.Drawdown() >= m.policy.MaxDrawdown/2 {
		return false
	}
	if manual {
		m.state.PeakEquity = m.state.Equity
	}
	m.logger.Info("suspension cleared", zap.String("reason", m.state.SuspensionReason), zap.Bool("manual", manual))
	m.clearLocked()
	return true
}

type EventKind int

const (
	EventFill EventKind = iota
	EventClose
	EventPartialClose
)

// Event is a fill or realized close reported after execution.
type Event struct {
	Kind       EventKind
	PositionID string
	PnL        float64
	Time       time.Time
}

// PosttradeUpdate books a fill or a close. Closed P&L counts toward the
// day; Balance is left to SyncAccount since the broker already holds it. It
// returns true when the update tripped the daily loss limit.
func (m *Manager) PosttradeUpdate(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case EventFill:
		m.state.DailyTradeCount++
	case EventClose, EventPartialClose:
		m.state.DailyPnL += ev.PnL
		if ev.Kind == EventClose {
			switch {
			case ev.PnL < 0:
				m.state.ConsecutiveLosses++
			case ev.PnL > 0:
				m.state.ConsecutiveLosses = 0
			}
		}
	}

	if target := m.policy.DailyProfitTarget * m.state.DayStartBalance; target > 0 && m.state.DailyPnL >= target {
		m.state.ProfitTargetHit = true
	}
	if m.dailyLossHitLocked() && !m.state.TradingSuspended {
		m.suspendLocked(CauseDailyLoss, SuspendDailyLossLimit)
		return true
	}
	return false
}

func (m *Manager) dailyLossHitLocked() bool {
	limit := m.policy.DailyLossLimit * m.state.DayStartBalance
	return limit > 0 && m.state.DailyPnL <= -limit
}

// dayStart is the most recent day boundary at or before t.
func (m *Manager) dayStart(t time.Time) time.Time {
	loc := m.policy.DayBoundary
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	b := time.Date(t.Year(), t.Month(), t.Day(), m.policy.DayBoundaryHour, 0, 0, 0, loc)
	if t.Before(b) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// ResetDay starts a new trading day if now is past the current one. Calling
// it again within the same day changes nothing. A daily loss suspension is
// lifted; drawdown and user suspensions carry over.
func (m *Manager) ResetDay(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.dayStart(now)
	if start.Equal(m.state.DayStart) {
		return false
	}
	m.state.DayStart = start
	m.state.DayStartBalance = m.state.Balance
	m.state.DailyPnL = 0
	m.state.DailyTradeCount = 0
	m.state.ConsecutiveLosses = 0
	m.state.ProfitTargetHit = false
	if m.state.SuspendedBy == CauseDailyLoss {
		m.clearLocked()
	}
	m.logger.Info("trading day reset", zap.Time("day_start", start), zap.Float64("balance", m.state.Balance))
	return true
}
