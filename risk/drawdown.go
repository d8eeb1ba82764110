package risk

import (
	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/position"
)

// DrawdownResult reports the state after an equity update. Triggered is
// true only on the poll that set the drawdown suspension; ForceClose is only
// filled then.
type DrawdownResult struct {
	Suspend    bool
	Reason     string
	Drawdown   float64
	Triggered  bool
	Cleared    bool
	ForceClose []string
}

// PollDrawdown records equity, tracks the peak and enforces the maximum
// drawdown. Repeated polls while already suspended for drawdown have no side
// effects.
func (m *Manager) PollDrawdown(equity float64, open []position.Snapshot) DrawdownResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Equity = equity
	if equity > m.state.PeakEquity {
		m.state.PeakEquity = equity
	}
	dd := m.state.Drawdown()
	res := DrawdownResult{Drawdown: dd}
	limit := m.policy.MaxDrawdown

	if m.state.SuspendedBy == CauseDrawdown && m.policy.DrawdownClearMode == ClearRecover && dd < limit/2 {
		m.logger.Info("drawdown recovered", zap.Float64("drawdown", dd))
		m.clearLocked()
		res.Cleared = true
	}

	if limit > 0 && dd > limit && m.state.SuspendedBy != CauseDrawdown {
		m.suspendLocked(CauseDrawdown, SuspendMaxDrawdown)
		res.Triggered = true
		res.ForceClose = m.selectForceCloseLocked(open)
	}

	res.Suspend = m.state.TradingSuspended
	res.Reason = m.state.SuspensionReason
	return res
}

func (m *Manager) selectForceCloseLocked(open []position.Snapshot) []string {
	var ids []string
	for _, p := range open {
		if p.Status != position.StatusOpen {
			continue
		}
		if m.policy.ForceCloseAll {
			ids = append(ids, p.ID)
			continue
		}
		if p.UnrealizedPnL >= 0 {
			continue
		}
		if m.state.Balance > 0 && -p.UnrealizedPnL/m.state.Balance <= m.policy.ForceCloseLossTolerance {
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids
}
