package risk

import "time"

// Cause records what suspended trading.
type Cause string

const (
	CauseNone      Cause = ""
	CauseDrawdown  Cause = "drawdown"
	CauseDailyLoss Cause = "daily_loss"
	CauseUser      Cause = "user"
)

// Suspension reasons.
const (
	SuspendMaxDrawdown    = "max_drawdown_exceeded"
	SuspendDailyLossLimit = "daily_loss_limit"
	SuspendUserStop       = "user_stop"
)

// State is the account-level risk state. Only Manager mutates it.
type State struct {
	Balance           float64
	Equity            float64
	Margin            float64
	PeakEquity        float64
	DailyPnL          float64
	DailyTradeCount   int
	ConsecutiveLosses int
	TradingSuspended  bool
	SuspensionReason  string
	SuspendedBy       Cause
	DayStart          time.Time
	DayStartBalance   float64
	ProfitTargetHit   bool
}

// MarginLevel is equity over margin in use, in percent as terminals show
// it. ok is false while no margin is in use.
func (s State) MarginLevel() (level float64, ok bool) {
	if s.Margin <= 0 {
		return 0, false
	}
	return s.Equity / s.Margin * 100, true
}

// Drawdown is the fractional fall of equity from its peak.
func (s State) Drawdown() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	dd := (s.PeakEquity - s.Equity) / s.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}
