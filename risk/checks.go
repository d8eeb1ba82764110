package risk

import (
	"fmt"

	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/signal"
)

// Rejection reasons, in the order the checks run.
const (
	ReasonSuspended      = "trading_suspended"
	ReasonDailyLossLimit = "daily_loss_limit_reached"
	ReasonDailyTradeCap  = "daily_trade_cap_reached"
	ReasonLossStreak     = "loss_streak_reached"
	ReasonMaxPositions   = "max_positions_reached"
	ReasonProfitTarget   = "daily_profit_target_reached"
	ReasonMarginLevelLow = "margin_level_low"
	ReasonNoDirection    = "no_direction"
	ReasonLowConfidence  = "low_confidence"
	ReasonNewsBlackout   = "news_blackout"
	ReasonInvalidStop    = "invalid_stop"
	ReasonBelowMinLot    = "below_min_lot"
	ReasonMaxAccountRisk = "max_account_risk_exceeded"
)

// Candidate is the order the engine wants to place.
type Candidate struct {
	Instrument       string
	EntryPrice       float64
	StopLoss         float64
	StopDistancePips float64
	PipValuePerLot   float64
	Lots             market.LotSpec
}

// Exposure is what is already at risk in pending and open positions.
type Exposure struct {
	OpenRisk      float64
	OpenPositions int
}

// Decision is the outcome of a pre-trade check. A rejection is a normal
// result, not an error.
type Decision struct {
	Approved         bool
	Volume           float64
	Reason           string
	Detail           string
	StopDistancePips float64
	RiskAmount       float64
}

func reject(reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// PretradeCheck runs the checks in order and returns at the first failure.
// The state is read under the lock; sizing uses that same copy.
func (m *Manager) PretradeCheck(sig signal.Signal, c Candidate, exp Exposure) Decision {
	m.mu.Lock()
	st := m.state
	p := m.policy
	dailyLoss := m.dailyLossHitLocked()
	m.mu.Unlock()

	switch {
	// a daily loss suspension reports as the daily loss check below
	case st.TradingSuspended && st.SuspendedBy != CauseDailyLoss:
		return reject(ReasonSuspended, "suspended: %s", st.SuspensionReason)
	case dailyLoss || st.SuspendedBy == CauseDailyLoss:
		return reject(ReasonDailyLossLimit, "daily pnl %.2f at limit %.2f", st.DailyPnL, -p.DailyLossLimit*st.DayStartBalance)
	case p.MaxDailyTrades > 0 && st.DailyTradeCount >= p.MaxDailyTrades:
		return reject(ReasonDailyTradeCap, "%d trades today, cap %d", st.DailyTradeCount, p.MaxDailyTrades)
	case p.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= p.MaxConsecutiveLosses:
		return reject(ReasonLossStreak, "%d consecutive losses", st.ConsecutiveLosses)
	case p.MaxOpenPositions > 0 && exp.OpenPositions >= p.MaxOpenPositions:
		return reject(ReasonMaxPositions, "%d open positions, max %d", exp.OpenPositions, p.MaxOpenPositions)
	case p.StopOnProfitTarget && st.ProfitTargetHit:
		return reject(ReasonProfitTarget, "daily pnl %.2f", st.DailyPnL)
	}
	if level, ok := st.MarginLevel(); ok && p.MinMarginLevel > 0 && level < p.MinMarginLevel {
		return reject(ReasonMarginLevelLow, "margin level %.0f%% below %.0f%%", level, p.MinMarginLevel)
	}

	switch {
	case sig.Direction == signal.Flat:
		return reject(ReasonNoDirection, "signal is flat")
	case sig.Confidence < p.MinConfidence:
		return reject(ReasonLowConfidence, "confidence %.2f below %.2f", sig.Confidence, p.MinConfidence)
	}

	if name, ok := p.Blackouts.Active(m.now(), c.Instrument); ok {
		return reject(ReasonNewsBlackout, "inside %s window", name)
	}

	if c.StopDistancePips <= 0 || c.PipValuePerLot <= 0 {
		return reject(ReasonInvalidStop, "stop %.1f pips, pip value %.4f", c.StopDistancePips, c.PipValuePerLot)
	}
	vol, ok := SizeVolume(st.Balance, p.RiskPct, c.StopDistancePips, c.PipValuePerLot, c.Lots)
	if !ok {
		return reject(ReasonBelowMinLot, "sized below minimum lot %.2f", c.Lots.Min)
	}
	amount := RiskAmount(vol, c.StopDistancePips, c.PipValuePerLot)

	if p.MaxAccountRisk > 0 {
		limit := p.MaxAccountRisk * st.Balance
		if exp.OpenRisk+amount > limit {
			d := reject(ReasonMaxAccountRisk, "open risk %.2f + %.2f exceeds %.2f", exp.OpenRisk, amount, limit)
			d.StopDistancePips, d.RiskAmount = c.StopDistancePips, amount
			return d
		}
	}

	return Decision{
		Approved:         true,
		Volume:           vol,
		StopDistancePips: c.StopDistancePips,
		RiskAmount:       amount,
	}
}
