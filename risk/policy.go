package risk

import (
	"fmt"
	"time"

	"github.com/rustyeddy/fxengine/session"
)

// ClearMode controls how a drawdown suspension ends.
type ClearMode string

const (
	// ClearManual keeps the suspension until an operator clears it.
	ClearManual ClearMode = "manual"
	// ClearRecover also lifts it once drawdown is back under half the limit.
	ClearRecover ClearMode = "recover"
)

// Policy is the risk configuration. Fractions are of account balance unless
// noted; DailyLossLimit and DailyProfitTarget are fractions of the balance at
// the start of the trading day. Zero disables a limit.
type Policy struct {
	RiskPct            float64 // 0.01
	MaxDrawdown        float64 // fraction of peak equity
	DailyLossLimit     float64
	DailyProfitTarget  float64
	StopOnProfitTarget bool
	MaxAccountRisk     float64

	MaxDailyTrades       int
	MaxConsecutiveLosses int
	MaxOpenPositions     int
	MinConfidence        float64

	// MinMarginLevel is the lowest equity/margin percentage at which new
	// orders are still sent, e.g. 200.
	MinMarginLevel float64

	// ForceCloseLossTolerance selects which positions to close on a drawdown
	// breach: those losing more than this fraction of balance. Zero selects
	// every losing position.
	ForceCloseLossTolerance float64
	ForceCloseAll           bool
	DrawdownClearMode       ClearMode

	DayBoundary     *time.Location
	DayBoundaryHour int

	Blackouts *session.Blackouts
}

func DefaultPolicy() Policy {
	return Policy{
		RiskPct:              0.01,
		MaxDrawdown:          0.05,
		DailyLossLimit:       0.05,
		DailyProfitTarget:    0.10,
		MaxAccountRisk:       0.05,
		MaxDailyTrades:       50,
		MaxConsecutiveLosses: 5,
		MaxOpenPositions:     5,
		MinConfidence:        0.6,
		MinMarginLevel:       200,
		DrawdownClearMode:    ClearManual,
		DayBoundary:          time.UTC,
		Blackouts:            session.DefaultBlackouts(),
	}
}

func (p Policy) Validate() error {
	switch {
	case p.RiskPct <= 0 || p.RiskPct > 0.5:
		return fmt.Errorf("risk_pct must be in (0, 0.5], got %v", p.RiskPct)
	case p.MaxDrawdown < 0 || p.MaxDrawdown >= 1:
		return fmt.Errorf("max_drawdown_fraction must be in [0, 1), got %v", p.MaxDrawdown)
	case p.DailyLossLimit < 0 || p.DailyLossLimit > 1:
		return fmt.Errorf("daily_loss_limit must be in [0, 1], got %v", p.DailyLossLimit)
	case p.DailyProfitTarget < 0:
		return fmt.Errorf("daily_profit_target must not be negative")
	case p.MaxAccountRisk < 0 || p.MaxAccountRisk > 1:
		return fmt.Errorf("max_account_risk must be in [0, 1], got %v", p.MaxAccountRisk)
	case p.MinConfidence < 0 || p.MinConfidence > 1:
		return fmt.Errorf("min_confidence must be in [0, 1], got %v", p.MinConfidence)
	case p.MaxDailyTrades < 0 || p.MaxConsecutiveLosses < 0 || p.MaxOpenPositions < 0:
		return fmt.Errorf("trade and position caps must not be negative")
	case p.MinMarginLevel < 0:
		return fmt.Errorf("min_margin_level must not be negative")
	case p.ForceCloseLossTolerance < 0:
		return fmt.Errorf("force_close_loss_tolerance must not be negative")
	case p.DayBoundaryHour < 0 || p.DayBoundaryHour > 23:
		return fmt.Errorf("day_boundary_hour must be in [0, 23], got %d", p.DayBoundaryHour)
	}
	switch p.DrawdownClearMode {
	case ClearManual, ClearRecover, "":
	default:
		return fmt.Errorf("unknown drawdown_clear_mode %q", p.DrawdownClearMode)
	}
	return nil
}
