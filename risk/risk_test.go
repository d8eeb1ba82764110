package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/signal"
)

// Wednesday 10:00 UTC, outside every default news window.
var wed10 = time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

var lots = market.LotSpec{Min: 0.01, Max: 100, Step: 0.01}

func fixed(t time.Time) func() time.Time { return func() time.Time { return t } }

func newManager(t *testing.T, mutate func(*Policy)) *Manager {
	t.Helper()
	p := DefaultPolicy()
	p.MinConfidence = 0.5
	if mutate != nil {
		mutate(&p)
	}
	require.NoError(t, p.Validate())
	m := NewManager(p, fixed(wed10))
	m.SyncAccount(10000, 10000, 0)
	m.ResetDay(wed10)
	return m
}

func longSignal(conf float64) signal.Signal {
	return signal.Signal{Instrument: "EUR_USD", Direction: signal.Long, Confidence: conf}
}

func candidate() Candidate {
	return Candidate{Instrument: "EUR_USD", EntryPrice: 1.1, StopLoss: 1.095, StopDistancePips: 50, PipValuePerLot: 10, Lots: lots}
}

func TestSizeVolume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                      string
		balance, pct, pips, value float64
		lots                      market.LotSpec
		want                      float64
		ok                        bool
	}{
		{"two risk units", 10000, 0.01, 50, 1, market.LotSpec{Min: 0.1, Max: 100, Step: 0.1}, 2.0, true},
		{"floored to step", 10000, 0.01, 30, 10, market.LotSpec{Min: 0.1, Max: 100, Step: 0.1}, 0.3, true},
		{"fine step", 10000, 0.01, 30, 10, lots, 0.33, true},
		{"capped at max", 1e7, 0.02, 10, 10, lots, 100, true},
		{"below min lot is not upsized", 100, 0.01, 50, 10, lots, 0, false},
		{"zero stop", 10000, 0.01, 0, 10, lots, 0, false},
		{"zero pip value", 10000, 0.01, 50, 0, lots, 0, false},
		{"invalid lot spec", 10000, 0.01, 50, 10, market.LotSpec{}, 0, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := SizeVolume(tt.balance, tt.pct, tt.pips, tt.value, tt.lots)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
			if ok {
				assert.LessOrEqual(t, RiskAmount(got, tt.pips, tt.value), tt.balance*tt.pct+1e-9)
			}
		})
	}
}

func TestPretradeCheckOrder(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*Manager)
		policy func(*Policy)
		sig    signal.Signal
		cand   Candidate
		exp    Exposure
		reason string
	}{
		{name: "approved", sig: longSignal(0.9), cand: candidate()},
		{name: "suspended beats everything", setup: func(m *Manager) { m.Suspend() }, sig: signal.Signal{}, reason: ReasonSuspended},
		{name: "daily trade cap", policy: func(p *Policy) { p.MaxDailyTrades = 1 },
			setup: func(m *Manager) { m.PosttradeUpdate(Event{Kind: EventFill}) }, sig: signal.Signal{}, reason: ReasonDailyTradeCap},
		{name: "loss streak", policy: func(p *Policy) { p.MaxConsecutiveLosses = 2; p.DailyLossLimit = 0 },
			setup: func(m *Manager) {
				m.PosttradeUpdate(Event{Kind: EventClose, PnL: -10})
				m.PosttradeUpdate(Event{Kind: EventClose, PnL: -10})
			}, sig: longSignal(0.9), cand: candidate(), reason: ReasonLossStreak},
		{name: "max positions", sig: longSignal(0.9), cand: candidate(), exp: Exposure{OpenPositions: 5}, reason: ReasonMaxPositions},
		{name: "profit target", policy: func(p *Policy) { p.StopOnProfitTarget = true },
			setup: func(m *Manager) { m.PosttradeUpdate(Event{Kind: EventClose, PnL: 1000}) }, sig: longSignal(0.9), cand: candidate(), reason: ReasonProfitTarget},
		{name: "profit target ignored unless configured",
			setup: func(m *Manager) { m.PosttradeUpdate(Event{Kind: EventClose, PnL: 1000}) }, sig: longSignal(0.9), cand: candidate()},
		{name: "margin level", setup: func(m *Manager) { m.SyncAccount(10000, 9000, 6000) },
			sig: signal.Signal{}, reason: ReasonMarginLevelLow},
		{name: "margin level disabled", policy: func(p *Policy) { p.MinMarginLevel = 0 },
			setup: func(m *Manager) { m.SyncAccount(10000, 9000, 6000) }, sig: longSignal(0.9), cand: candidate()},
		{name: "margin level healthy", setup: func(m *Manager) { m.SyncAccount(10000, 10000, 2000) },
			sig: longSignal(0.9), cand: candidate()},
		{name: "flat signal", sig: signal.Signal{Direction: signal.Flat, Confidence: 1}, cand: candidate(), reason: ReasonNoDirection},
		{name: "low confidence", sig: longSignal(0.2), cand: candidate(), reason: ReasonLowConfidence},
		{name: "invalid stop", sig: longSignal(0.9), cand: Candidate{Instrument: "EUR_USD", PipValuePerLot: 10, Lots: lots}, reason: ReasonInvalidStop},
		{name: "below min lot", sig: longSignal(0.9), cand: Candidate{Instrument: "EUR_USD", StopDistancePips: 50000, PipValuePerLot: 10, Lots: lots}, reason: ReasonBelowMinLot},
		{name: "account risk", sig: longSignal(0.9), cand: candidate(), exp: Exposure{OpenRisk: 450, OpenPositions: 1}, reason: ReasonMaxAccountRisk},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := newManager(t, tt.policy)
			if tt.setup != nil {
				tt.setup(m)
			}
			d := m.PretradeCheck(tt.sig, tt.cand, tt.exp)
			assert.Equal(t, tt.reason, d.Reason, d.Detail)
			assert.Equal(t, tt.reason == "", d.Approved)
		})
	}
}

func TestApprovedDecisionSizing(t *testing.T) {
	m := newManager(t, nil)
	d := m.PretradeCheck(longSignal(0.9), candidate(), Exposure{})
	require.True(t, d.Approved)
	assert.InDelta(t, 0.2, d.Volume, 1e-9) // 100 / (50 * 10)
	assert.InDelta(t, 100, d.RiskAmount, 1e-9)
	assert.Equal(t, 50.0, d.StopDistancePips)
}

func TestLowConfidenceAlwaysRejected(t *testing.T) {
	m := newManager(t, func(p *Policy) { p.MinConfidence = 0.7 })
	for c := 0.0; c < 0.7; c += 0.05 {
		d := m.PretradeCheck(longSignal(c), candidate(), Exposure{})
		assert.False(t, d.Approved)
		assert.Equal(t, ReasonLowConfidence, d.Reason, "confidence %v", c)
	}
}

func TestNewsBlackoutRejects(t *testing.T) {
	p := DefaultPolicy()
	m := NewManager(p, fixed(time.Date(2025, 6, 4, 13, 0, 0, 0, time.UTC)))
	m.SyncAccount(10000, 10000, 0)
	d := m.PretradeCheck(longSignal(0.9), candidate(), Exposure{})
	assert.Equal(t, ReasonNewsBlackout, d.Reason)

	p.Blackouts = nil
	m.SetPolicy(p)
	assert.True(t, m.PretradeCheck(longSignal(0.9), candidate(), Exposure{}).Approved)
}

func TestExposureNeverExceedsMaxAccountRisk(t *testing.T) {
	m := newManager(t, func(p *Policy) { p.MaxOpenPositions = 0 })
	limit := m.Policy().MaxAccountRisk * 10000

	for _, pips := range []float64{5, 12.5, 20, 50, 80, 150} {
		var exp Exposure
		for i := 0; i < 50; i++ {
			c := candidate()
			c.StopDistancePips = pips
			d := m.PretradeCheck(longSignal(0.9), c, exp)
			if !d.Approved {
				assert.Equal(t, ReasonMaxAccountRisk, d.Reason)
				break
			}
			exp.OpenRisk += d.RiskAmount
			exp.OpenPositions++
			assert.LessOrEqual(t, exp.OpenRisk, limit+1e-9)
		}
	}
}

func TestDailyLossLimitScenario(t *testing.T) {
	m := newManager(t, nil) // 5% of 10000

	assert.False(t, m.PosttradeUpdate(Event{Kind: EventClose, PnL: -300}))
	assert.True(t, m.PosttradeUpdate(Event{Kind: EventClose, PnL: -200}))

	d := m.PretradeCheck(longSignal(1), candidate(), Exposure{})
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonDailyLossLimit, d.Reason)

	ok, reason := m.TradingAllowed()
	assert.False(t, ok)
	assert.Equal(t, SuspendDailyLossLimit, reason)

	st := m.Snapshot()
	assert.Equal(t, 2, st.ConsecutiveLosses)
	// the broker's balance arrives with the next poll, not from the closes
	assert.InDelta(t, 10000, st.Balance, 1e-9)
	m.SyncAccount(9500, 9500, 0)
	assert.InDelta(t, 9500, m.Snapshot().Balance, 1e-9)

	// next day clears the daily loss suspension
	assert.True(t, m.ResetDay(wed10.Add(24*time.Hour)))
	ok, _ = m.TradingAllowed()
	assert.True(t, ok)
	assert.Zero(t, m.Snapshot().DailyPnL)
	assert.InDelta(t, 9500, m.Snapshot().DayStartBalance, 1e-9)
}

func TestPosttradeUpdateStreak(t *testing.T) {
	m := newManager(t, func(p *Policy) { p.DailyLossLimit = 0 })
	m.PosttradeUpdate(Event{Kind: EventFill})
	m.PosttradeUpdate(Event{Kind: EventClose, PnL: -5})
	m.PosttradeUpdate(Event{Kind: EventPartialClose, PnL: 3})
	assert.Equal(t, 1, m.Snapshot().ConsecutiveLosses)
	m.PosttradeUpdate(Event{Kind: EventClose, PnL: 5})

	st := m.Snapshot()
	assert.Equal(t, 1, st.DailyTradeCount)
	assert.Zero(t, st.ConsecutiveLosses)
	assert.InDelta(t, 3, st.DailyPnL, 1e-9)
}

func TestResetDayIdempotent(t *testing.T) {
	m := newManager(t, nil)
	m.PosttradeUpdate(Event{Kind: EventFill})
	m.PosttradeUpdate(Event{Kind: EventClose, PnL: -20})

	next := wed10.Add(20 * time.Hour) // Thursday 06:00
	assert.True(t, m.ResetDay(next))
	once := m.Snapshot()
	assert.False(t, m.ResetDay(next.Add(3*time.Hour)))
	assert.Equal(t, once, m.Snapshot())
	assert.Zero(t, once.DailyTradeCount)
	assert.Equal(t, time.Date(2025, 6, 5, 0, 0, 0, 0, time.UTC), once.DayStart)
}

func TestDayBoundaryHourAndZone(t *testing.T) {
	ny := time.FixedZone("EDT", -4*3600)
	m := newManager(t, func(p *Policy) { p.DayBoundary = ny; p.DayBoundaryHour = 17 })

	// 16:59 and 17:01 New York time straddle the boundary
	before := time.Date(2025, 6, 4, 16, 59, 0, 0, ny)
	after := time.Date(2025, 6, 4, 17, 1, 0, 0, ny)
	m.ResetDay(before)
	assert.False(t, m.ResetDay(before.Add(-time.Hour)))
	assert.True(t, m.ResetDay(after))
	assert.True(t, m.Snapshot().DayStart.Equal(time.Date(2025, 6, 4, 17, 0, 0, 0, ny)))
}

func snap(id string, pnl float64) position.Snapshot {
	return position.Snapshot{Position: position.Position{ID: id, Status: position.StatusOpen}, UnrealizedPnL: pnl}
}

func TestPollDrawdownTriggersOnce(t *testing.T) {
	m := newManager(t, func(p *Policy) { p.ForceCloseLossTolerance = 0.01 })
	open := []position.Snapshot{snap("winner", 50), snap("small", -50), snap("big", -300)}

	res := m.PollDrawdown(10200, open)
	assert.False(t, res.Suspend)
	assert.Equal(t, 10200.0, m.Snapshot().PeakEquity)

	res = m.PollDrawdown(9600, open) // 5.9% off peak
	assert.True(t, res.Triggered)
	assert.True(t, res.Suspend)
	assert.Equal(t, SuspendMaxDrawdown, res.Reason)
	assert.Equal(t, []string{"big"}, res.ForceClose)

	res = m.PollDrawdown(9500, open)
	assert.False(t, res.Triggered)
	assert.True(t, res.Suspend)
	assert.Empty(t, res.ForceClose)

	d := m.PretradeCheck(longSignal(1), candidate(), Exposure{})
	assert.Equal(t, ReasonSuspended, d.Reason)

	// drawdown survives the day reset
	m.ResetDay(wed10.Add(24 * time.Hour))
	ok, _ := m.TradingAllowed()
	assert.False(t, ok)
	assert.False(t, m.Resume())
	assert.False(t, m.ClearSuspension(false))

	assert.True(t, m.ClearSuspension(true))
	assert.Equal(t, 9500.0, m.Snapshot().PeakEquity)
	ok, _ = m.TradingAllowed()
	assert.True(t, ok)
}

func TestPollDrawdownForceCloseSelection(t *testing.T) {
	open := []position.Snapshot{snap("a", 10), snap("b", -1), snap("c", -400)}

	m := newManager(t, nil)
	assert.Equal(t, []string{"b", "c"}, m.PollDrawdown(9000, open).ForceClose)

	m = newManager(t, func(p *Policy) { p.ForceCloseAll = true })
	assert.Equal(t, []string{"a", "b", "c"}, m.PollDrawdown(9000, open).ForceClose)
}

func TestPollDrawdownRecoverMode(t *testing.T) {
	m := newManager(t, func(p *Policy) { p.DrawdownClearMode = ClearRecover })
	require.True(t, m.PollDrawdown(9400, nil).Triggered)

	res := m.PollDrawdown(9700, nil) // 3% is still above half the limit
	assert.True(t, res.Suspend)
	assert.False(t, res.Cleared)

	res = m.PollDrawdown(9800, nil)
	assert.True(t, res.Cleared)
	assert.False(t, res.Suspend)
	assert.False(t, res.Triggered)
}

func TestUserStopAndResume(t *testing.T) {
	m := newManager(t, nil)
	assert.True(t, m.Suspend())
	assert.False(t, m.Suspend())
	ok, reason := m.TradingAllowed()
	assert.False(t, ok)
	assert.Equal(t, SuspendUserStop, reason)
	assert.True(t, m.Resume())
	ok, _ = m.TradingAllowed()
	assert.True(t, ok)
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := []func(*Policy){
		func(p *Policy) { p.RiskPct = 0 },
		func(p *Policy) { p.MaxDrawdown = 1 },
		func(p *Policy) { p.MinConfidence = 2 },
		func(p *Policy) { p.DayBoundaryHour = 24 },
		func(p *Policy) { p.DrawdownClearMode = "never" },
	}
	for _, mutate := range bad {
		p := DefaultPolicy()
		mutate(&p)
		assert.Error(t, p.Validate())
	}
}
