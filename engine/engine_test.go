package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/broker/sim"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/metrics"
	"github.com/rustyeddy/fxengine/model"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/risk"
	"github.com/rustyeddy/fxengine/signal"
	"github.com/rustyeddy/fxengine/telemetry"
)

// Tuesday, inside the London session and clear of the news windows.
var t0 = time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type notes struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *notes) Publish(ev notify.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return true
}

func (n *notes) count(k notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Kind == k {
			c++
		}
	}
	return c
}

type broadcasts struct {
	mu    sync.Mutex
	types []string
}

func (b *broadcasts) Broadcast(typ string, _ any) {
	b.mu.Lock()
	b.types = append(b.types, typ)
	b.mu.Unlock()
}

// equityBroker reports a fixed equity so drawdown can be forced.
type equityBroker struct {
	*sim.Engine
	mu     sync.Mutex
	equity float64
}

func (b *equityBroker) setEquity(v float64) {
	b.mu.Lock()
	b.equity = v
	b.mu.Unlock()
}

func (b *equityBroker) Account(ctx context.Context) (broker.Account, error) {
	acct, err := b.Engine.Account(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil && b.equity > 0 {
		acct.Equity = b.equity
	}
	return acct, err
}

// gatedBroker parks Open for one instrument until release is closed.
type gatedBroker struct {
	*sim.Engine
	instrument string
	entered    chan struct{}
	release    chan struct{}
	opens      atomic.Int32
}

func (b *gatedBroker) Open(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	if req.Instrument == b.instrument {
		b.opens.Add(1)
		b.entered <- struct{}{}
		<-b.release
	}
	return b.Engine.Open(ctx, req)
}

type fixture struct {
	e       *Engine
	sim     *sim.Engine
	clock   *clock
	notes   *notes
	journal *journal.Memory
	tele    *broadcasts
}

func testConfig(instruments ...string) *config.Config {
	cfg := config.Default()
	cfg.Instruments = nil
	for _, in := range instruments {
		cfg.Instruments = append(cfg.Instruments, config.InstrumentConfig{Name: in, Timeframe: "M1"})
	}
	cfg.Strategy.Mode = "scalping"
	cfg.Strategy.DataMaxAge = ""
	cfg.Strategy.Profiles = map[string]signal.Weights{"scalping": {signal.FactorModel: 1}}
	cfg.News.Enabled = false
	cfg.Trailing.Enabled = false
	cfg.PartialClose.Enabled = false
	cfg.BreakEven.Enabled = false
	cfg.Engine.PollInterval = "10ms"
	return cfg
}

func seed(t *testing.T, s *sim.Engine, instrument string, bid, ask float64) {
	t.Helper()
	var bars []market.Candle
	for i := 30; i > 0; i-- {
		mid := (bid + ask) / 2
		bars = append(bars, market.Candle{Time: t0.Add(-time.Duration(i) * time.Minute), Open: mid, High: mid, Low: mid, Close: mid, Volume: 1})
	}
	s.LoadCandles(instrument, bars)
	require.NoError(t, s.UpdatePrice(market.Tick{Instrument: instrument, Bid: bid, Ask: ask, Time: t0}))
}

func newFixture(t *testing.T, cfg *config.Config, b broker.Broker, pred model.Predictor, extra ...Option) *fixture {
	t.Helper()
	store, err := config.NewStore(cfg)
	require.NoError(t, err)

	f := &fixture{clock: &clock{now: t0}, notes: &notes{}, journal: &journal.Memory{}, tele: &broadcasts{}}
	switch v := b.(type) {
	case *sim.Engine:
		f.sim = v
	case *equityBroker:
		f.sim = v.Engine
	case *gatedBroker:
		f.sim = v.Engine
	}
	opts := []Option{
		WithClock(f.clock.Now),
		WithJournal(f.journal),
		WithNotifier(f.notes),
		WithTelemetry(f.tele),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithPredictor(pred),
		WithSleeper(execution.SleeperFunc(func(context.Context, time.Duration) error { return nil })),
	}
	f.e, err = New(store, b, append(opts, extra...)...)
	require.NoError(t, err)
	return f
}

// step runs one round and waits for the cycles it started.
func (f *fixture) step(ctx context.Context) {
	f.e.step(ctx)
	f.e.inflight.Wait()
}

var bullish = model.Static{P: model.Prediction{Long: 0.9, Short: 0.05, Flat: 0.05}}

func simBroker(t *testing.T, instruments ...string) *sim.Engine {
	s := sim.NewEngine("USD", 10000)
	for _, in := range instruments {
		switch in {
		case "GBP_USD":
			seed(t, s, in, 1.2500, 1.2502)
		default:
			seed(t, s, in, 1.1000, 1.1002)
		}
	}
	return s
}

func TestNewRequiresConfigAndBroker(t *testing.T) {
	_, err := New(nil, sim.NewEngine("USD", 1))
	assert.Error(t, err)

	store, err := config.NewStore(config.Default())
	require.NoError(t, err)
	_, err = New(store, nil)
	assert.Error(t, err)
}

func TestCycleOpensSizedPosition(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)

	f.step(ctx)

	snaps := f.e.sup.Snapshots()
	require.Len(t, snaps, 1)
	p := snaps[0]
	assert.Equal(t, position.StatusOpen, p.Status)
	assert.Equal(t, signal.Long, p.Direction)
	// 1% of 10000 over 25 pips at $10 a pip per lot
	assert.InDelta(t, 0.4, p.Volume, 1e-9)
	assert.InDelta(t, 1.1002, p.EntryPrice, 1e-9)
	assert.InDelta(t, 1.0977, p.StopLoss, 1e-9)
	assert.InDelta(t, 1.1052, p.TakeProfit, 1e-9)

	held, err := f.sim.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, p.ID, held[0].ID)

	assert.Equal(t, 1, f.e.risk.Snapshot().DailyTradeCount)
	assert.Equal(t, 1, f.notes.count(notify.KindOpened))
	st := f.e.Status()
	assert.Equal(t, int64(1), st.Counters.Opened)
	assert.Equal(t, int64(1), st.Counters.Signals)
	assert.Len(t, st.Positions, 1)
}

func TestCycleSkippedWhileSuspended(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)
	require.True(t, f.e.risk.Suspend())

	f.step(ctx)

	held, err := f.sim.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Equal(t, int64(0), f.e.Status().Counters.Signals)
}

func TestFlatSignalOpensNothing(t *testing.T) {
	flat := model.Static{P: model.Prediction{Flat: 1}}
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), flat)
	ctx := context.Background()
	f.e.pollAccount(ctx)

	f.step(ctx)

	assert.Empty(t, f.e.sup.Snapshots())
	assert.Equal(t, int64(0), f.e.Status().Counters.Rejections)
}

func TestMissingDataFailsClosed(t *testing.T) {
	s := sim.NewEngine("USD", 10000)
	require.NoError(t, s.UpdatePrice(market.Tick{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002, Time: t0}))
	s.FailNext("candles", errors.New("history unavailable"))
	f := newFixture(t, testConfig("EUR_USD"), s, bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)

	f.step(ctx)

	assert.Empty(t, f.e.sup.Snapshots())
}

func TestMaxPositionsRejects(t *testing.T) {
	cfg := testConfig("EUR_USD")
	cfg.Risk.MaxOpenPositions = 1
	f := newFixture(t, cfg, simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)

	f.step(ctx)
	f.step(ctx)

	assert.Len(t, f.e.sup.Snapshots(), 1)
	assert.Equal(t, int64(1), f.e.Status().Counters.Rejections)
}

func TestConcurrentCyclesShareRiskBudget(t *testing.T) {
	cfg := testConfig("EUR_USD", "GBP_USD")
	// room for exactly one 1% trade
	cfg.Risk.MaxAccountRisk = 0.015
	f := newFixture(t, cfg, simBroker(t, "EUR_USD", "GBP_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)

	f.step(ctx)

	assert.Len(t, f.e.sup.Snapshots(), 1)
	st := f.e.Status()
	assert.Equal(t, int64(1), st.Counters.Opened)
	assert.Equal(t, int64(1), st.Counters.Rejections)
}

func TestFatalOpenRejectsPending(t *testing.T) {
	s := simBroker(t, "EUR_USD")
	s.FailNext("open", broker.NewOrderError("open", broker.CodeInsufficientMargin, "no margin"))
	f := newFixture(t, testConfig("EUR_USD"), s, bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)

	f.step(ctx)

	assert.Empty(t, f.e.sup.Snapshots())
	openRisk, n := f.e.sup.Exposure()
	assert.Zero(t, openRisk)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.notes.count(notify.KindRejected))
	st := f.e.Status()
	assert.Equal(t, int64(1), st.Counters.OrderFailures)
	assert.Equal(t, int64(1), st.Counters.Rejected)
	assert.Equal(t, 0, f.e.risk.Snapshot().DailyTradeCount)
}

func TestConnectionLossPausesOpening(t *testing.T) {
	cfg := testConfig("EUR_USD")
	cfg.Execution.MaxRetries = 1
	s := simBroker(t, "EUR_USD")
	s.FailNext("open", broker.ErrConnectionUnavailable, broker.ErrConnectionUnavailable)
	f := newFixture(t, cfg, s, bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)

	f.step(ctx)
	assert.Empty(t, f.e.sup.Snapshots())

	// the next tick finds the connection back
	f.step(ctx)
	assert.Len(t, f.e.sup.Snapshots(), 1)
}

func TestStopLossCloseBooksLoss(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)
	f.step(ctx)
	require.Len(t, f.e.sup.Snapshots(), 1)

	tick := market.Tick{Instrument: "EUR_USD", Bid: 1.0970, Ask: 1.0972, Time: t0.Add(time.Minute)}
	require.NoError(t, f.sim.UpdatePrice(tick))
	f.e.handleTick(ctx, tick)

	assert.Empty(t, f.e.sup.Snapshots())
	trades := f.journal.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "stop_loss", trades[0].Reason)
	assert.Equal(t, "long", trades[0].Direction)
	assert.Less(t, trades[0].PnL, 0.0)

	st := f.e.risk.Snapshot()
	assert.InDelta(t, trades[0].PnL, st.DailyPnL, 1e-9)
	assert.Equal(t, 1, st.ConsecutiveLosses)
	assert.Equal(t, 1, f.notes.count(notify.KindClosed))
}

func TestOutOfOrderTickIgnored(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)
	f.step(ctx)
	require.Len(t, f.e.sup.Snapshots(), 1)

	// through the stop, but older than the quote the order was priced from
	f.e.handleTick(ctx, market.Tick{Instrument: "EUR_USD", Bid: 1.0970, Ask: 1.0972, Time: t0.Add(-time.Minute)})

	assert.Len(t, f.e.sup.Snapshots(), 1)
	assert.Empty(t, f.journal.Trades())
	q, err := f.e.ticks.Get("EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 1.1, q.Bid)
}

func TestStaleQuoteRefreshedFromBroker(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()
	qs := quoteSource{f.e.ticks, f.e.broker, f.e.now}

	q, err := qs.GetTick(ctx, "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 1.1, q.Bid)

	// the stream missed this one
	later := t0.Add(time.Minute)
	require.NoError(t, f.sim.UpdatePrice(market.Tick{Instrument: "EUR_USD", Bid: 1.1010, Ask: 1.1012, Time: later}))

	f.clock.Advance(quoteMaxAge / 2)
	q, err = qs.GetTick(ctx, "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 1.1, q.Bid)

	f.clock.Advance(quoteMaxAge)
	q, err = qs.GetTick(ctx, "EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 1.1010, q.Bid)
	stored, err := f.e.ticks.Get("EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, later, stored.Time)
}

func TestBrokerSideStopFoundByPoll(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)
	f.step(ctx)
	require.Len(t, f.e.sup.Snapshots(), 1)

	// the terminal fills the stop before the supervisor sees the tick
	tick := market.Tick{Instrument: "EUR_USD", Bid: 1.0970, Ask: 1.0972, Time: t0.Add(time.Minute)}
	require.NoError(t, f.sim.UpdatePrice(tick))
	f.e.pollAccount(ctx)

	acct, err := f.sim.Account(ctx)
	require.NoError(t, err)
	// 0.4 lots from 1.1002 out at 1.0970
	assert.InDelta(t, 9872, acct.Balance, 1e-6)

	st := f.e.risk.Snapshot()
	assert.InDelta(t, 9872, st.Balance, 1e-6)
	assert.InDelta(t, -128, st.DailyPnL, 1e-6)
	assert.Equal(t, 1, st.ConsecutiveLosses)

	trades := f.journal.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "broker_closed", trades[0].Reason)
	assert.InDelta(t, -128, trades[0].PnL, 1e-6)
	assert.InDelta(t, 1.0970, trades[0].ExitPrice, 1e-9)

	// the late tick and the next poll book nothing twice
	f.e.handleTick(ctx, tick)
	f.e.pollAccount(ctx)
	st = f.e.risk.Snapshot()
	assert.InDelta(t, 9872, st.Balance, 1e-6)
	assert.InDelta(t, -128, st.DailyPnL, 1e-6)
	assert.Len(t, f.journal.Trades(), 1)
}

func TestSlowInstrumentDoesNotBlockOthers(t *testing.T) {
	cfg := testConfig("EUR_USD", "GBP_USD")
	b := &gatedBroker{
		Engine:     simBroker(t, "EUR_USD", "GBP_USD"),
		instrument: "GBP_USD",
		entered:    make(chan struct{}, 4),
		release:    make(chan struct{}),
	}
	f := newFixture(t, cfg, b, bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)

	f.e.step(ctx)
	select {
	case <-b.entered:
	case <-time.After(time.Second):
		t.Fatal("GBP_USD order never reached the broker")
	}
	require.Eventually(t, func() bool {
		for _, s := range f.e.sup.Snapshots() {
			if s.Instrument == "EUR_USD" && s.Status == position.StatusOpen {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// GBP_USD is still busy, so this round does not start a second cycle
	// for it
	f.e.step(ctx)
	assert.Equal(t, int32(1), b.opens.Load())

	close(b.release)
	f.e.inflight.Wait()
	var instruments []string
	for _, s := range f.e.sup.Snapshots() {
		instruments = append(instruments, s.Instrument)
	}
	assert.Contains(t, instruments, "GBP_USD")
}

func TestDrawdownSuspendsAndForceCloses(t *testing.T) {
	cfg := testConfig("EUR_USD")
	cfg.Risk.ForceCloseAll = true
	b := &equityBroker{Engine: simBroker(t, "EUR_USD")}
	f := newFixture(t, cfg, b, bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)
	f.step(ctx)
	require.Len(t, f.e.sup.Snapshots(), 1)

	b.setEquity(9000)
	f.e.pollAccount(ctx)

	ok, reason := f.e.risk.TradingAllowed()
	assert.False(t, ok)
	assert.Equal(t, risk.SuspendMaxDrawdown, reason)
	held, err := f.sim.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Equal(t, 1, f.notes.count(notify.KindSuspended))

	// repeated polls while suspended change nothing
	f.e.pollAccount(ctx)
	assert.Equal(t, 1, f.notes.count(notify.KindSuspended))

	f.step(ctx)
	held, err = f.sim.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestDayResetPublishesOnce(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)
	assert.Equal(t, 1, f.notes.count(notify.KindDailyReset))

	f.e.pollAccount(ctx)
	assert.Equal(t, 1, f.notes.count(notify.KindDailyReset))

	f.clock.Advance(24 * time.Hour)
	f.step(ctx)
	assert.Equal(t, 2, f.notes.count(notify.KindDailyReset))
	assert.Equal(t, 10000.0, f.e.risk.Snapshot().DayStartBalance)
}

func TestEnqueueValidatesAndBounds(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)

	assert.Error(t, f.e.Enqueue(Command{Kind: CmdClosePosition}))
	assert.Error(t, f.e.Enqueue(Command{Kind: CmdReloadConfig}))
	assert.Error(t, f.e.Enqueue(Command{Kind: "explode"}))

	for i := 0; i < commandBuffer; i++ {
		require.NoError(t, f.e.Enqueue(Command{Kind: CmdStop}))
	}
	assert.ErrorIs(t, f.e.Enqueue(Command{Kind: CmdStop}), ErrQueueFull)
}

func TestTelemetryCommandSink(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	sink := f.e.CommandSink()

	require.NoError(t, sink(telemetry.Command{Cmd: telemetry.CmdClose, ID: "p1"}))
	c := <-f.e.cmds
	assert.Equal(t, CmdClosePosition, c.Kind)
	assert.Equal(t, "p1", c.PositionID)
}

func TestStopResumeAndClear(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()

	require.NoError(t, f.e.apply(ctx, Command{Kind: CmdStop}))
	ok, reason := f.e.risk.TradingAllowed()
	assert.False(t, ok)
	assert.Equal(t, risk.SuspendUserStop, reason)

	require.NoError(t, f.e.apply(ctx, Command{Kind: CmdResume}))
	ok, _ = f.e.risk.TradingAllowed()
	assert.True(t, ok)

	require.NoError(t, f.e.apply(ctx, Command{Kind: CmdStop}))
	require.NoError(t, f.e.apply(ctx, Command{Kind: CmdClearSuspension}))
	ok, _ = f.e.risk.TradingAllowed()
	assert.True(t, ok)
	assert.Equal(t, 2, f.notes.count(notify.KindSuspended))
	assert.Equal(t, 2, f.notes.count(notify.KindResumed))
}

func TestCloseCommands(t *testing.T) {
	cfg := testConfig("EUR_USD", "GBP_USD")
	f := newFixture(t, cfg, simBroker(t, "EUR_USD", "GBP_USD"), bullish)
	ctx := context.Background()
	f.e.pollAccount(ctx)
	f.step(ctx)
	snaps := f.e.sup.Snapshots()
	require.Len(t, snaps, 2)

	require.NoError(t, f.e.apply(ctx, Command{Kind: CmdClosePosition, PositionID: snaps[0].ID}))
	assert.Len(t, f.e.sup.Snapshots(), 1)
	// closing it again is a no-op
	require.NoError(t, f.e.apply(ctx, Command{Kind: CmdClosePosition, PositionID: snaps[0].ID}))

	require.NoError(t, f.e.apply(ctx, Command{Kind: CmdCloseAll}))
	assert.Empty(t, f.e.sup.Snapshots())
	assert.Len(t, f.journal.Trades(), 2)
	for _, tr := range f.journal.Trades() {
		assert.Equal(t, "manual", tr.Reason)
	}
}

func TestReloadConfig(t *testing.T) {
	f := newFixture(t, testConfig("EUR_USD"), simBroker(t, "EUR_USD"), bullish)
	ctx := context.Background()

	next := testConfig("EUR_USD", "GBP_USD")
	next.Risk.RiskPct = 0.02
	next.Trailing.Enabled = true
	require.NoError(t, f.e.apply(ctx, Command{Kind: CmdReloadConfig, Config: next}))

	assert.Same(t, next, f.e.store.Load())
	assert.Equal(t, 0.02, f.e.risk.Policy().RiskPct)
	assert.True(t, f.e.sup.Rules().Trailing.Enabled)
	select {
	case <-f.e.resub:
	default:
		t.Fatal("instrument change did not request a resubscribe")
	}

	bad := testConfig("EUR_USD")
	bad.Risk.RiskPct = 0
	assert.Error(t, f.e.apply(ctx, Command{Kind: CmdReloadConfig, Config: bad}))
	assert.Same(t, next, f.e.store.Load())
	assert.Equal(t, 0.02, f.e.risk.Policy().RiskPct)
}

func TestRunTradesAndStops(t *testing.T) {
	cfg := testConfig("EUR_USD")
	cfg.Risk.MaxOpenPositions = 1
	f := newFixture(t, cfg, simBroker(t, "EUR_USD"), bullish)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.e.sup.Snapshots()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.e.Enqueue(Command{Kind: CmdStop}))
	require.Eventually(t, func() bool {
		ok, _ := f.e.risk.TradingAllowed()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
