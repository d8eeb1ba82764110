package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/signal"
)

type modifyCall struct {
	id     string
	sl, tp float64
}

type closeCall struct {
	id     string
	volume float64
}

type fakeExec struct {
	mu        sync.Mutex
	modifies  []modifyCall
	closes    []closeCall
	modifyErr error
	closeErr  error
	profit    float64
	// gone makes Close report the position as already closed.
	gone  bool
	deals map[string][]broker.CloseResult
	// hold, when set, parks Close for that position id until release is
	// closed; entered receives the id once the call is parked.
	hold    string
	release chan struct{}
	entered chan string
}

func (f *fakeExec) Modify(ctx context.Context, id string, sl, tp float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modifyErr != nil {
		return f.modifyErr
	}
	f.modifies = append(f.modifies, modifyCall{id, sl, tp})
	return nil
}

func (f *fakeExec) Close(ctx context.Context, id string, volume float64) (broker.CloseResult, error) {
	f.mu.Lock()
	wait := f.hold != "" && f.hold == id
	f.mu.Unlock()
	if wait {
		f.entered <- id
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return broker.CloseResult{}, f.closeErr
	}
	f.closes = append(f.closes, closeCall{id, volume})
	if f.gone {
		return broker.CloseResult{PositionID: id, AlreadyClosed: true}, nil
	}
	return broker.CloseResult{PositionID: id, Volume: volume, Profit: f.profit, Time: time.Unix(100, 0)}, nil
}

func (f *fakeExec) Deals(ctx context.Context, id string) ([]broker.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deals[id], nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnPositionEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func pipValue(string) (float64, error) { return 10, nil }

func tick(bid float64) market.Tick {
	return market.Tick{Instrument: "EUR_USD", Bid: bid, Ask: bid + 0.0001}
}

func newLong(t *testing.T, rules Rules, vol float64) (*Supervisor, *fakeExec, *recorder) {
	t.Helper()
	exec := &fakeExec{}
	rec := &recorder{}
	s := NewSupervisor(exec, rules, WithObserver(rec), WithPipValuer(pipValue))
	require.NoError(t, s.Register(Position{
		ID: "p1", Instrument: "EUR_USD", Direction: signal.Long,
		Volume: vol, EntryPrice: 1.1000, StopLoss: 1.0950,
	}))
	return s, exec, rec
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusOpen, true},
		{StatusPending, StatusRejected, true},
		{StatusOpen, StatusClosing, true},
		{StatusClosing, StatusClosed, true},
		{StatusClosing, StatusOpen, true},
		{StatusOpen, StatusPending, false},
		{StatusOpen, StatusClosed, false},
		{StatusClosed, StatusOpen, false},
		{StatusRejected, StatusOpen, false},
		{StatusClosed, StatusClosing, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPendingAckReject(t *testing.T) {
	rec := &recorder{}
	s := NewSupervisor(&fakeExec{}, Rules{}, WithObserver(rec), WithPipValuer(pipValue))

	require.NoError(t, s.Pending(Position{ClientTag: "tag1", Instrument: "EUR_USD", Direction: signal.Long, Volume: 1, EntryPrice: 1.1, StopLoss: 1.095}))
	assert.Error(t, s.Pending(Position{ClientTag: "tag1", Instrument: "EUR_USD"}))
	assert.Error(t, s.Pending(Position{Instrument: "EUR_USD"}))

	risk, n := s.Exposure()
	assert.Equal(t, 1, n)
	assert.InDelta(t, 500, risk, 1e-6) // 50 pips * $10 * 1 lot

	snap, err := s.Ack("tag1", broker.Fill{PositionID: "p9", Price: 1.1001, Volume: 1, StopLoss: 1.0951})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, snap.Status)
	assert.Equal(t, "p9", snap.ID)
	got, ok := s.Get("p9")
	require.True(t, ok)
	assert.Equal(t, 1.0951, got.StopLoss)

	_, err = s.Ack("tag1", broker.Fill{PositionID: "p9"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Pending(Position{ClientTag: "tag2", Instrument: "EUR_USD", Direction: signal.Short, Volume: 1}))
	require.NoError(t, s.Reject("tag2", errors.New("market_closed")))
	assert.Equal(t, []EventKind{EventOpened, EventRejected}, rec.kinds())

	_, n = s.Exposure()
	assert.Equal(t, 1, n)
}

func TestTrailingOnlyTightens(t *testing.T) {
	rules := Rules{Trailing: TrailingRule{Enabled: true, TriggerPips: 10, StepPips: 5, DistancePips: 10}}
	s, exec, _ := newLong(t, rules, 1)
	ctx := context.Background()

	prev := 1.0950
	for _, bid := range []float64{1.1005, 1.1010, 1.1012, 1.1020, 1.1015, 1.1030} {
		s.OnTick(ctx, tick(bid))
		snap, ok := s.Get("p1")
		require.True(t, ok)
		assert.GreaterOrEqual(t, snap.StopLoss, prev, "stop loosened at %v", bid)
		prev = snap.StopLoss
	}

	require.Len(t, exec.modifies, 3)
	assert.InDelta(t, 1.1000, exec.modifies[0].sl, 1e-9)
	assert.InDelta(t, 1.1010, exec.modifies[1].sl, 1e-9)
	assert.InDelta(t, 1.1020, exec.modifies[2].sl, 1e-9)
	snap, _ := s.Get("p1")
	assert.Equal(t, 3, snap.Trailing.Moves)
}

func TestBreakEvenOnce(t *testing.T) {
	rules := Rules{BreakEven: BreakEvenRule{Enabled: true, TriggerPips: 15, OffsetPips: 2}}
	s, exec, rec := newLong(t, rules, 1)
	ctx := context.Background()

	s.OnTick(ctx, tick(1.1010))
	assert.Empty(t, exec.modifies)

	s.OnTick(ctx, tick(1.1016))
	s.OnTick(ctx, tick(1.1030))
	require.Len(t, exec.modifies, 1)
	assert.InDelta(t, 1.1002, exec.modifies[0].sl, 1e-9)
	assert.Equal(t, []EventKind{EventModified}, rec.kinds())
}

func TestPartialCloseOnce(t *testing.T) {
	rules := Rules{PartialClose: PartialCloseRule{Enabled: true, Fraction: 0.5, TriggerPips: 20}}
	s, exec, rec := newLong(t, rules, 0.25)
	exec.profit = 24
	ctx := context.Background()

	s.OnTick(ctx, tick(1.1020))
	s.OnTick(ctx, tick(1.1040))

	require.Len(t, exec.closes, 1)
	assert.Equal(t, closeCall{"p1", 0.12}, exec.closes[0])
	snap, _ := s.Get("p1")
	assert.Equal(t, 0.13, snap.Volume)
	assert.Equal(t, 0.25, snap.InitialVolume)
	assert.True(t, snap.PartialClosed)
	assert.InDelta(t, 24, snap.RealizedPnL, 1e-9)
	assert.Equal(t, []EventKind{EventPartial}, rec.kinds())
}

func TestPartialCloseSkippedBelowMinLot(t *testing.T) {
	rules := Rules{PartialClose: PartialCloseRule{Enabled: true, Fraction: 0.5, TriggerPips: 20}}
	s, exec, _ := newLong(t, rules, 0.01)

	s.OnTick(context.Background(), tick(1.1025))
	assert.Empty(t, exec.closes)
	snap, _ := s.Get("p1")
	assert.True(t, snap.PartialClosed)
	assert.Equal(t, 0.01, snap.Volume)
}

func TestStopLossHitAndIdempotentClose(t *testing.T) {
	s, exec, rec := newLong(t, Rules{}, 1)
	exec.profit = -500
	ctx := context.Background()

	s.OnTick(ctx, tick(1.0949))
	snap, ok := s.Get("p1")
	require.True(t, ok)
	assert.Equal(t, StatusClosed, snap.Status)
	assert.Equal(t, "stop_loss", snap.CloseReason)
	assert.InDelta(t, -500, snap.RealizedPnL, 1e-9)

	require.NoError(t, s.ClosePosition(ctx, "p1", "manual"))
	s.OnTick(ctx, tick(1.0900))
	assert.Len(t, exec.closes, 1)
	assert.Equal(t, []EventKind{EventClosed}, rec.kinds())
	assert.Empty(t, s.Snapshots())

	assert.ErrorIs(t, s.ClosePosition(ctx, "nope", "manual"), ErrNotFound)
	assert.Equal(t, 1, s.Prune(time.Unix(200, 0)))
	_, ok = s.Get("p1")
	assert.False(t, ok)
}

func TestTakeProfitShort(t *testing.T) {
	exec := &fakeExec{}
	s := NewSupervisor(exec, Rules{})
	require.NoError(t, s.Register(Position{ID: "s1", Instrument: "EUR_USD", Direction: signal.Short,
		Volume: 1, EntryPrice: 1.1000, StopLoss: 1.1050, TakeProfit: 1.0950}))

	// short exits on the ask
	s.OnTick(context.Background(), market.Tick{Instrument: "EUR_USD", Bid: 1.0948, Ask: 1.0951})
	assert.Empty(t, exec.closes)
	s.OnTick(context.Background(), market.Tick{Instrument: "EUR_USD", Bid: 1.0947, Ask: 1.0950})
	require.Len(t, exec.closes, 1)
	snap, _ := s.Get("s1")
	assert.Equal(t, "take_profit", snap.CloseReason)
}

func TestFailedCloseReturnsToOpen(t *testing.T) {
	s, exec, rec := newLong(t, Rules{}, 1)
	exec.closeErr = broker.NewOrderError("close", broker.CodeMarketClosed, "")

	err := s.ClosePosition(context.Background(), "p1", "manual")
	require.Error(t, err)
	assert.Equal(t, broker.CodeMarketClosed, broker.CodeOf(err))
	snap, _ := s.Get("p1")
	assert.Equal(t, StatusOpen, snap.Status)
	assert.Empty(t, rec.kinds())
}

func TestForceCloseAndCloseAll(t *testing.T) {
	s, exec, _ := newLong(t, Rules{}, 1)
	require.NoError(t, s.Register(Position{ID: "p2", Instrument: "EUR_USD", Direction: signal.Short, Volume: 1, EntryPrice: 1.1}))
	require.Error(t, s.Register(Position{ID: "p2", Instrument: "EUR_USD"}))

	err := s.ForceClose(context.Background(), []string{"p2", "missing"}, "drawdown")
	assert.ErrorIs(t, err, ErrNotFound)
	require.Len(t, exec.closes, 1)

	require.NoError(t, s.CloseAll(context.Background(), "user"))
	assert.Len(t, exec.closes, 2)
	assert.Empty(t, s.Snapshots())
}

func TestSnapshotPnL(t *testing.T) {
	s, _, _ := newLong(t, Rules{}, 2)
	s.OnTick(context.Background(), tick(1.1010))
	snap, _ := s.Get("p1")
	assert.InDelta(t, 200, snap.UnrealizedPnL, 1e-6) // 10 pips * $10 * 2 lots
	assert.InDelta(t, 1000, snap.RiskAmount, 1e-6)
}

func TestReconcile(t *testing.T) {
	s, _, rec := newLong(t, Rules{}, 1)
	s.Reconcile(context.Background(), []broker.PositionInfo{{
		ID: "b7", Instrument: "EUR_USD", Direction: signal.Short, Volume: 0.5, OpenPrice: 1.2, StopLoss: 1.21,
	}})

	p1, _ := s.Get("p1")
	assert.Equal(t, StatusClosed, p1.Status)
	assert.Equal(t, "broker_closed", p1.CloseReason)
	assert.Equal(t, []EventKind{EventClosed}, rec.kinds())

	b7, ok := s.Get("b7")
	require.True(t, ok)
	assert.Equal(t, StatusOpen, b7.Status)

	s.Reconcile(context.Background(), []broker.PositionInfo{{ID: "b7", Volume: 0.4, StopLoss: 1.205}})
	b7, _ = s.Get("b7")
	assert.Equal(t, 0.4, b7.Volume)
	assert.Equal(t, 1.205, b7.StopLoss)
}

func TestReconcileLeavesPendingToAck(t *testing.T) {
	s := NewSupervisor(&fakeExec{}, Rules{})
	require.NoError(t, s.Pending(Position{ClientTag: "tag-1", Instrument: "EUR_USD", Direction: signal.Long, Volume: 1}))

	s.Reconcile(context.Background(), []broker.PositionInfo{{ID: "b1", ClientTag: "tag-1", Instrument: "EUR_USD", Direction: signal.Long, Volume: 1}})
	_, ok := s.Get("b1")
	assert.False(t, ok)

	_, err := s.Ack("tag-1", broker.Fill{PositionID: "b1", Volume: 1, Price: 1.1})
	require.NoError(t, err)
	snap, ok := s.Get("b1")
	require.True(t, ok)
	assert.Equal(t, StatusOpen, snap.Status)
}

func TestReconcileBooksBrokerDeals(t *testing.T) {
	s, exec, rec := newLong(t, Rules{}, 1)
	// the last tick seen was at entry, so the mark alone would book nothing
	exec.deals = map[string][]broker.CloseResult{
		"p1": {{PositionID: "p1", Volume: 1, Price: 1.0950, Profit: -500, Time: time.Unix(150, 0)}},
	}

	s.Reconcile(context.Background(), nil)

	p1, _ := s.Get("p1")
	assert.Equal(t, StatusClosed, p1.Status)
	assert.InDelta(t, -500, p1.RealizedPnL, 1e-9)
	assert.Equal(t, 1.0950, p1.ClosePrice)
	assert.Equal(t, time.Unix(150, 0), p1.ClosedAt)
	require.Len(t, rec.events, 1)
	assert.InDelta(t, -500, rec.events[0].PnL, 1e-9)
}

func TestReconcileAfterPartialBooksRemainder(t *testing.T) {
	rules := Rules{PartialClose: PartialCloseRule{Enabled: true, Fraction: 0.5, TriggerPips: 20}}
	s, exec, rec := newLong(t, rules, 0.25)
	exec.profit = 24
	s.OnTick(context.Background(), tick(1.1020))

	exec.deals = map[string][]broker.CloseResult{
		"p1": {
			{PositionID: "p1", Volume: 0.12, Price: 1.1020, Profit: 24},
			{PositionID: "p1", Volume: 0.13, Price: 1.0950, Profit: -65},
		},
	}
	s.Reconcile(context.Background(), nil)

	require.Equal(t, []EventKind{EventPartial, EventClosed}, rec.kinds())
	assert.InDelta(t, -65, rec.events[1].PnL, 1e-9)
	p1, _ := s.Get("p1")
	assert.InDelta(t, -41, p1.RealizedPnL, 1e-9)
}

func TestReconcileWithoutDealsUsesMark(t *testing.T) {
	s, _, rec := newLong(t, Rules{}, 1)
	s.OnTick(context.Background(), tick(1.0980))

	s.Reconcile(context.Background(), nil)

	require.Len(t, rec.events, 1)
	assert.InDelta(t, -200, rec.events[0].PnL, 1e-6) // 20 pips * $10
}

func TestAlreadyClosedTakesBrokerProfit(t *testing.T) {
	s, exec, rec := newLong(t, Rules{}, 1)
	exec.gone = true
	exec.deals = map[string][]broker.CloseResult{
		"p1": {{PositionID: "p1", Volume: 1, Price: 1.0948, Profit: -520}},
	}

	s.OnTick(context.Background(), tick(1.0949))

	require.Len(t, rec.events, 1)
	assert.Equal(t, "stop_loss", rec.events[0].Reason)
	assert.InDelta(t, -520, rec.events[0].PnL, 1e-9)
	assert.Equal(t, 1.0948, rec.events[0].Price)
}

// parkClose registers a second position "a" whose broker close blocks, and
// starts a close on it. The returned func unblocks it and waits.
func parkClose(t *testing.T, s *Supervisor, exec *fakeExec) func() {
	t.Helper()
	require.NoError(t, s.Register(Position{ID: "a", Instrument: "EUR_USD", Direction: signal.Long,
		Volume: 1, EntryPrice: 1.1000, StopLoss: 1.0900}))
	exec.hold = "a"
	exec.release = make(chan struct{})
	exec.entered = make(chan string, 1)

	done := make(chan error, 1)
	go func() { done <- s.ClosePosition(context.Background(), "a", "manual") }()
	select {
	case <-exec.entered:
	case <-time.After(time.Second):
		t.Fatal("close never reached the broker")
	}
	return func() {
		close(exec.release)
		require.NoError(t, <-done)
	}
}

func TestReadersDoNotWaitForBrokerCalls(t *testing.T) {
	s, exec, _ := newLong(t, Rules{}, 1)
	finish := parkClose(t, s, exec)

	read := make(chan struct{})
	go func() {
		defer close(read)
		risk, n := s.Exposure()
		assert.Equal(t, 2, n)
		assert.InDelta(t, 500+1000, risk, 1e-6)
		assert.Len(t, s.Snapshots(), 2)
		a, ok := s.Get("a")
		assert.True(t, ok)
		assert.Equal(t, StatusClosing, a.Status)
	}()
	select {
	case <-read:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("readers blocked behind a broker close")
	}

	finish()
	a, _ := s.Get("a")
	assert.Equal(t, StatusClosed, a.Status)
}

func TestBusyPositionDoesNotHoldUpOthers(t *testing.T) {
	s, exec, rec := newLong(t, Rules{}, 1)
	finish := parkClose(t, s, exec)

	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		// p1's stop is hit; "a" is still waiting on the broker
		s.OnTick(context.Background(), tick(1.0949))
		s.Reconcile(context.Background(), []broker.PositionInfo{{ID: "a", Volume: 1}})
	}()
	select {
	case <-ticked:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("supervision of p1 waited for the close of a")
	}
	p1, _ := s.Get("p1")
	assert.Equal(t, StatusClosed, p1.Status)

	finish()
	assert.Equal(t, []EventKind{EventClosed, EventClosed}, rec.kinds())
}

func TestTighter(t *testing.T) {
	assert.True(t, tighter(signal.Long, 0, 1.1))
	assert.True(t, tighter(signal.Long, 1.09, 1.1))
	assert.False(t, tighter(signal.Long, 1.1, 1.09))
	assert.True(t, tighter(signal.Short, 1.2, 1.1))
	assert.False(t, tighter(signal.Short, 1.1, 1.2))
}
