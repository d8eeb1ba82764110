// Package sim is an in-process terminal used for paper trading and tests.
// It fills market orders at the current quote, triggers broker-side stops
// and keeps a margin account in the account currency.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/pkg/id"
	"github.com/rustyeddy/fxengine/signal"
)

const (
	ReasonStopLoss    = "stop_loss"
	ReasonTakeProfit  = "take_profit"
	ReasonLiquidation = "liquidation"
	ReasonManual      = "manual"
)

type Option func(*Engine)

// WithClock sets the time used for fills when a quote carries none.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHistory sets how many closed M1 bars are kept per instrument.
func WithHistory(bars int) Option {
	return func(e *Engine) { e.history = bars }
}

type Engine struct {
	mu      sync.Mutex
	acct    broker.Account
	ticks   *market.TickStore
	now     func() time.Time
	history int

	positions map[string]*trade
	byTag     map[string]broker.Fill
	closed    []Closed
	bars      map[string]*market.Bars
	subs      map[int]subscriber
	nextSub   int
	failures  map[string][]error
}

type subscriber struct {
	ch          chan market.Tick
	instruments map[string]bool
}

// Closed is a finished position, either by Close or a broker-side exit.
type Closed struct {
	PositionID string
	ClientTag  string
	Instrument string
	Direction  signal.Direction
	Volume     float64
	EntryPrice float64
	ExitPrice  float64
	Profit     float64
	OpenTime   time.Time
	CloseTime  time.Time
	Reason     string
}

// NewEngine returns a simulated terminal funded with balance in currency.
func NewEngine(currency string, balance float64, opts ...Option) *Engine {
	e := &Engine{
		acct: broker.Account{
			Currency:   currency,
			Balance:    balance,
			Equity:     balance,
			FreeMargin: balance,
		},
		ticks:     market.NewTickStore(),
		now:       time.Now,
		history:   2000,
		positions: make(map[string]*trade),
		byTag:     make(map[string]broker.Fill),
		bars:      make(map[string]*market.Bars),
		subs:      make(map[int]subscriber),
		failures:  make(map[string][]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ broker.Broker = (*Engine)(nil)

// FailNext queues errors returned by the next calls of op ("open",
// "modify", "close", "find", "deals", "account", "positions", "candles").
// A queued error is consumed before the call has any effect.
func (e *Engine) FailNext(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], errs...)
}

func (e *Engine) failLocked(op string) error {
	q := e.failures[op]
	if len(q) == 0 {
		return nil
	}
	e.failures[op] = q[1:]
	return q[0]
}

// LoadCandles seeds the M1 history for an instrument.
func (e *Engine) LoadCandles(instrument string, candles []market.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.barsLocked(instrument).Seed(candles)
}

func (e *Engine) barsLocked(instrument string) *market.Bars {
	b, ok := e.bars[instrument]
	if !ok {
		b = market.NewBars(time.Minute, e.history)
		e.bars[instrument] = b
	}
	return b
}

// Closed returns the positions closed so far, oldest first.
func (e *Engine) Closed() []Closed {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Closed, len(e.closed))
	copy(out, e.closed)
	return out
}

func (e *Engine) Account(ctx context.Context) (broker.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked("account"); err != nil {
		return broker.Account{}, err
	}
	return e.acct, nil
}

func (e *Engine) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	return e.ticks.Get(instrument)
}

func (e *Engine) Open(ctx context.Context, req broker.OrderRequest) (broker.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failLocked("open"); err != nil {
		return broker.Fill{}, err
	}
	if err := ctx.Err(); err != nil {
		return broker.Fill{}, err
	}

	meta, err := market.Lookup(req.Instrument)
	if err != nil {
		return broker.Fill{}, broker.NewOrderError("open", broker.CodeRejected, err.Error())
	}
	q, err := e.ticks.Get(req.Instrument)
	if err != nil {
		return broker.Fill{}, broker.NewOrderError("open", broker.CodeMarketClosed, "no quote for "+req.Instrument)
	}
	if req.Direction != signal.Long && req.Direction != signal.Short {
		return broker.Fill{}, broker.NewOrderError("open", broker.CodeRejected, "no direction")
	}
	if !meta.Lots.Tradable(req.Volume) || meta.Lots.Floor(req.Volume) != req.Volume {
		return broker.Fill{}, broker.NewOrderError("open", broker.CodeInvalidVolume,
			fmt.Sprintf("volume %.2f outside %+v", req.Volume, meta.Lots))
	}

	price := q.Ask
	if req.Direction == signal.Short {
		price = q.Bid
	}
	if !stopsValid(req.Direction, price, req.StopLoss, req.TakeProfit) {
		return broker.Fill{}, broker.NewOrderError("open", broker.CodeInvalidStops,
			fmt.Sprintf("sl %.5f tp %.5f around %.5f", req.StopLoss, req.TakeProfit, price))
	}

	rate, err := market.QuoteToAccountRate(req.Instrument, e.acct.Currency, e.ticks)
	if err != nil {
		return broker.Fill{}, broker.NewOrderError("open", broker.CodeRejected, err.Error())
	}
	need := req.Volume * meta.ContractSize * q.Mid() * meta.MarginRate * rate
	if need > e.acct.FreeMargin {
		return broker.Fill{}, broker.NewOrderError("open", broker.CodeInsufficientMargin,
			fmt.Sprintf("need %.2f free %.2f", need, e.acct.FreeMargin))
	}

	at := q.Time
	if at.IsZero() {
		at = e.now()
	}
	t := &trade{
		id:         id.New(),
		tag:        req.ClientTag,
		instrument: req.Instrument,
		direction:  req.Direction,
		volume:     req.Volume,
		entry:      price,
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
		opened:     at,
	}
	e.positions[t.id] = t
	fill := t.fill()
	if t.tag != "" {
		e.byTag[t.tag] = fill
	}
	e.settleLocked()
	return fill, nil
}

func (e *Engine) Modify(ctx context.Context, positionID string, stopLoss, takeProfit float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failLocked("modify"); err != nil {
		return err
	}
	t, ok := e.positions[positionID]
	if !ok {
		return broker.NewOrderError("modify", broker.CodePositionNotFound, positionID)
	}
	q, err := e.ticks.Get(t.instrument)
	if err != nil {
		return broker.NewOrderError("modify", broker.CodeMarketClosed, "no quote for "+t.instrument)
	}
	if !stopsValid(t.direction, t.mark(q), stopLoss, takeProfit) {
		return broker.NewOrderError("modify", broker.CodeInvalidStops,
			fmt.Sprintf("sl %.5f tp %.5f", stopLoss, takeProfit))
	}
	t.stopLoss = stopLoss
	t.takeProfit = takeProfit
	return nil
}

func (e *Engine) Close(ctx context.Context, positionID string, volume float64) (broker.CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failLocked("close"); err != nil {
		return broker.CloseResult{}, err
	}
	t, ok := e.positions[positionID]
	if !ok {
		for _, c := range e.closed {
			if c.PositionID == positionID {
				return broker.CloseResult{}, broker.NewOrderError("close", broker.CodeAlreadyClosed, positionID)
			}
		}
		return broker.CloseResult{}, broker.NewOrderError("close", broker.CodePositionNotFound, positionID)
	}
	q, err := e.ticks.Get(t.instrument)
	if err != nil {
		return broker.CloseResult{}, broker.NewOrderError("close", broker.CodeMarketClosed, "no quote for "+t.instrument)
	}

	meta, _ := market.Lookup(t.instrument)
	if volume > 0 && volume < t.volume {
		if !meta.Lots.Tradable(volume) || !meta.Lots.Tradable(meta.Lots.Remainder(t.volume, volume)) {
			return broker.CloseResult{}, broker.NewOrderError("close", broker.CodeInvalidVolume,
				fmt.Sprintf("partial %.2f of %.2f", volume, t.volume))
		}
	} else {
		volume = t.volume
	}

	res, err := e.closeLocked(t, volume, t.mark(q), e.quoteTime(q), ReasonManual)
	if err != nil {
		return broker.CloseResult{}, err
	}
	e.settleLocked()
	return res, nil
}

func (e *Engine) FindByTag(ctx context.Context, tag string) (broker.Fill, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked("find"); err != nil {
		return broker.Fill{}, false, err
	}
	f, ok := e.byTag[tag]
	return f, ok, nil
}

func (e *Engine) Deals(ctx context.Context, positionID string) ([]broker.CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked("deals"); err != nil {
		return nil, err
	}
	var out []broker.CloseResult
	for _, c := range e.closed {
		if c.PositionID == positionID {
			out = append(out, broker.CloseResult{
				PositionID: c.PositionID,
				Volume:     c.Volume,
				Price:      c.ExitPrice,
				Profit:     c.Profit,
				Time:       c.CloseTime,
			})
		}
	}
	return out, nil
}

func (e *Engine) Positions(ctx context.Context) ([]broker.PositionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked("positions"); err != nil {
		return nil, err
	}
	out := make([]broker.PositionInfo, 0, len(e.positions))
	for _, t := range e.positions {
		info := t.info()
		if q, err := e.ticks.Get(t.instrument); err == nil {
			if rate, err := market.QuoteToAccountRate(t.instrument, e.acct.Currency, e.ticks); err == nil {
				info.Profit = t.profit(t.volume, t.mark(q), rate)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

// Candles serves closed bars built from the quotes seen so far. Timeframes
// wider than M1 are resampled from the M1 history.
func (e *Engine) Candles(ctx context.Context, instrument, timeframe string, count int) (market.Series, error) {
	width, err := market.TFDuration(timeframe)
	if err != nil {
		return market.Series{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failLocked("candles"); err != nil {
		return market.Series{}, err
	}

	m1 := e.barsLocked(instrument).Closed(0)
	candles := m1
	if width > time.Minute {
		candles = market.Resample(m1, width)
	}
	if count > 0 && len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return market.Series{Instrument: instrument, Timeframe: timeframe, Candles: candles}, nil
}

// Subscribe registers a tick listener. Slow listeners miss ticks rather
// than blocking price updates.
func (e *Engine) Subscribe(ctx context.Context, instruments []string) (<-chan market.Tick, error) {
	want := make(map[string]bool, len(instruments))
	for _, in := range instruments {
		want[in] = true
	}
	ch := make(chan market.Tick, 256)

	e.mu.Lock()
	key := e.nextSub
	e.nextSub++
	e.subs[key] = subscriber{ch: ch, instruments: want}
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.subs, key)
		e.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// UpdatePrice applies a quote: broker-side stops fire, the account is
// revalued and subscribers are notified.
func (e *Engine) UpdatePrice(q market.Tick) error {
	if err := q.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if q.Time.IsZero() {
		q.Time = e.now()
	}
	e.ticks.Set(q)
	e.barsLocked(q.Instrument).Add(q.Time, q.Mid(), 1)

	for _, t := range e.sortedLocked() {
		if t.instrument != q.Instrument {
			continue
		}
		mark := t.mark(q)
		reason := ""
		switch {
		case t.stopHit(mark):
			reason = ReasonStopLoss
		case t.targetHit(mark):
			reason = ReasonTakeProfit
		}
		if reason == "" {
			continue
		}
		if _, err := e.closeLocked(t, t.volume, mark, q.Time, reason); err != nil {
			return err
		}
	}
	e.settleLocked()

	for _, s := range e.subs {
		if len(s.instruments) > 0 && !s.instruments[q.Instrument] {
			continue
		}
		select {
		case s.ch <- q:
		default:
		}
	}
	return nil
}

func (e *Engine) quoteTime(q market.Tick) time.Time {
	if q.Time.IsZero() {
		return e.now()
	}
	return q.Time
}

func (e *Engine) sortedLocked() []*trade {
	out := make([]*trade, 0, len(e.positions))
	for _, t := range e.positions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].opened.Before(out[j].opened) })
	return out
}

func (e *Engine) closeLocked(t *trade, volume, price float64, at time.Time, reason string) (broker.CloseResult, error) {
	rate, err := market.QuoteToAccountRate(t.instrument, e.acct.Currency, e.ticks)
	if err != nil {
		return broker.CloseResult{}, broker.NewOrderError("close", broker.CodeRejected, err.Error())
	}
	profit := t.profit(volume, price, rate)
	e.acct.Balance += profit

	meta, _ := market.Lookup(t.instrument)
	remaining := meta.Lots.Remainder(t.volume, volume)
	if volume >= t.volume {
		remaining = 0
	}
	e.closed = append(e.closed, Closed{
		PositionID: t.id,
		ClientTag:  t.tag,
		Instrument: t.instrument,
		Direction:  t.direction,
		Volume:     volume,
		EntryPrice: t.entry,
		ExitPrice:  price,
		Profit:     profit,
		OpenTime:   t.opened,
		CloseTime:  at,
		Reason:     reason,
	})
	if remaining <= 0 {
		delete(e.positions, t.id)
	} else {
		t.volume = remaining
	}
	return broker.CloseResult{
		PositionID: t.id,
		Volume:     volume,
		Remaining:  remaining,
		Price:      price,
		Profit:     profit,
		Time:       at,
	}, nil
}

// settleLocked revalues equity and margin, then stops out the worst
// position while equity cannot cover the margin in use.
func (e *Engine) settleLocked() {
	for {
		e.revalueLocked()
		if e.acct.Margin <= 0 || e.acct.Equity >= e.acct.Margin {
			return
		}
		var worst *trade
		var worstPL float64
		for _, t := range e.sortedLocked() {
			pl := e.unrealizedLocked(t)
			if worst == nil || pl < worstPL {
				worst, worstPL = t, pl
			}
		}
		if worst == nil {
			return
		}
		q, _ := e.ticks.Get(worst.instrument)
		if _, err := e.closeLocked(worst, worst.volume, worst.mark(q), e.quoteTime(q), ReasonLiquidation); err != nil {
			return
		}
	}
}

func (e *Engine) revalueLocked() {
	equity := e.acct.Balance
	var used float64
	for _, t := range e.positions {
		equity += e.unrealizedLocked(t)
		q, err := e.ticks.Get(t.instrument)
		if err != nil {
			continue
		}
		rate, err := market.QuoteToAccountRate(t.instrument, e.acct.Currency, e.ticks)
		if err != nil {
			continue
		}
		meta, _ := market.Lookup(t.instrument)
		used += t.volume * meta.ContractSize * q.Mid() * meta.MarginRate * rate
	}
	e.acct.Equity = equity
	e.acct.Margin = used
	e.acct.FreeMargin = equity - used
}

func (e *Engine) unrealizedLocked(t *trade) float64 {
	q, err := e.ticks.Get(t.instrument)
	if err != nil {
		return 0
	}
	rate, err := market.QuoteToAccountRate(t.instrument, e.acct.Currency, e.ticks)
	if err != nil {
		return 0
	}
	return t.profit(t.volume, t.mark(q), rate)
}

func stopsValid(d signal.Direction, price, stopLoss, takeProfit float64) bool {
	sign := d.Sign()
	if stopLoss != 0 && (price-stopLoss)*sign <= 0 {
		return false
	}
	if takeProfit != 0 && (takeProfit-price)*sign <= 0 {
		return false
	}
	return true
}
