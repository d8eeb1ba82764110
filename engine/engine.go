// Package engine is the trading orchestrator. It runs the evaluation cycle
// for every configured instrument, supervises open positions from the
// broker's tick stream, watches account drawdown and applies operator
// commands.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/metrics"
	"github.com/rustyeddy/fxengine/model"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/pkg/id"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/risk"
	"github.com/rustyeddy/fxengine/signal"
)

const (
	// seriesBars is how many bars each evaluation asks the broker for.
	seriesBars = 200
	// equityEvery throttles equity snapshots to the journal.
	equityEvery   = time.Minute
	commandBuffer = 32
	quoteMaxAge   = 30 * time.Second
)

// Publisher takes notifications without blocking. notify.Dispatcher
// satisfies it.
type Publisher interface {
	Publish(ev notify.Event) bool
}

// Broadcaster pushes engine events to the presentation layer.
// telemetry.Hub satisfies it.
type Broadcaster interface {
	Broadcast(typ string, data any)
}

type Option func(*Engine)

func WithJournal(j journal.Journal) Option { return func(e *Engine) { e.journal = j } }
func WithNotifier(p Publisher) Option { return func(e *Engine) { e.notifier = p } }
func WithTelemetry(b Broadcaster) Option { return func(e *Engine) { e.telemetry = b } }
func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }
func WithPredictor(p model.Predictor) Option { return func(e *Engine) { e.predictor = p } }
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithSleeper replaces the gateway's retry sleeper, for tests.
func WithSleeper(s execution.Sleeper) Option { return func(e *Engine) { e.sleeper = s } }

// WithTagGenerator replaces the client tag generator, for tests.
func WithTagGenerator(f func() string) Option { return func(e *Engine) { e.newTag = f } }

type Engine struct {
	store     *config.Store
	broker    broker.Broker
	gateway   *execution.Gateway
	sup       *position.Supervisor
	risk      *risk.Manager
	agg       *signal.Aggregator
	ticks     *market.TickStore
	journal   journal.Journal
	notifier  Publisher
	telemetry Broadcaster
	metrics   *metrics.Registry
	predictor model.Predictor
	sleeper   execution.Sleeper
	newTag    func() string
	now       func() time.Time
	logger    *zap.Logger

	// admit makes exposure, the pre-trade check and the pending record one
	// step, so concurrent cycles cannot both spend the same risk budget.
	admit sync.Mutex

	busyMu   sync.Mutex
	busy     map[string]bool // instruments with a cycle still running
	inflight sync.WaitGroup

	cmds     chan Command
	resub    chan struct{}
	counters counters

	lastEquity atomic.Int64 // unix nanos of the last journaled snapshot
}

// New wires the trading core from the store's current configuration.
func New(store *config.Store, b broker.Broker, opts ...Option) (*Engine, error) {
	if store == nil || store.Load() == nil {
		return nil, fmt.Errorf("engine: no configuration")
	}
	if b == nil {
		return nil, fmt.Errorf("engine: no broker")
	}
	e := &Engine{
		store:   store,
		broker:  b,
		ticks:   market.NewTickStore(),
		journal: journal.Discard{},
		newTag:  id.New,
		now:     time.Now,
		logger:  zap.NewNop(),
		cmds:    make(chan Command, commandBuffer),
		resub:   make(chan struct{}, 1),
		busy:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.journal == nil {
		e.journal = journal.Discard{}
	}

	cfg := store.Load()
	policy, err := cfg.RiskPolicy()
	if err != nil {
		return nil, err
	}
	settings, err := cfg.SignalSettings()
	if err != nil {
		return nil, err
	}
	retry, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}

	gwOpts := []execution.Option{
		execution.WithLogger(e.logger.Named("execution")),
		execution.WithMetrics(e.metrics),
		execution.WithTagGenerator(e.newTag),
	}
	if e.sleeper != nil {
		gwOpts = append(gwOpts, execution.WithSleeper(e.sleeper))
	}
	e.gateway = execution.NewGateway(b, retry, gwOpts...)

	e.sup = position.NewSupervisor(e.gateway, cfg.Rules(),
		position.WithObserver(e),
		position.WithPipValuer(e.pipValue),
		position.WithClock(e.now),
		position.WithLogger(e.logger.Named("position")),
	)
	e.risk = risk.NewManager(policy, e.now, risk.WithLogger(e.logger.Named("risk")))

	aggOpts := []signal.Option{
		signal.WithCalendar(cfg.Calendar()),
		signal.WithClock(e.now),
		signal.WithLogger(e.logger.Named("signal")),
	}
	if e.predictor != nil {
		aggOpts = append(aggOpts, signal.WithPredictor(e.predictor))
	}
	e.agg = signal.NewAggregator(seriesSource{e.broker}, settings, aggOpts...)
	return e, nil
}

// Run drives the engine until ctx is done. In-flight broker calls finish
// before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting",
		zap.Strings("instruments", e.store.Load().InstrumentNames()),
		zap.String("mode", string(e.store.Load().Mode())))

	e.pollAccount(ctx)
	e.dayCheck()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.evaluateLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.superviseLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.commandLoop(ctx)
	}()
	wg.Wait()

	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) evaluateLoop(ctx context.Context) {
	interval := e.store.Load().PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.inflight.Wait()
			return
		case <-ticker.C:
			e.step(ctx)
			if d := e.store.Load().PollInterval(); d != interval {
				interval = d
				ticker.Reset(d)
			}
		}
	}
}

// step starts one cycle per instrument without waiting for them. An
// instrument whose previous cycle is still running, e.g. retrying an order,
// sits this round out; the others go ahead.
func (e *Engine) step(ctx context.Context) {
	cfg := e.store.Load()
	e.dayCheck()

	for _, in := range cfg.Instruments {
		if !e.claim(in.Name) {
			e.logger.Debug("previous cycle still running", zap.String("instrument", in.Name))
			continue
		}
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			defer e.release(in.Name)
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("cycle panicked", zap.String("instrument", in.Name), zap.Any("panic", r))
				}
			}()
			e.cycle(ctx, cfg, in)
		}()
	}
}

func (e *Engine) claim(instrument string) bool {
	e.busyMu.Lock()
	defer e.busyMu.Unlock()
	if e.busy[instrument] {
		return false
	}
	e.busy[instrument] = true
	return true
}

func (e *Engine) release(instrument string) {
	e.busyMu.Lock()
	delete(e.busy, instrument)
	e.busyMu.Unlock()
}

// dayCheck starts a new trading day when the boundary has passed.
func (e *Engine) dayCheck() {
	now := e.now()
	if !e.risk.ResetDay(now) {
		return
	}
	st := e.risk.Snapshot()
	e.sup.Prune(st.DayStart)
	e.publish(notify.Event{
		Kind:    notify.KindDailyReset,
		Message: fmt.Sprintf("new trading day, balance %.2f", st.Balance),
		Time:    now,
	})
}

// pipValue prices one pip of one lot in the account currency.
func (e *Engine) pipValue(instrument string) (float64, error) {
	return market.PipValuePerLot(instrument, e.store.Load().Account.Currency, quoteSource{e.ticks, e.broker, e.now})
}

func (e *Engine) publish(ev notify.Event) {
	if e.notifier == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.notifier.Publish(ev)
}

func (e *Engine) broadcast(typ string, data any) {
	if e.telemetry != nil {
		e.telemetry.Broadcast(typ, data)
	}
}

// seriesSource feeds the aggregator from the broker's candle history.
type seriesSource struct {
	b broker.Broker
}

func (s seriesSource) Series(ctx context.Context, instrument, timeframe string) (market.Series, error) {
	return s.b.Candles(ctx, instrument, timeframe, seriesBars)
}

// quoteSource prefers the streamed tick and asks the broker when none has
// arrived within quoteMaxAge.
type quoteSource struct {
	store *market.TickStore
	b     broker.Broker
	now   func() time.Time
}

func (q quoteSource) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	if t, err := q.store.Fresh(instrument, q.now(), quoteMaxAge); err == nil {
		return t, nil
	}
	t, err := q.b.GetTick(ctx, instrument)
	if err != nil {
		return market.Tick{}, err
	}
	q.store.Update(t)
	return t, nil
}
