package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/signal"
)

// Executor carries out stop changes and closes at the broker. Deals lists
// the closing deals the broker booked for a position, oldest first.
type Executor interface {
	Modify(ctx context.Context, positionID string, stopLoss, takeProfit float64) error
	Close(ctx context.Context, positionID string, volume float64) (broker.CloseResult, error)
	Deals(ctx context.Context, positionID string) ([]broker.CloseResult, error)
}

// PipValuer returns the account-currency value of one pip for one lot.
type PipValuer func(instrument string) (float64, error)

type TrailingRule struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	TriggerPips  float64 `yaml:"trigger_pips" json:"trigger_pips"`
	StepPips     float64 `yaml:"step_pips" json:"step_pips"`
	DistancePips float64 `yaml:"distance_pips" json:"distance_pips"`
}

type PartialCloseRule struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Fraction    float64 `yaml:"fraction" json:"fraction"`
	TriggerPips float64 `yaml:"trigger_pips" json:"trigger_pips"`
}

type BreakEvenRule struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	TriggerPips float64 `yaml:"trigger_pips" json:"trigger_pips"`
	OffsetPips  float64 `yaml:"offset_pips" json:"offset_pips"`
}

type Rules struct {
	Trailing     TrailingRule
	PartialClose PartialCloseRule
	BreakEven    BreakEvenRule
}

type tracked struct {
	// op serializes broker calls for this position.
	op sync.Mutex

	// mu guards the fields below and is never held across a broker call.
	mu   sync.Mutex
	pos  Position
	mark float64

	meta market.InstrumentMeta
}

// read copies the position and its last mark.
func (t *tracked) read() (Position, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos, t.mark
}

// Supervisor tracks positions from order submission to close. The position
// map lock is only held to find entries. Broker calls for one position are
// serialized by that position alone, and readers only wait for the short
// field lock.
type Supervisor struct {
	exec     Executor
	pipValue PipValuer
	observer Observer
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.RWMutex
	rules     Rules
	positions map[string]*tracked // by position id
	pending   map[string]*tracked // by client tag
}

type Option func(*Supervisor)

func WithObserver(o Observer) Option { return func(s *Supervisor) { s.observer = o } }
func WithPipValuer(p PipValuer) Option { return func(s *Supervisor) { s.pipValue = p } }
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}
func WithLogger(l *zap.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func NewSupervisor(exec Executor, rules Rules, opts ...Option) *Supervisor {
	s := &Supervisor{
		exec:      exec,
		rules:     rules,
		now:       time.Now,
		logger:    zap.NewNop(),
		positions: make(map[string]*tracked),
		pending:   make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Supervisor) SetRules(r Rules) {
	s.mu.Lock()
	s.rules = r
	s.mu.Unlock()
}

func (s *Supervisor) Rules() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

func newTracked(p Position) (*tracked, error) {
	meta, err := market.Lookup(p.Instrument)
	if err != nil {
		return nil, err
	}
	if p.InitialVolume == 0 {
		p.InitialVolume = p.Volume
	}
	return &tracked{pos: p, meta: meta, mark: p.EntryPrice}, nil
}

// Pending records an order about to be sent. p.ClientTag is required.
func (s *Supervisor) Pending(p Position) error {
	if p.ClientTag == "" {
		return errors.New("pending position needs a client tag")
	}
	p.Status = StatusPending
	t, err := newTracked(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.pending[p.ClientTag]; dup {
		return fmt.Errorf("client tag %s already pending", p.ClientTag)
	}
	s.pending[p.ClientTag] = t
	return nil
}

// Ack moves a pending order to open with the broker's fill.
func (s *Supervisor) Ack(tag string, fill broker.Fill) (Snapshot, error) {
	s.mu.Lock()
	t, ok := s.pending[tag]
	if ok {
		delete(s.pending, tag)
	}
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("ack %s: %w", tag, ErrNotFound)
	}

	t.mu.Lock()
	if err := t.pos.transition(StatusOpen); err != nil {
		t.mu.Unlock()
		return Snapshot{}, err
	}
	t.pos.ID = fill.PositionID
	t.pos.EntryPrice = fill.Price
	t.pos.Volume = fill.Volume
	t.pos.InitialVolume = fill.Volume
	if fill.StopLoss != 0 {
		t.pos.StopLoss = fill.StopLoss
	}
	if fill.TakeProfit != 0 {
		t.pos.TakeProfit = fill.TakeProfit
	}
	t.pos.OpenedAt = fill.Time
	if t.pos.OpenedAt.IsZero() {
		t.pos.OpenedAt = s.now()
	}
	t.mark = fill.Price
	pos := t.pos
	t.mu.Unlock()
	snap := s.snapshot(t, pos, fill.Price)

	s.mu.Lock()
	s.positions[fill.PositionID] = t
	s.mu.Unlock()

	s.emit(Event{Kind: EventOpened, Position: snap, Price: fill.Price, Volume: fill.Volume, Time: snap.OpenedAt})
	return snap, nil
}

// Reject marks a pending order as refused by the broker.
func (s *Supervisor) Reject(tag string, cause error) error {
	s.mu.Lock()
	t, ok := s.pending[tag]
	if ok {
		delete(s.pending, tag)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("reject %s: %w", tag, ErrNotFound)
	}

	t.mu.Lock()
	err := t.pos.transition(StatusRejected)
	if err == nil {
		t.pos.CloseReason = "rejected"
		if cause != nil {
			t.pos.CloseReason = cause.Error()
		}
	}
	pos, mark := t.pos, t.mark
	t.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventRejected, Position: s.snapshot(t, pos, mark), Err: cause, Time: s.now()})
	return nil
}

// Register adopts a position that is already open at the broker.
func (s *Supervisor) Register(p Position) error {
	if p.ID == "" {
		return errors.New("register: position id required")
	}
	p.Status = StatusOpen
	t, err := newTracked(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.positions[p.ID]; dup {
		return fmt.Errorf("position %s already registered", p.ID)
	}
	s.positions[p.ID] = t
	return nil
}

func (s *Supervisor) lookup(id string) (*tracked, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.positions[id]
	return t, ok
}

// all returns tracked entries sorted by id, optionally including pending ones.
func (s *Supervisor) all(withPending bool) []*tracked {
	s.mu.RLock()
	out := make([]*tracked, 0, len(s.positions)+len(s.pending))
	ids := make([]string, 0, len(s.positions))
	for id := range s.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, s.positions[id])
	}
	if withPending {
		for _, t := range s.pending {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	return out
}

// snapshot values a copy taken with t.read. It runs without any lock held
// since the pip valuer may ask the broker for a quote.
func (s *Supervisor) snapshot(t *tracked, p Position, mark float64) Snapshot {
	snap := Snapshot{Position: p, MarkPrice: mark}
	if s.pipValue == nil {
		return snap
	}
	pv, err := s.pipValue(p.Instrument)
	if err != nil {
		return snap
	}
	pip := t.meta.PipSize()
	if p.Status == StatusOpen || p.Status == StatusClosing {
		snap.UnrealizedPnL = p.ProfitPips(mark, pip) * pv * p.Volume
	}
	snap.RiskAmount = p.RiskPips(pip) * pv * p.Volume
	return snap
}

// Get returns a snapshot of one position.
func (s *Supervisor) Get(id string) (Snapshot, bool) {
	t, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	p, mark := t.read()
	return s.snapshot(t, p, mark), true
}

// Snapshots returns every open or closing position. It never waits for a
// broker call in progress.
func (s *Supervisor) Snapshots() []Snapshot {
	var out []Snapshot
	for _, t := range s.all(false) {
		p, mark := t.read()
		if !p.Status.Terminal() {
			out = append(out, s.snapshot(t, p, mark))
		}
	}
	return out
}

// Exposure sums the account-currency loss to stop of pending and open
// positions, and counts them.
func (s *Supervisor) Exposure() (float64, int) {
	var risk float64
	var n int
	for _, t := range s.all(true) {
		p, mark := t.read()
		if !p.Status.Terminal() {
			n++
			risk += s.snapshot(t, p, mark).RiskAmount
		}
	}
	return risk, n
}

// Prune forgets closed and rejected positions that ended before cutoff.
func (s *Supervisor) Prune(cutoff time.Time) int {
	var drop []string
	for _, t := range s.all(false) {
		p, _ := t.read()
		if p.Status.Terminal() && p.ClosedAt.Before(cutoff) {
			drop = append(drop, p.ID)
		}
	}
	s.mu.Lock()
	for _, id := range drop {
		delete(s.positions, id)
	}
	s.mu.Unlock()
	return len(drop)
}

func (s *Supervisor) emit(ev Event) {
	if s.observer != nil {
		s.observer.OnPositionEvent(ev)
	}
}

// closeHeld sends a full close. The caller holds t.op. A position that is
// already closed is a no-op.
func (s *Supervisor) closeHeld(ctx context.Context, t *tracked, reason string) (*Event, error) {
	t.mu.Lock()
	switch t.pos.Status {
	case StatusClosed:
		t.mu.Unlock()
		return nil, nil
	case StatusOpen:
	default:
		err := fmt.Errorf("close %s: %w (%s)", t.pos.key(), ErrNotOpen, t.pos.Status)
		t.mu.Unlock()
		return nil, err
	}
	_ = t.pos.transition(StatusClosing)
	p, mark := t.pos, t.mark
	t.mu.Unlock()

	res, err := s.exec.Close(ctx, p.ID, 0)
	if err != nil {
		t.mu.Lock()
		_ = t.pos.transition(StatusOpen)
		t.mu.Unlock()
		return nil, fmt.Errorf("close %s: %w", p.ID, err)
	}

	price, pnl, at := res.Price, res.Profit, res.Time
	if res.AlreadyClosed {
		// the broker closed it first
		price, pnl, at = s.settled(ctx, t, p, mark)
	}
	if price == 0 {
		price = mark
	}
	ev := s.commitClose(t, price, pnl, at, reason)
	return &ev, nil
}

// commitClose books a finished close on a position in the closing state.
func (s *Supervisor) commitClose(t *tracked, price, pnl float64, at time.Time, reason string) Event {
	if at.IsZero() {
		at = s.now()
	}
	t.mu.Lock()
	closedVol := t.pos.Volume
	_ = t.pos.transition(StatusClosed)
	t.pos.ClosedAt = at
	t.pos.ClosePrice = price
	t.pos.RealizedPnL += pnl
	t.pos.CloseReason = reason
	t.pos.Volume = 0
	p, mark := t.pos, t.mark
	t.mu.Unlock()

	return Event{
		Kind:     EventClosed,
		Position: s.snapshot(t, p, mark),
		Reason:   reason,
		Volume:   closedVol,
		Price:    price,
		PnL:      pnl,
		Time:     at,
	}
}

// settled asks the broker what it booked for a position it closed on its
// own: the price and time of the last closing deal, and the profit of all
// deals not yet realized here. Without deals it falls back to the last mark.
func (s *Supervisor) settled(ctx context.Context, t *tracked, p Position, mark float64) (float64, float64, time.Time) {
	deals, err := s.exec.Deals(ctx, p.ID)
	if err == nil && len(deals) > 0 {
		var total float64
		for _, d := range deals {
			total += d.Profit
		}
		last := deals[len(deals)-1]
		return last.Price, total - p.RealizedPnL, last.Time
	}
	s.logger.Warn("no closing deals from broker, booking at last mark",
		zap.String("position_id", p.ID), zap.Float64("mark", mark), zap.Error(err))

	var pnl float64
	if s.pipValue != nil {
		if pv, err := s.pipValue(p.Instrument); err == nil {
			pnl = p.ProfitPips(mark, t.meta.PipSize()) * pv * p.Volume
		}
	}
	return mark, pnl, time.Time{}
}

// ClosePosition closes one position by id. Closing a closed position
// succeeds without side effects.
func (s *Supervisor) ClosePosition(ctx context.Context, id, reason string) error {
	t, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("close %s: %w", id, ErrNotFound)
	}
	t.op.Lock()
	ev, err := s.closeHeld(ctx, t, reason)
	t.op.Unlock()
	if ev != nil {
		s.emit(*ev)
	}
	return err
}

// ForceClose closes the listed positions, continuing past failures.
func (s *Supervisor) ForceClose(ctx context.Context, ids []string, reason string) error {
	var errs []error
	for _, id := range ids {
		if err := s.ClosePosition(ctx, id, reason); err != nil {
			s.logger.Error("force close failed", zap.String("position_id", id), zap.String("reason", reason), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every open position.
func (s *Supervisor) CloseAll(ctx context.Context, reason string) error {
	var ids []string
	for _, snap := range s.Snapshots() {
		if snap.Status == StatusOpen {
			ids = append(ids, snap.ID)
		}
	}
	return s.ForceClose(ctx, ids, reason)
}

// Reconcile aligns local state with the broker's position list: positions the
// broker no longer holds are booked closed with the profit the broker
// realized, unknown broker positions are adopted, and stops changed at the
// terminal are copied. A position with a broker call in flight is left for
// the next pass; that call sees the broker's state itself.
func (s *Supervisor) Reconcile(ctx context.Context, infos []broker.PositionInfo) {
	held := make(map[string]broker.PositionInfo, len(infos))
	for _, info := range infos {
		held[info.ID] = info
	}

	for _, t := range s.all(false) {
		p, _ := t.read()
		info, ok := held[p.ID]
		delete(held, p.ID)
		if !t.op.TryLock() {
			continue
		}
		ev := s.reconcile(ctx, t, info, ok)
		t.op.Unlock()
		if ev != nil {
			s.emit(*ev)
		}
	}

	for _, info := range held {
		// an order still waiting for its ack is adopted by Ack
		s.mu.RLock()
		_, waiting := s.pending[info.ClientTag]
		s.mu.RUnlock()
		if waiting && info.ClientTag != "" {
			continue
		}
		p := Position{
			ID:         info.ID,
			ClientTag:  info.ClientTag,
			Instrument: info.Instrument,
			Direction:  info.Direction,
			Volume:     info.Volume,
			EntryPrice: info.OpenPrice,
			StopLoss:   info.StopLoss,
			TakeProfit: info.TakeProfit,
			OpenedAt:   info.OpenTime,
		}
		if err := s.Register(p); err != nil {
			s.logger.Warn("adopt broker position", zap.String("position_id", info.ID), zap.Error(err))
			continue
		}
		s.logger.Info("adopted broker position", zap.String("position_id", info.ID), zap.String("instrument", info.Instrument))
	}
}

// reconcile brings one position in line with the broker. The caller holds
// t.op.
func (s *Supervisor) reconcile(ctx context.Context, t *tracked, info broker.PositionInfo, held bool) *Event {
	t.mu.Lock()
	if t.pos.Status != StatusOpen {
		t.mu.Unlock()
		return nil
	}
	if held {
		t.pos.Volume = info.Volume
		t.pos.StopLoss = info.StopLoss
		t.pos.TakeProfit = info.TakeProfit
		t.mu.Unlock()
		return nil
	}
	_ = t.pos.transition(StatusClosing)
	p, mark := t.pos, t.mark
	t.mu.Unlock()

	price, pnl, at := s.settled(ctx, t, p, mark)
	if price == 0 {
		price = mark
	}
	ev := s.commitClose(t, price, pnl, at, "broker_closed")
	return &ev
}

// exitPrice is the side of the book a position closes on.
func exitPrice(d signal.Direction, tick market.Tick) float64 {
	if d == signal.Short {
		return tick.Ask
	}
	return tick.Bid
}
