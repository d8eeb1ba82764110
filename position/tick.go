package position

import (
	"context"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/market"
)

// OnTick evaluates every open position on the tick's instrument. Positions
// are handled one at a time; a failure on one is logged and the rest still
// run, and one busy with a broker call does not hold up the others.
func (s *Supervisor) OnTick(ctx context.Context, tick market.Tick) {
	rules := s.Rules()
	for _, t := range s.all(false) {
		if t.meta.Name != tick.Instrument {
			continue
		}
		events, err := s.evaluate(ctx, t, tick, rules)
		for _, ev := range events {
			s.emit(ev)
		}
		if err != nil {
			s.logger.Warn("position supervision",
				zap.String("instrument", tick.Instrument), zap.Error(err))
		}
	}
}

// evaluate runs the exit and stop rules on a copy of the position. A
// position with a broker call already in flight skips the tick. Holding t.op
// keeps every other status change out; the field lock is only taken to read
// and to commit, never across a broker call.
func (s *Supervisor) evaluate(ctx context.Context, t *tracked, tick market.Tick, rules Rules) ([]Event, error) {
	if !t.op.TryLock() {
		return nil, nil
	}
	defer t.op.Unlock()

	t.mu.Lock()
	if t.pos.Status != StatusOpen {
		t.mu.Unlock()
		return nil, nil
	}
	price := exitPrice(t.pos.Direction, tick)
	if price == 0 {
		t.mu.Unlock()
		return nil, nil
	}
	t.mark = price
	p := t.pos
	t.mu.Unlock()

	if reason := exitHit(&p, price); reason != "" {
		ev, err := s.closeHeld(ctx, t, reason)
		if ev != nil {
			return []Event{*ev}, err
		}
		return nil, err
	}

	var events []Event
	pip := t.meta.PipSize()
	sign := p.Direction.Sign()
	profit := p.ProfitPips(price, pip)

	if rules.BreakEven.Enabled && !p.BreakEvenApplied && profit >= rules.BreakEven.TriggerPips {
		sl := t.meta.Round(p.EntryPrice + sign*rules.BreakEven.OffsetPips*pip)
		moved := tighter(p.Direction, p.StopLoss, sl)
		if moved {
			if err := s.exec.Modify(ctx, p.ID, sl, p.TakeProfit); err != nil {
				return events, err
			}
		}
		p = update(t, func(cur *Position) {
			if moved {
				cur.StopLoss = sl
			}
			cur.BreakEvenApplied = true
		})
		if moved {
			events = append(events, Event{Kind: EventModified, Position: s.snapshot(t, p, price), Reason: "break_even", Price: sl, Time: s.now()})
		}
	}

	if rules.PartialClose.Enabled && !p.PartialClosed && profit >= rules.PartialClose.TriggerPips {
		vol := t.meta.Lots.Floor(p.InitialVolume * rules.PartialClose.Fraction)
		rest := t.meta.Lots.Remainder(p.Volume, vol)
		if !t.meta.Lots.Tradable(vol) || !t.meta.Lots.Tradable(rest) {
			p = update(t, func(cur *Position) { cur.PartialClosed = true })
		} else {
			res, err := s.exec.Close(ctx, p.ID, vol)
			if err != nil {
				return events, err
			}
			p = update(t, func(cur *Position) {
				cur.Volume = rest
				cur.RealizedPnL += res.Profit
				cur.PartialClosed = true
			})
			events = append(events, Event{Kind: EventPartial, Position: s.snapshot(t, p, price), Reason: "partial_close",
				Volume: vol, Price: res.Price, PnL: res.Profit, Time: s.now()})
		}
	}

	if rules.Trailing.Enabled && profit >= rules.Trailing.TriggerPips {
		cand := t.meta.Round(price - sign*rules.Trailing.DistancePips*pip)
		gain := roundPips(sign * (cand - p.StopLoss) / pip)
		if tighter(p.Direction, p.StopLoss, cand) && (p.StopLoss == 0 || gain >= rules.Trailing.StepPips) {
			if err := s.exec.Modify(ctx, p.ID, cand, p.TakeProfit); err != nil {
				return events, err
			}
			p = update(t, func(cur *Position) {
				cur.StopLoss = cand
				cur.Trailing.Active = true
				cur.Trailing.Moves++
			})
			events = append(events, Event{Kind: EventModified, Position: s.snapshot(t, p, price), Reason: "trailing_stop", Price: cand, Time: s.now()})
		}
	}
	return events, nil
}

// update applies fn to the live position and returns a fresh copy.
func update(t *tracked, fn func(*Position)) Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.pos)
	return t.pos
}

func exitHit(p *Position, price float64) string {
	sign := p.Direction.Sign()
	if p.StopLoss != 0 && sign*(price-p.StopLoss) <= 0 {
		return "stop_loss"
	}
	if p.TakeProfit != 0 && sign*(price-p.TakeProfit) >= 0 {
		return "take_profit"
	}
	return ""
}
