package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/notify"
)

// superviseLoop feeds broker ticks to the position supervisor and polls
// the account for drawdown. It resubscribes when the instrument list
// changes and when the stream ends early.
func (e *Engine) superviseLoop(ctx context.Context) {
	poll := time.NewTicker(e.store.Load().PollInterval())
	defer poll.Stop()

	for ctx.Err() == nil {
		subCtx, cancel := context.WithCancel(ctx)
		ticks, err := e.broker.Subscribe(subCtx, e.store.Load().InstrumentNames())
		if err != nil {
			cancel()
			e.logger.Warn("tick subscription failed", zap.Error(err))
		}
		e.consume(ctx, ticks, poll.C)
		cancel()
	}
}

// consume runs until ctx is done, a resubscribe is requested or the
// stream closes. A nil stream only polls until the next poll tick.
func (e *Engine) consume(ctx context.Context, ticks <-chan market.Tick, poll <-chan time.Time) {
	workers := newTickRouter(ctx, e)
	defer workers.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resub:
			return
		case <-poll:
			e.pollAccount(ctx)
			if ticks == nil {
				return
			}
		case t, ok := <-ticks:
			if !ok {
				// wait for the next poll before resubscribing
				e.logger.Warn("tick stream ended")
				ticks = nil
				continue
			}
			workers.route(t)
		}
	}
}

// tickRouter runs one supervision goroutine per instrument. Each keeps
// only the newest unprocessed tick.
type tickRouter struct {
	ctx     context.Context
	e       *Engine
	wg      sync.WaitGroup
	mailbox map[string]chan market.Tick
}

func newTickRouter(ctx context.Context, e *Engine) *tickRouter {
	return &tickRouter{ctx: ctx, e: e, mailbox: make(map[string]chan market.Tick)}
}

func (r *tickRouter) route(t market.Tick) {
	box, ok := r.mailbox[t.Instrument]
	if !ok {
		box = make(chan market.Tick, 1)
		r.mailbox[t.Instrument] = box
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for t := range box {
				r.e.handleTick(r.ctx, t)
			}
		}()
	}
	for {
		select {
		case box <- t:
			return
		default:
		}
		// drop the stale tick waiting in the box
		select {
		case <-box:
		default:
		}
	}
}

func (r *tickRouter) stop() {
	for _, box := range r.mailbox {
		close(box)
	}
	r.wg.Wait()
}

// handleTick records the quote and runs the supervisor's stop management.
// Quotes older than the stored one are dropped. Broker calls it starts are
// not cut short by shutdown.
func (e *Engine) handleTick(ctx context.Context, t market.Tick) {
	if !e.ticks.Update(t) {
		e.logger.Debug("out of order tick dropped", zap.String("instrument", t.Instrument), zap.Time("time", t.Time))
		return
	}
	e.sup.OnTick(context.WithoutCancel(ctx), t)
}

// pollAccount syncs balance and equity, enforces the drawdown limit and
// reconciles positions with the broker.
func (e *Engine) pollAccount(ctx context.Context) {
	acct, err := e.broker.Account(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrConnectionUnavailable) {
			e.logger.Warn("account poll skipped", zap.Error(err))
		} else if ctx.Err() == nil {
			e.logger.Error("account poll failed", zap.Error(err))
		}
		return
	}
	e.risk.SyncAccount(acct.Balance, acct.Equity, acct.Margin)
	e.dayCheck()

	res := e.risk.PollDrawdown(acct.Equity, e.sup.Snapshots())
	if res.Triggered {
		e.metrics.Suspension(res.Reason)
		e.publish(notify.Event{
			Kind:    notify.KindSuspended,
			Message: fmt.Sprintf("%s: drawdown %.2f%%, closing %d positions", res.Reason, res.Drawdown*100, len(res.ForceClose)),
		})
		if len(res.ForceClose) > 0 {
			// closes run to completion even when shutting down
			if err := e.sup.ForceClose(context.WithoutCancel(ctx), res.ForceClose, "max_drawdown"); err != nil {
				e.logger.Error("drawdown force close", zap.Error(err))
			}
		}
	}
	if res.Cleared {
		e.publish(notify.Event{Kind: notify.KindResumed, Message: "drawdown recovered"})
	}

	if infos, err := e.broker.Positions(ctx); err == nil {
		e.sup.Reconcile(ctx, infos)
	} else if ctx.Err() == nil {
		e.logger.Warn("position reconcile skipped", zap.Error(err))
	}

	st := e.risk.Snapshot()
	open := len(e.sup.Snapshots())
	e.metrics.Account(st.Equity, st.Drawdown(), st.DailyPnL, open, st.TradingSuspended)
	e.recordEquity(acct, st.DailyPnL, st.Drawdown())
	e.broadcast("status", e.Status())
}

func (e *Engine) recordEquity(acct broker.Account, dailyPnL, drawdown float64) {
	now := e.now()
	last := e.lastEquity.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < equityEvery {
		return
	}
	e.lastEquity.Store(now.UnixNano())
	err := e.journal.RecordEquity(journal.EquitySnapshot{
		Time:       now,
		Balance:    acct.Balance,
		Equity:     acct.Equity,
		Margin:     acct.Margin,
		FreeMargin: acct.FreeMargin,
		DailyPnL:   dailyPnL,
		Drawdown:   drawdown,
	})
	if err != nil {
		e.metrics.JournalError()
		e.logger.Error("journal equity", zap.Error(err))
	}
}
