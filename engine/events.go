package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/journal"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/pkg/id"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/risk"
)

// OnPositionEvent books supervisor events into the risk state and passes
// them on to the journal, the notifier and telemetry. Journal and
// notification failures never reach the trading path.
func (e *Engine) OnPositionEvent(ev position.Event) {
	p := ev.Position
	log := e.logger.With(zap.String("instrument", p.Instrument), zap.String("position_id", p.ID))

	switch ev.Kind {
	case position.EventOpened:
		e.counters.opened.Add(1)
		e.risk.PosttradeUpdate(risk.Event{Kind: risk.EventFill, PositionID: p.ID, Time: ev.Time})
		log.Info("position opened", zap.Stringer("direction", p.Direction),
			zap.Float64("volume", ev.Volume), zap.Float64("price", ev.Price))
		e.publish(notify.Event{
			Kind:       notify.KindOpened,
			Instrument: p.Instrument,
			PositionID: p.ID,
			Message: fmt.Sprintf("%s %.2f @ %.5f sl %.5f tp %.5f",
				p.Direction, ev.Volume, ev.Price, p.StopLoss, p.TakeProfit),
			Time: ev.Time,
		})

	case position.EventPartial, position.EventClosed:
		kind, rk := notify.KindClosed, risk.EventClose
		if ev.Kind == position.EventPartial {
			kind, rk = notify.KindPartial, risk.EventPartialClose
		} else {
			e.counters.closed.Add(1)
		}
		tripped := e.risk.PosttradeUpdate(risk.Event{Kind: rk, PositionID: p.ID, PnL: ev.PnL, Time: ev.Time})
		log.Info("position closed", zap.String("reason", ev.Reason),
			zap.Float64("volume", ev.Volume), zap.Float64("pnl", ev.PnL))
		e.recordTrade(ev)
		e.publish(notify.Event{
			Kind:       kind,
			Instrument: p.Instrument,
			PositionID: p.ID,
			Message:    fmt.Sprintf("%s %.2f @ %.5f pnl %.2f", ev.Reason, ev.Volume, ev.Price, ev.PnL),
			Time:       ev.Time,
		})
		if tripped {
			e.metrics.Suspension(risk.SuspendDailyLossLimit)
			e.publish(notify.Event{
				Kind:    notify.KindSuspended,
				Message: fmt.Sprintf("%s: daily pnl %.2f", risk.SuspendDailyLossLimit, e.risk.Snapshot().DailyPnL),
				Time:    ev.Time,
			})
		}

	case position.EventRejected:
		e.counters.rejected.Add(1)
		msg := "rejected"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		e.publish(notify.Event{Kind: notify.KindRejected, Instrument: p.Instrument, Message: msg, Time: ev.Time})

	case position.EventModified:
		log.Debug("stop moved", zap.String("reason", ev.Reason), zap.Float64("stop_loss", p.StopLoss))
	}

	e.broadcast("position", newPositionEventView(ev))
}

func (e *Engine) recordTrade(ev position.Event) {
	p := ev.Position
	rec := journal.TradeRecord{
		ID:         id.New(),
		PositionID: p.ID,
		Instrument: p.Instrument,
		Direction:  p.Direction.String(),
		Volume:     ev.Volume,
		EntryPrice: p.EntryPrice,
		ExitPrice:  ev.Price,
		OpenTime:   p.OpenedAt,
		CloseTime:  ev.Time,
		PnL:        ev.PnL,
		Reason:     ev.Reason,
	}
	if err := e.journal.RecordTrade(rec); err != nil {
		e.metrics.JournalError()
		e.logger.Error("journal trade", zap.String("position_id", p.ID), zap.Error(err))
	}
}
