package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/risk"
	"github.com/rustyeddy/fxengine/signal"
)

// connectivity is implemented by brokers that know whether their transport
// is up.
type connectivity interface {
	Connected() bool
}

// cycle evaluates one instrument and, if everything agrees, opens a
// position. Every early return leaves the account untouched.
func (e *Engine) cycle(ctx context.Context, cfg *config.Config, in config.InstrumentConfig) {
	log := e.logger.With(zap.String("instrument", in.Name))
	e.counters.cycles.Add(1)

	if ok, reason := e.risk.TradingAllowed(); !ok {
		log.Debug("cycle skipped", zap.String("reason", reason))
		return
	}
	if c, ok := e.broker.(connectivity); ok && !c.Connected() {
		log.Warn("opening paused", zap.Error(broker.ErrConnectionUnavailable))
		return
	}

	sig := e.agg.Evaluate(ctx, in.Name, in.Timeframe)
	e.metrics.Signal(in.Name, sig.Direction.String())
	e.broadcast("signal", newSignalView(sig))
	if sig.Direction == signal.Flat {
		return
	}
	e.counters.signals.Add(1)

	order, cand, err := e.prepare(ctx, cfg, in.Name, sig.Direction)
	if err != nil {
		log.Warn("cannot price order", zap.Error(err))
		return
	}

	e.admit.Lock()
	openRisk, open := e.sup.Exposure()
	dec := e.risk.PretradeCheck(sig, cand, risk.Exposure{OpenRisk: openRisk, OpenPositions: open})
	if dec.Approved {
		order.Volume = dec.Volume
		err = e.sup.Pending(position.Position{
			ClientTag:  order.ClientTag,
			Instrument: order.Instrument,
			Direction:  order.Direction,
			Volume:     order.Volume,
			EntryPrice: cand.EntryPrice,
			StopLoss:   order.StopLoss,
			TakeProfit: order.TakeProfit,
		})
	}
	e.admit.Unlock()

	if !dec.Approved {
		e.counters.rejections.Add(1)
		e.metrics.Rejection(dec.Reason)
		log.Debug("pre-trade rejected", zap.String("reason", dec.Reason), zap.String("detail", dec.Detail))
		return
	}
	if err != nil {
		log.Error("record pending order", zap.Error(err))
		return
	}

	// a suspension may have landed while this cycle was deciding
	if ok, reason := e.risk.TradingAllowed(); !ok {
		_ = e.sup.Reject(order.ClientTag, fmt.Errorf("suspended before send: %s", reason))
		return
	}

	// an order the broker may already hold is never abandoned halfway
	fill, err := e.gateway.Open(context.WithoutCancel(ctx), order)
	if err != nil {
		e.counters.orderFailures.Add(1)
		_ = e.sup.Reject(order.ClientTag, err)
		if errors.Is(err, broker.ErrConnectionUnavailable) {
			log.Warn("opening paused", zap.Error(err))
			return
		}
		log.Error("open failed", zap.String("client_tag", order.ClientTag), zap.Error(err))
		return
	}
	if _, err := e.sup.Ack(order.ClientTag, fill); err != nil {
		log.Error("ack fill", zap.String("position_id", fill.PositionID), zap.Error(err))
	}
}

// prepare prices the order at the current quote: entry on the side the
// order fills, stop and target offset in pips from entry.
func (e *Engine) prepare(ctx context.Context, cfg *config.Config, instrument string, dir signal.Direction) (execution.OpenRequest, risk.Candidate, error) {
	meta, err := market.Lookup(instrument)
	if err != nil {
		return execution.OpenRequest{}, risk.Candidate{}, err
	}
	tick, err := quoteSource{e.ticks, e.broker, e.now}.GetTick(ctx, instrument)
	if err != nil {
		return execution.OpenRequest{}, risk.Candidate{}, err
	}
	entry := tick.Ask
	if dir == signal.Short {
		entry = tick.Bid
	}
	if entry <= 0 {
		return execution.OpenRequest{}, risk.Candidate{}, fmt.Errorf("no %s quote for %s", dir, instrument)
	}
	lots, err := cfg.Lots(instrument)
	if err != nil {
		return execution.OpenRequest{}, risk.Candidate{}, err
	}
	pv, err := e.pipValue(instrument)
	if err != nil {
		return execution.OpenRequest{}, risk.Candidate{}, err
	}

	sign := dir.Sign()
	order := execution.OpenRequest{
		Instrument: instrument,
		Direction:  dir,
		StopLoss:   meta.Round(entry - sign*meta.Offset(cfg.Stops.SLPips)),
		ClientTag:  e.newTag(),
		Comment:    string(cfg.Mode()),
	}
	if cfg.Stops.TPPips > 0 {
		order.TakeProfit = meta.Round(entry + sign*meta.Offset(cfg.Stops.TPPips))
	}
	cand := risk.Candidate{
		Instrument:       instrument,
		EntryPrice:       entry,
		StopLoss:         order.StopLoss,
		StopDistancePips: cfg.Stops.SLPips,
		PipValuePerLot:   pv,
		Lots:             lots,
	}
	return order, cand, nil
}
