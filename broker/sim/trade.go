package sim

import (
	"time"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/signal"
)

type trade struct {
	id         string
	tag        string
	instrument string
	direction  signal.Direction
	volume     float64
	entry      float64
	stopLoss   float64
	takeProfit float64
	opened     time.Time
}

// mark is the price the position would close at: bid for longs, ask for
// shorts.
func (t *trade) mark(q market.Tick) float64 {
	if t.direction == signal.Short {
		return q.Ask
	}
	return q.Bid
}

func (t *trade) stopHit(mark float64) bool {
	if t.stopLoss == 0 {
		return false
	}
	if t.direction == signal.Long {
		return mark <= t.stopLoss
	}
	return mark >= t.stopLoss
}

func (t *trade) targetHit(mark float64) bool {
	if t.takeProfit == 0 {
		return false
	}
	if t.direction == signal.Long {
		return mark >= t.takeProfit
	}
	return mark <= t.takeProfit
}

// profit of closing volume lots at price, in account currency.
func (t *trade) profit(volume, price, rate float64) float64 {
	meta, err := market.Lookup(t.instrument)
	if err != nil {
		return 0
	}
	return t.direction.Sign() * (price - t.entry) * volume * meta.ContractSize * rate
}

func (t *trade) fill() broker.Fill {
	return broker.Fill{
		PositionID: t.id,
		ClientTag:  t.tag,
		Instrument: t.instrument,
		Direction:  t.direction,
		Side:       broker.SideOf(t.direction),
		Volume:     t.volume,
		Price:      t.entry,
		StopLoss:   t.stopLoss,
		TakeProfit: t.takeProfit,
		Time:       t.opened,
	}
}

func (t *trade) info() broker.PositionInfo {
	return broker.PositionInfo{
		ID:         t.id,
		ClientTag:  t.tag,
		Instrument: t.instrument,
		Direction:  t.direction,
		Side:       broker.SideOf(t.direction),
		Volume:     t.volume,
		OpenPrice:  t.entry,
		StopLoss:   t.stopLoss,
		TakeProfit: t.takeProfit,
		OpenTime:   t.opened,
	}
}
