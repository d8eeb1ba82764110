// Package replay plays recorded ticks into the simulated broker so the
// engine can run against historical prices.
package replay

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/market"
)

// Source yields ticks in time order.
type Source interface {
	Next() (market.Tick, bool, error)
}

// Sink takes quotes, normally *sim.Engine.
type Sink interface {
	UpdatePrice(q market.Tick) error
}

type Option func(*Player)

// WithSpeed scales the gaps between recorded ticks. Zero plays without
// waiting.
func WithSpeed(x float64) Option { return func(p *Player) { p.speed = x } }

// WithClock advances c to each tick's recorded time before it is applied.
func WithClock(c *Clock) Option { return func(p *Player) { p.clock = c } }
func WithSleeper(s execution.Sleeper) Option { return func(p *Player) { p.sleeper = s } }
func WithLogger(l *zap.Logger) Option { return func(p *Player) { p.logger = l } }

type Player struct {
	speed   float64
	clock   *Clock
	sleeper execution.Sleeper
	logger  *zap.Logger
}

// Result summarises a replay.
type Result struct {
	Applied int
	Skipped int
	First   time.Time
	Last    time.Time
}

func NewPlayer(opts ...Option) *Player {
	p := &Player{sleeper: execution.TimerSleeper, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Play feeds src into sink until the source is exhausted or ctx is done.
// Quotes the sink refuses are logged and skipped.
func (p *Player) Play(ctx context.Context, src Source, sink Sink) (Result, error) {
	var res Result
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		t, ok, err := src.Next()
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}

		if p.speed > 0 && !res.Last.IsZero() {
			gap := time.Duration(float64(t.Time.Sub(res.Last)) / p.speed)
			if err := p.sleeper.Sleep(ctx, gap); err != nil {
				return res, err
			}
		}

		if p.clock != nil {
			p.clock.Set(t.Time)
		}
		if err := sink.UpdatePrice(t); err != nil {
			res.Skipped++
			p.logger.Warn("replay tick skipped", zap.String("instrument", t.Instrument),
				zap.Time("time", t.Time), zap.Error(err))
			continue
		}
		if res.First.IsZero() {
			res.First = t.Time
		}
		res.Last = t.Time
		res.Applied++
	}
}

// Clock reports the time of the last replayed tick, or the wall clock
// before the first one. Handing Now to the broker and the engine runs the
// whole system in recorded time.
type Clock struct {
	nanos atomic.Int64
}

func (c *Clock) Set(t time.Time) { c.nanos.Store(t.UnixNano()) }

func (c *Clock) Now() time.Time {
	n := c.nanos.Load()
	if n == 0 {
		return time.Now()
	}
	return time.Unix(0, n).UTC()
}
