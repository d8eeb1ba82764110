package signal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/model"
	"github.com/rustyeddy/fxengine/session"
)

// SeriesProvider supplies closed bars for an instrument and timeframe.
type SeriesProvider interface {
	Series(ctx context.Context, instrument, timeframe string) (market.Series, error)
}

// Aggregator evaluates instruments against the current settings.
type Aggregator struct {
	provider  SeriesProvider
	predictor model.Predictor
	calendar  *session.Calendar
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.RWMutex
	settings Settings
}

type Option func(*Aggregator)

func WithPredictor(p model.Predictor) Option { return func(a *Aggregator) { a.predictor = p } }

// WithCalendar enables session regime scaling. Without a calendar every
// instant is treated as a high volatility session.
func WithCalendar(c *session.Calendar) Option { return func(a *Aggregator) { a.calendar = c } }

func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

func WithLogger(l *zap.Logger) Option { return func(a *Aggregator) { a.logger = l } }

func NewAggregator(provider SeriesProvider, settings Settings, opts ...Option) *Aggregator {
	a := &Aggregator{
		provider: provider,
		settings: settings,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

func (a *Aggregator) Settings() Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// SetSettings swaps the settings used by subsequent evaluations.
func (a *Aggregator) SetSettings(s Settings) {
	a.mu.Lock()
	a.settings = s
	a.mu.Unlock()
}

// Evaluate never fails: any data problem yields a flat signal with zero
// confidence and a data_unavailable factor.
func (a *Aggregator) Evaluate(ctx context.Context, instrument, timeframe string) Signal {
	st := a.Settings()
	now := a.now()
	base := Signal{Instrument: instrument, Timeframe: timeframe, Mode: st.Mode, ProducedAt: now}

	series, err := a.provider.Series(ctx, instrument, timeframe)
	if err == nil {
		err = series.Validate()
	}
	if err == nil && st.MaxAge > 0 && series.Age(now) > st.MaxAge {
		err = fmt.Errorf("last bar is %s old, max %s", series.Age(now), st.MaxAge)
	}
	if err != nil {
		a.logger.Debug("signal data unavailable",
			zap.String("instrument", instrument), zap.String("timeframe", timeframe), zap.Error(err))
		return failClosed(base)
	}

	last, _ := series.Last()
	base.Price = last.Close

	var factors []Factor
	for _, v := range voters {
		w := st.Weights[v.name]
		if w <= 0 {
			continue
		}
		if vt, ok := v.fn(series, st.Params); ok {
			factors = append(factors, Factor{Name: v.name, Direction: vt.dir, Weight: w, Vote: vt.strength})
		}
	}

	if w := st.Weights[FactorModel]; w > 0 && a.predictor != nil {
		pred, err := a.predictor.Predict(ctx, instrument, series)
		if err != nil {
			a.logger.Debug("model abstained", zap.String("instrument", instrument), zap.Error(err))
		} else {
			vt := voteModel(pred)
			factors = append(factors, Factor{Name: FactorModel, Direction: vt.dir, Weight: w, Vote: vt.strength})
		}
	}

	scale := 1.0
	if a.calendar != nil {
		d := a.calendar.Describe(now)
		scale = regimeScale(d.Regime)
		factors = append(factors, Factor{Name: FactorSession, Direction: Flat, Weight: 0, Vote: scale})
	}

	base.Factors = factors
	base.Direction, base.Confidence = combine(factors, scale)
	return base
}

func failClosed(s Signal) Signal {
	s.Direction = Flat
	s.Confidence = 0
	s.Factors = []Factor{{Name: FactorDataUnavailable, Direction: Flat}}
	return s
}

func regimeScale(r session.Regime) float64 {
	switch r {
	case session.RegimeClosed:
		return 0
	case session.RegimeLow:
		return 0.5
	}
	return 1
}

// combine sums weighted votes into long, short and flat mass. Directional
// mass is scaled by the session regime. Equal long and short mass is flat.
func combine(factors []Factor, scale float64) (Direction, float64) {
	var long, short, flat float64
	for _, f := range factors {
		m := f.Weight * f.Vote
		switch f.Direction {
		case Long:
			long += m * scale
		case Short:
			short += m * scale
		default:
			flat += m
		}
	}
	total := long + short + flat
	if total <= 0 {
		return Flat, 0
	}

	masses := []float64{long, short, flat}
	sort.Sort(sort.Reverse(sort.Float64Slice(masses)))
	conf := clamp01((masses[0] - masses[1]) / total)

	switch {
	case long > short && long > flat:
		return Long, conf
	case short > long && short > flat:
		return Short, conf
	}
	return Flat, 0
}
