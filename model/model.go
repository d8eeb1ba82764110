// Package model is the boundary to the machine-learning direction predictor.
package model

import (
	"context"
	"errors"
	"math"

	"github.com/rustyeddy/fxengine/market"
)

var ErrNotEnoughBars = errors.New("model: not enough bars for feature window")

// Prediction holds class probabilities for the next move.
type Prediction struct {
	Long  float64
	Short float64
	Flat  float64
}

// Normalize scales the probabilities to sum to one. A zero prediction
// becomes certain flat.
func (p Prediction) Normalize() Prediction {
	l, s, f := math.Max(p.Long, 0), math.Max(p.Short, 0), math.Max(p.Flat, 0)
	sum := l + s + f
	if sum == 0 {
		return Prediction{Flat: 1}
	}
	return Prediction{Long: l / sum, Short: s / sum, Flat: f / sum}
}

// Predictor forecasts the direction of an instrument from its recent bars.
type Predictor interface {
	Predict(ctx context.Context, instrument string, series market.Series) (Prediction, error)
}

// Static always returns the same prediction.
type Static struct {
	P   Prediction
	Err error
}

func (s Static) Predict(ctx context.Context, instrument string, series market.Series) (Prediction, error) {
	if s.Err != nil {
		return Prediction{}, s.Err
	}
	return s.P.Normalize(), nil
}

// FeaturesPerBar is the width of one row produced by Features.
const FeaturesPerBar = 6

// Features builds the row-major input window for the last n bars:
// open, high, low and close relative to the window's first close, log
// volume, and the bar's close-to-close return.
func Features(series market.Series, n int) ([]float32, error) {
	if n <= 0 || series.Len() < n+1 {
		return nil, ErrNotEnoughBars
	}
	bars := series.Candles[series.Len()-n:]
	prev := series.Candles[series.Len()-n-1].Close
	base := bars[0].Close
	if base == 0 {
		base = 1
	}

	out := make([]float32, 0, n*FeaturesPerBar)
	for _, c := range bars {
		ret := 0.0
		if prev != 0 {
			ret = (c.Close - prev) / prev
		}
		out = append(out,
			float32(c.Open/base-1),
			float32(c.High/base-1),
			float32(c.Low/base-1),
			float32(c.Close/base-1),
			float32(math.Log1p(math.Max(c.Volume, 0))),
			float32(ret),
		)
		prev = c.Close
	}
	return out, nil
}

func softmax(xs []float32) []float64 {
	maxv := math.Inf(-1)
	for _, x := range xs {
		maxv = math.Max(maxv, float64(x))
	}
	out := make([]float64, len(xs))
	sum := 0.0
	for i, x := range xs {
		out[i] = math.Exp(float64(x) - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
