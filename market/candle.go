package market

import (
	"errors"
	"time"
)

var (
	ErrEmptySeries     = errors.New("empty series")
	ErrUnorderedSeries = errors.New("series not time ordered")
)

// Candle represents OHLC (Open, High, Low, Close) candlestick data
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Series is a time-ordered run of closed candles for one instrument/timeframe.
type Series struct {
	Instrument string
	Timeframe  string
	Candles    []Candle
}

func (s Series) Len() int { return len(s.Candles) }

// Last returns the most recent candle; ok is false for an empty series.
func (s Series) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

func (s Series) Highs() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.High
	}
	return out
}

func (s Series) Lows() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Low
	}
	return out
}

func (s Series) Volumes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Volume
	}
	return out
}

// Validate checks the series is non-empty and strictly increasing in time.
func (s Series) Validate() error {
	if len(s.Candles) == 0 {
		return ErrEmptySeries
	}
	for i := 1; i < len(s.Candles); i++ {
		if !s.Candles[i].Time.After(s.Candles[i-1].Time) {
			return ErrUnorderedSeries
		}
	}
	return nil
}

// Age is how old the last candle is relative to now.
func (s Series) Age(now time.Time) time.Duration {
	last, ok := s.Last()
	if !ok {
		return 0
	}
	return now.Sub(last.Time)
}
