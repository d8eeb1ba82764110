package indicators

import (
	"errors"
	"math"
)

var (
	errBadMACD     = errors.New("macd periods must satisfy 0 < fast < slow and signal > 0")
	errLenMismatch = errors.New("high, low and close series must have equal length")
)

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// ATR is Wilder's Average True Range.
func ATR(highs, lows, closes []float64, period int) ([]float64, error) {
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return nil, errLenMismatch
	}
	if err := checkPeriod(period+1, len(closes)); err != nil {
		return nil, err
	}
	out := nanSeries(len(closes))

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(highs[i], lows[i], closes[i-1])
	}
	atr := sum / float64(period)
	out[period] = atr

	for i := period + 1; i < len(closes); i++ {
		tr := trueRange(highs[i], lows[i], closes[i-1])
		atr = (atr*float64(period-1) + tr) / float64(period)
		out[i] = atr
	}
	return out, nil
}
