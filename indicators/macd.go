package indicators

import "math"

type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes the fast-slow EMA spread, its signal EMA and the histogram.
func MACD(closes []float64, fast, slow, signal int) (MACDResult, error) {
	if err := checkPeriod(slow, len(closes)); err != nil {
		return MACDResult{}, err
	}
	if fast <= 0 || signal <= 0 || fast >= slow {
		return MACDResult{}, errBadMACD
	}
	fastE := emaFrom(closes, fast)
	slowE := emaFrom(closes, slow)

	line := nanSeries(len(closes))
	for i := range closes {
		if !math.IsNaN(fastE[i]) && !math.IsNaN(slowE[i]) {
			line[i] = fastE[i] - slowE[i]
		}
	}
	sig := emaFrom(line, signal)
	hist := nanSeries(len(closes))
	for i := range closes {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return MACDResult{MACD: line, Signal: sig, Histogram: hist}, nil
}
