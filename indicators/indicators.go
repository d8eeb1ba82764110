// Package indicators provides technical analysis indicators as pure functions
// over closed-bar series. Output series are aligned with the input: index i of
// the result corresponds to input index i, and values before warmup are NaN.
package indicators

import (
	"fmt"
	"math"
)

// Last returns the final value of a series, or NaN for an empty one.
func Last(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return xs[len(xs)-1]
}

// Ready reports whether the final value of a series is a number.
func Ready(xs []float64) bool {
	return !math.IsNaN(Last(xs))
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func checkPeriod(period, n int) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive, got %d", period)
	}
	if n < period {
		return fmt.Errorf("not enough values: need %d, got %d", period, n)
	}
	return nil
}
