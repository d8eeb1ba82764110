package indicators

import "math"

// SMA calculates the Simple Moving Average series for the given period.
func SMA(values []float64, period int) ([]float64, error) {
	if err := checkPeriod(period, len(values)); err != nil {
		return nil, err
	}
	out := nanSeries(len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out, nil
}

// EMA calculates the Exponential Moving Average series, seeded with the SMA
// of the first period values.
func EMA(values []float64, period int) ([]float64, error) {
	if err := checkPeriod(period, len(values)); err != nil {
		return nil, err
	}
	return emaFrom(values, period), nil
}

// emaFrom tolerates leading NaNs in values and seeds on the first full window.
func emaFrom(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	multiplier := 2.0 / float64(period+1)

	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < period {
		return out
	}

	sum := 0.0
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out[start+period-1] = ema

	for i := start + period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out[i] = ema
	}
	return out
}

// StdDev is the rolling population standard deviation.
func StdDev(values []float64, period int) ([]float64, error) {
	means, err := SMA(values, period)
	if err != nil {
		return nil, err
	}
	out := nanSeries(len(values))
	for i := period - 1; i < len(values); i++ {
		var acc float64
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - means[i]
			acc += d * d
		}
		out[i] = math.Sqrt(acc / float64(period))
	}
	return out, nil
}
