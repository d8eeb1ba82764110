package indicators

type BollingerResult struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger computes SMA(period) ± k standard deviations.
func Bollinger(closes []float64, period int, k float64) (BollingerResult, error) {
	mid, err := SMA(closes, period)
	if err != nil {
		return BollingerResult{}, err
	}
	sd, err := StdDev(closes, period)
	if err != nil {
		return BollingerResult{}, err
	}
	up := nanSeries(len(closes))
	lo := nanSeries(len(closes))
	for i := period - 1; i < len(closes); i++ {
		up[i] = mid[i] + k*sd[i]
		lo[i] = mid[i] - k*sd[i]
	}
	return BollingerResult{Upper: up, Middle: mid, Lower: lo}, nil
}
