package market

import "github.com/shopspring/decimal"

// Floor rounds volume down to the lot step and caps it at Max. The result
// may be below Min; callers decide whether that is tradable.
func (l LotSpec) Floor(volume float64) float64 {
	if volume <= 0 || l.Step <= 0 {
		return 0
	}
	step := decimal.NewFromFloat(l.Step)
	q := decimal.NewFromFloat(volume).Div(step).Floor().Mul(step)
	if l.Max > 0 {
		if max := decimal.NewFromFloat(l.Max); q.GreaterThan(max) {
			q = max.Div(step).Floor().Mul(step)
		}
	}
	f, _ := q.Float64()
	return f
}

// Tradable reports whether volume is at least the minimum lot.
func (l LotSpec) Tradable(volume float64) bool {
	return volume > 0 && !decimal.NewFromFloat(volume).LessThan(decimal.NewFromFloat(l.Min))
}

// Remainder is volume minus closed, floored to the lot step.
func (l LotSpec) Remainder(volume, closed float64) float64 {
	rest, _ := decimal.NewFromFloat(volume).Sub(decimal.NewFromFloat(closed)).Float64()
	return l.Floor(rest)
}
