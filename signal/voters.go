package signal

import (
	"math"

	"github.com/rustyeddy/fxengine/indicators"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/model"
)

type vote struct {
	dir      Direction
	strength float64
}

type voter func(s market.Series, p Params) (vote, bool)

var voters = []struct {
	name string
	fn   voter
}{
	{FactorRSI, voteRSI},
	{FactorMACD, voteMACD},
	{FactorEMACross, voteEMACross},
	{FactorBollinger, voteBollinger},
	{FactorMomentum, voteMomentum},
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func voteRSI(s market.Series, p Params) (vote, bool) {
	rsi, err := indicators.RSI(s.Closes(), p.RSIPeriod)
	if err != nil || !indicators.Ready(rsi) {
		return vote{}, false
	}
	v := indicators.Last(rsi)
	switch {
	case v < p.RSIOversold:
		return vote{Long, clamp01(0.5 + 0.5*(p.RSIOversold-v)/p.RSIOversold)}, true
	case v > p.RSIOverbought:
		return vote{Short, clamp01(0.5 + 0.5*(v-p.RSIOverbought)/(100-p.RSIOverbought))}, true
	}
	return vote{Flat, 0.5}, true
}

func voteMACD(s market.Series, p Params) (vote, bool) {
	res, err := indicators.MACD(s.Closes(), p.MACDFast, p.MACDSlow, p.MACDSignal)
	if err != nil || !indicators.Ready(res.Histogram) {
		return vote{}, false
	}
	hist, line := indicators.Last(res.Histogram), indicators.Last(res.MACD)
	strength := 0.5
	if hist*line > 0 {
		strength = 1
	}
	switch {
	case hist > 0:
		return vote{Long, strength}, true
	case hist < 0:
		return vote{Short, strength}, true
	}
	return vote{Flat, 0.5}, true
}

func voteEMACross(s market.Series, p Params) (vote, bool) {
	closes := s.Closes()
	fast, err := indicators.EMA(closes, p.EMAFast)
	if err != nil {
		return vote{}, false
	}
	slow, err := indicators.EMA(closes, p.EMASlow)
	if err != nil || len(slow) < 2 || math.IsNaN(slow[len(slow)-2]) {
		return vote{}, false
	}
	n := len(closes)
	diff, prev := fast[n-1]-slow[n-1], fast[n-2]-slow[n-2]

	// a cross on the last bar counts more than an established trend
	strength := 0.6
	if diff*prev < 0 {
		strength = 1
	}
	switch {
	case diff > 0:
		return vote{Long, strength}, true
	case diff < 0:
		return vote{Short, strength}, true
	}
	return vote{Flat, 0.5}, true
}

func voteBollinger(s market.Series, p Params) (vote, bool) {
	bb, err := indicators.Bollinger(s.Closes(), p.BollingerPeriod, p.BollingerK)
	if err != nil || !indicators.Ready(bb.Upper) {
		return vote{}, false
	}
	last, _ := s.Last()
	switch {
	case last.Close < indicators.Last(bb.Lower):
		return vote{Long, 1}, true
	case last.Close > indicators.Last(bb.Upper):
		return vote{Short, 1}, true
	}
	return vote{Flat, 0.5}, true
}

func voteMomentum(s market.Series, p Params) (vote, bool) {
	n := p.MomentumBars
	if n <= 0 || s.Len() <= n || p.MomentumThreshold <= 0 {
		return vote{}, false
	}
	closes := s.Closes()
	base := closes[len(closes)-1-n]
	if base == 0 {
		return vote{}, false
	}
	r := (closes[len(closes)-1] - base) / base
	strength := clamp01(math.Abs(r) / p.MomentumThreshold)
	switch {
	case r > 0:
		return vote{Long, strength}, true
	case r < 0:
		return vote{Short, strength}, true
	}
	return vote{Flat, 1}, true
}

func voteModel(pred model.Prediction) vote {
	pred = pred.Normalize()
	switch {
	case pred.Long > pred.Short && pred.Long > pred.Flat:
		return vote{Long, pred.Long}
	case pred.Short > pred.Long && pred.Short > pred.Flat:
		return vote{Short, pred.Short}
	}
	return vote{Flat, pred.Flat}
}
