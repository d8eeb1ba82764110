package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closes() []float64 {
	return []float64{102, 105, 106, 108, 110, 111, 113, 114, 116, 118}
}

func TestSMA(t *testing.T) {
	ma, err := SMA(closes(), 5)
	require.NoError(t, err)
	// Last 5 closes: 111,113,114,116,118 => 572/5 = 114.4
	assert.InDelta(t, 114.4, Last(ma), 0.001)
	assert.True(t, math.IsNaN(ma[3]))
	assert.False(t, math.IsNaN(ma[4]))
}

func TestSMAErrors(t *testing.T) {
	_, err := SMA(closes(), 0)
	assert.Error(t, err)
	_, err = SMA([]float64{1, 2}, 5)
	assert.Error(t, err)
}

func TestEMA(t *testing.T) {
	ema, err := EMA(closes(), 5)
	require.NoError(t, err)
	// seeded with the SMA of the first five closes
	assert.InDelta(t, (102.0+105+106+108+110)/5, ema[4], 1e-9)
	assert.Greater(t, Last(ema), ema[4])
	assert.True(t, Ready(ema))
}

func TestRSIBounds(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = float64(100 + i)
	}
	rsi, err := RSI(up, 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, Last(rsi))

	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 1
	}
	rsi, err = RSI(flat, 14)
	require.NoError(t, err)
	assert.Equal(t, 50.0, Last(rsi))
}

func TestMACDRising(t *testing.T) {
	xs := make([]float64, 60)
	for i := range xs {
		xs[i] = 1 + float64(i*i)*0.001
	}
	res, err := MACD(xs, 12, 26, 9)
	require.NoError(t, err)
	assert.Greater(t, Last(res.MACD), 0.0)
	assert.True(t, Ready(res.Histogram))

	_, err = MACD(xs, 26, 12, 9)
	assert.Error(t, err)
}

func TestATR(t *testing.T) {
	h := []float64{10, 11, 12, 11, 12, 13}
	l := []float64{8, 9, 10, 9, 10, 11}
	c := []float64{9, 10, 11, 10, 11, 12}
	atr, err := ATR(h, l, c, 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, Last(atr), 1e-9)

	_, err = ATR(h, l[:2], c, 3)
	assert.Error(t, err)
}

func TestTrueRange(t *testing.T) {
	assert.Equal(t, 10.0, trueRange(110, 100, 104))
	assert.Equal(t, 15.0, trueRange(110, 100, 95))
}

func TestBollinger(t *testing.T) {
	xs := []float64{1, 1, 1, 1, 5}
	bb, err := Bollinger(xs, 5, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.8, Last(bb.Middle), 1e-9)
	assert.InDelta(t, 1.8+2*1.6, Last(bb.Upper), 1e-9)
	assert.InDelta(t, 1.8-2*1.6, Last(bb.Lower), 1e-9)
}
