package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePriceSource struct {
	price          Tick
	err            error
	called         int
	lastInstrument string
}

func (f *fakePriceSource) GetTick(ctx context.Context, instrument string) (Tick, error) {
	f.called++
	f.lastInstrument = instrument
	return f.price, f.err
}

func TestQuoteToAccountRate_UnknownInstrument(t *testing.T) {
	t.Parallel()

	ps := &fakePriceSource{}
	rate, err := QuoteToAccountRate("NO_SUCH_INSTRUMENT", "USD", ps)
	assert.Error(t, err)
	assert.Equal(t, 0.0, rate)
}

func TestQuoteToAccountRate_QuoteEqualsAccount(t *testing.T) {
	t.Parallel()

	ps := &fakePriceSource{}
	rate, err := QuoteToAccountRate("EUR_USD", "USD", ps)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, rate)
	assert.Equal(t, 0, ps.called)
}

func TestQuoteToAccountRate_BaseEqualsAccount(t *testing.T) {
	t.Parallel()

	ps := &fakePriceSource{
		price: Tick{Bid: 2.0, Ask: 4.0}, // mid = 3.0
	}
	rate, err := QuoteToAccountRate("USD_JPY", "USD", ps)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, rate, 1e-9)
	assert.Equal(t, 1, ps.called)
	assert.Equal(t, "USD_JPY", ps.lastInstrument)
}

func TestQuoteToAccountRate_CrossNotImplemented(t *testing.T) {
	t.Parallel()

	ps := &fakePriceSource{}
	_, err := QuoteToAccountRate("EUR_USD", "JPY", ps)
	assert.Error(t, err)
}

func TestPipValuePerLot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		instr string
		tick  Tick
		want  float64
	}{
		{"eurusd", "EUR_USD", Tick{}, 10.0},
		{"gold", "XAU_USD", Tick{}, 10.0},
		{"usdjpy", "USD_JPY", Tick{Bid: 149.99, Ask: 150.01}, 1000.0 / 150.0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := PipValuePerLot(tt.instr, "USD", &fakePriceSource{price: tt.tick})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
