// market/instruments.go
package market

import (
	"fmt"
	"math"
)

// LotSpec is the broker's volume quantization for an instrument.
type LotSpec struct {
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Step float64 `json:"step" yaml:"step"`
}

func (l LotSpec) Valid() bool {
	return l.Min > 0 && l.Max >= l.Min && l.Step > 0
}

type InstrumentMeta struct {
	Name          string
	BaseCurrency  string
	QuoteCurrency string
	PipLocation   int
	Digits        int
	ContractSize  float64 // units per 1.0 lot
	Lots          LotSpec
	MarginRate    float64
}

var Instruments = map[string]InstrumentMeta{
	"EUR_USD": {
		Name:          "EUR_USD",
		BaseCurrency:  "EUR",
		QuoteCurrency: "USD",
		PipLocation:   -4,
		Digits:        5,
		ContractSize:  100_000,
		Lots:          LotSpec{Min: 0.01, Max: 100, Step: 0.01},
		MarginRate:    0.02,
	},
	"GBP_USD": {
		Name:          "GBP_USD",
		BaseCurrency:  "GBP",
		QuoteCurrency: "USD",
		PipLocation:   -4,
		Digits:        5,
		ContractSize:  100_000,
		Lots:          LotSpec{Min: 0.01, Max: 100, Step: 0.01},
		MarginRate:    0.02,
	},
	"USD_JPY": {
		Name:          "USD_JPY",
		BaseCurrency:  "USD",
		QuoteCurrency: "JPY",
		PipLocation:   -2,
		Digits:        3,
		ContractSize:  100_000,
		Lots:          LotSpec{Min: 0.01, Max: 100, Step: 0.01},
		MarginRate:    0.02,
	},
	"XAU_USD": {
		Name:          "XAU_USD",
		BaseCurrency:  "XAU",
		QuoteCurrency: "USD",
		PipLocation:   -1,
		Digits:        2,
		ContractSize:  100,
		Lots:          LotSpec{Min: 0.01, Max: 50, Step: 0.01},
		MarginRate:    0.05,
	},
}

// Lookup returns the metadata for instrument.
func Lookup(instrument string) (InstrumentMeta, error) {
	meta, ok := Instruments[instrument]
	if !ok {
		return InstrumentMeta{}, fmt.Errorf("unknown instrument %s", instrument)
	}
	return meta, nil
}

// PipSize is the size of one pip in price units, e.g. EUR_USD: 0.0001, USD_JPY: 0.01.
func (m InstrumentMeta) PipSize() float64 {
	return math.Pow10(m.PipLocation)
}

// Pips converts an absolute price distance to pips.
func (m InstrumentMeta) Pips(distance float64) float64 {
	return math.Abs(distance) / m.PipSize()
}

// Offset converts pips to a price distance.
func (m InstrumentMeta) Offset(pips float64) float64 {
	return pips * m.PipSize()
}

// Round rounds a price to the instrument's quoted digits.
func (m InstrumentMeta) Round(price float64) float64 {
	p := math.Pow10(m.Digits)
	return math.Round(price*p) / p
}
