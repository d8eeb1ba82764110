// Package signal combines indicator, model and session votes into a single
// directional trading signal for an instrument.
package signal

import (
	"fmt"
	"strings"
	"time"
)

type Direction int

const (
	Flat Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// Sign is +1 for long, -1 for short and 0 for flat.
func (d Direction) Sign() float64 {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	}
	return 0
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	case "flat", "":
		return Flat, nil
	}
	return Flat, fmt.Errorf("unknown direction %q", s)
}

// Mode selects a weight profile and the engine's polling cadence.
type Mode string

const (
	ModeScalping  Mode = "scalping"
	ModeHFT       Mode = "hft"
	ModeIntraday  Mode = "intraday"
	ModeArbitrage Mode = "arbitrage"
)

var Modes = []Mode{ModeScalping, ModeHFT, ModeIntraday, ModeArbitrage}

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Modes {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown strategy mode %q", s)
}

// Factor names.
const (
	FactorRSI             = "rsi"
	FactorMACD            = "macd"
	FactorEMACross        = "ema_cross"
	FactorBollinger       = "bollinger"
	FactorMomentum        = "momentum"
	FactorModel           = "model"
	FactorSession         = "session"
	FactorDataUnavailable = "data_unavailable"
)

// Factor is one sub-signal's contribution.
type Factor struct {
	Name      string
	Direction Direction
	Weight    float64
	Vote      float64 // strength in [0,1]
}

// Signal is an immutable evaluation result.
type Signal struct {
	Instrument string
	Timeframe  string
	Direction  Direction
	Confidence float64
	Factors    []Factor
	Mode       Mode
	Price      float64
	ProducedAt time.Time
}

// Factor returns the named factor if it contributed.
func (s Signal) Factor(name string) (Factor, bool) {
	for _, f := range s.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return Factor{}, false
}

// DataUnavailable reports whether the signal was produced by failing closed.
func (s Signal) DataUnavailable() bool {
	_, ok := s.Factor(FactorDataUnavailable)
	return ok
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s %s conf=%.2f", s.Instrument, s.Timeframe, s.Direction, s.Confidence)
}
