// Package position supervises open positions: the per-position state
// machine, stop management on every tick, and forced closes.
package position

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/fxengine/signal"
)

var (
	ErrInvalidTransition = errors.New("invalid position state transition")
	ErrNotFound          = errors.New("position not found")
	ErrNotOpen           = errors.New("position not open")
)

type Status int

const (
	StatusPending Status = iota
	StatusOpen
	StatusClosing
	StatusClosed
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusRejected:
		return "rejected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

var transitions = map[Status][]Status{
	StatusPending: {StatusOpen, StatusRejected},
	StatusOpen:    {StatusClosing},
	// closing -> open only mirrors the broker after a failed close
	StatusClosing: {StatusClosed, StatusOpen},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TrailingState struct {
	Active bool
	Moves  int
}

type Position struct {
	ID            string
	ClientTag     string
	Instrument    string
	Direction     signal.Direction
	Volume        float64
	InitialVolume float64
	EntryPrice    float64
	StopLoss      float64
	TakeProfit    float64
	Trailing      TrailingState
	OpenedAt      time.Time
	ClosedAt      time.Time
	ClosePrice    float64
	RealizedPnL   float64
	Status        Status
	CloseReason   string

	PartialClosed    bool
	BreakEvenApplied bool
}

func (p *Position) transition(to Status) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, p.Status, to, p.key())
	}
	p.Status = to
	return nil
}

func (p *Position) key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.ClientTag
}

// ProfitPips is the signed move from entry in the position's favor.
func (p *Position) ProfitPips(price, pipSize float64) float64 {
	if pipSize <= 0 {
		return 0
	}
	return roundPips(p.Direction.Sign() * (price - p.EntryPrice) / pipSize)
}

// roundPips drops float noise below a millionth of a pip.
func roundPips(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}

// RiskPips is the loss to the current stop, zero once the stop locks in profit
// and for positions without a stop.
func (p *Position) RiskPips(pipSize float64) float64 {
	if p.StopLoss == 0 || pipSize <= 0 {
		return 0
	}
	return math.Max(0, roundPips(p.Direction.Sign()*(p.EntryPrice-p.StopLoss)/pipSize))
}

// tighter reports whether candidate is a stop closer to price than current.
// A position without a stop accepts any stop.
func tighter(d signal.Direction, current, candidate float64) bool {
	if current == 0 {
		return true
	}
	switch d {
	case signal.Long:
		return candidate > current
	case signal.Short:
		return candidate < current
	}
	return false
}

// Snapshot is a read-only copy of a position with its mark-to-market value.
type Snapshot struct {
	Position
	MarkPrice     float64
	UnrealizedPnL float64
	RiskAmount    float64
}
