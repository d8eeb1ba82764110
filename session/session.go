// Package session describes which forex trading sessions are open at a given
// instant and when high-impact news blackouts apply.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Regime is the expected volatility of the market at a point in time.
type Regime string

const (
	RegimeClosed   Regime = "closed"
	RegimeLow      Regime = "low"
	RegimeMedium   Regime = "medium"
	RegimeHigh     Regime = "high"
	RegimeVeryHigh Regime = "very_high"
)

var regimeRank = map[Regime]int{
	RegimeClosed:   0,
	RegimeLow:      1,
	RegimeMedium:   2,
	RegimeHigh:     3,
	RegimeVeryHigh: 4,
}

// ParseRegime accepts the regime names used in configuration.
func ParseRegime(s string) (Regime, error) {
	r := Regime(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := regimeRank[r]; !ok {
		return "", fmt.Errorf("unknown volatility regime %q", s)
	}
	return r, nil
}

// Higher reports whether r is more volatile than other.
func (r Regime) Higher(other Regime) bool {
	return regimeRank[r] > regimeRank[other]
}

// Clock is minutes after midnight UTC.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock(h*60 + m), nil
}

func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func clockOf(t time.Time) Clock {
	t = t.UTC()
	return Clock(t.Hour()*60 + t.Minute())
}

// contains treats [start, end) as a range that may wrap midnight.
func contains(start, end, at Clock) bool {
	if start == end {
		return false
	}
	if start < end {
		return at >= start && at < end
	}
	return at >= start || at < end
}

// Window is a named trading session.
type Window struct {
	Name   string
	Start  Clock
	End    Clock
	Regime Regime
}

// Descriptor is the session state at an instant.
type Descriptor struct {
	Active []string
	Regime Regime
}

// Open reports whether any session is active.
func (d Descriptor) Open() bool {
	return len(d.Active) > 0
}

// Calendar evaluates the configured sessions.
type Calendar struct {
	Windows []Window
}

// DefaultCalendar returns the Asia, London, New York and London/New York
// overlap sessions in UTC.
func DefaultCalendar() *Calendar {
	return &Calendar{Windows: []Window{
		{Name: "asia", Start: MustClock("21:00"), End: MustClock("06:00"), Regime: RegimeMedium},
		{Name: "london", Start: MustClock("07:00"), End: MustClock("16:00"), Regime: RegimeHigh},
		{Name: "new_york", Start: MustClock("13:00"), End: MustClock("22:00"), Regime: RegimeHigh},
		{Name: "overlap", Start: MustClock("13:00"), End: MustClock("16:00"), Regime: RegimeVeryHigh},
	}}
}

// Only keeps the named sessions. An empty list keeps all of them.
func (c *Calendar) Only(names []string) *Calendar {
	if len(names) == 0 {
		return c
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[strings.ToLower(n)] = true
	}
	out := &Calendar{}
	for _, w := range c.Windows {
		if keep[w.Name] {
			out.Windows = append(out.Windows, w)
		}
	}
	return out
}

// MarketOpen applies the weekly forex schedule: closed all of Saturday and
// on Sunday until the Asia open at 21:00 UTC, and after 22:00 UTC on Friday.
func MarketOpen(t time.Time) bool {
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday:
		return false
	case time.Sunday:
		return clockOf(t) >= MustClock("21:00")
	case time.Friday:
		return clockOf(t) < MustClock("22:00")
	}
	return true
}

// Describe lists the active sessions at t and the highest regime among them.
func (c *Calendar) Describe(t time.Time) Descriptor {
	d := Descriptor{Regime: RegimeClosed}
	if !MarketOpen(t) {
		return d
	}
	at := clockOf(t)
	for _, w := range c.Windows {
		if contains(w.Start, w.End, at) {
			d.Active = append(d.Active, w.Name)
			if w.Regime.Higher(d.Regime) {
				d.Regime = w.Regime
			}
		}
	}
	return d
}
