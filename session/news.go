package session

import (
	"strings"
	"time"
)

// AnyDay matches every weekday in a Blackout.
const AnyDay = -1

// Blackout is a recurring window around scheduled high-impact releases.
type Blackout struct {
	Name       string
	Weekday    int // time.Weekday or AnyDay
	Start      Clock
	End        Clock
	Currencies []string // empty means all instruments
}

func (b Blackout) applies(instrument string) bool {
	if len(b.Currencies) == 0 {
		return true
	}
	up := strings.ToUpper(instrument)
	for _, c := range b.Currencies {
		if strings.Contains(up, strings.ToUpper(c)) {
			return true
		}
	}
	return false
}

// Blackouts is the set of news windows with a buffer applied on both sides.
type Blackouts struct {
	Windows []Blackout
	Buffer  time.Duration
}

// DefaultBlackouts covers the usual European and US release times, the
// Wednesday FOMC slot and the Friday payrolls window.
func DefaultBlackouts() *Blackouts {
	return &Blackouts{Windows: []Blackout{
		{Name: "eu_open_data", Weekday: AnyDay, Start: MustClock("08:30"), End: MustClock("09:30")},
		{Name: "us_data", Weekday: AnyDay, Start: MustClock("12:30"), End: MustClock("14:30")},
		{Name: "london_fix", Weekday: AnyDay, Start: MustClock("16:00"), End: MustClock("16:30")},
		{Name: "fomc", Weekday: int(time.Wednesday), Start: MustClock("13:00"), End: MustClock("14:00")},
		{Name: "nfp", Weekday: int(time.Friday), Start: MustClock("12:30"), End: MustClock("15:00")},
	}}
}

// Active returns the first blackout covering t for the instrument.
func (bs *Blackouts) Active(t time.Time, instrument string) (string, bool) {
	if bs == nil {
		return "", false
	}
	t = t.UTC()
	buf := Clock(bs.Buffer / time.Minute)
	at := clockOf(t)
	for _, b := range bs.Windows {
		if b.Weekday != AnyDay && time.Weekday(b.Weekday) != t.Weekday() {
			continue
		}
		if !b.applies(instrument) {
			continue
		}
		start := (b.Start - buf + 1440) % 1440
		end := (b.End + buf) % 1440
		if contains(start, end, at) {
			return b.Name, true
		}
	}
	return "", false
}
