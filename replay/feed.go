package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/fxengine/market"
)

// Feed reads tick CSV rows:
//
//	time,instrument,bid,ask
//
// where time is RFC3339 or RFC3339Nano. A header row is allowed, extra
// columns are ignored and short or empty rows are skipped. Ticks outside
// [from, to) are dropped when either bound is set.
type Feed struct {
	c    io.Closer
	r    *csv.Reader
	from time.Time
	to   time.Time

	sawFirst bool
}

// Open reads a feed from a file.
func Open(path string, from, to time.Time) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	feed := NewFeed(f, from, to)
	feed.c = f
	return feed, nil
}

func NewFeed(r io.Reader, from, to time.Time) *Feed {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return &Feed{r: cr, from: from, to: to}
}

func (f *Feed) Close() error {
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}

// Next returns the next tick in range, or ok=false at the end of input.
func (f *Feed) Next() (market.Tick, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return market.Tick{}, false, nil
		}
		if err != nil {
			return market.Tick{}, false, err
		}
		if len(row) == 0 {
			continue
		}

		if !f.sawFirst {
			f.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		t, ok, err := parseRow(row)
		if err != nil {
			return market.Tick{}, false, err
		}
		if !ok || !inRange(t.Time, f.from, f.to) {
			continue
		}
		return t, true, nil
	}
}

func parseRow(row []string) (market.Tick, bool, error) {
	if len(row) < 4 {
		return market.Tick{}, false, nil
	}

	ts := strings.TrimSpace(row[0])
	if ts == "" {
		return market.Tick{}, false, nil
	}
	at, err := ParseTime(ts)
	if err != nil {
		return market.Tick{}, false, err
	}

	inst := strings.TrimSpace(row[1])
	if inst == "" {
		return market.Tick{}, false, nil
	}

	bid, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("bad bid %q: %w", row[2], err)
	}
	ask, err := strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
	if err != nil {
		return market.Tick{}, false, fmt.Errorf("bad ask %q: %w", row[3], err)
	}

	return market.Tick{Instrument: inst, Time: at, Bid: bid, Ask: ask}, true, nil
}

// ParseTime accepts RFC3339 with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	t, err2 := time.Parse(time.RFC3339Nano, s)
	if err2 != nil {
		return time.Time{}, fmt.Errorf("bad time %q: %w", s, err)
	}
	return t, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
