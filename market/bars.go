package market

import "time"

// Bars builds fixed-width candles from a price stream and keeps the most
// recent closed ones.
type Bars struct {
	width   time.Duration
	max     int
	closed  []Candle
	current *Candle
}

func NewBars(width time.Duration, max int) *Bars {
	if max <= 0 {
		max = 1000
	}
	return &Bars{width: width, max: max}
}

// Add folds one price observation in. Observations older than the bar in
// progress are ignored.
func (b *Bars) Add(t time.Time, price, volume float64) {
	start := t.Truncate(b.width)
	if b.current != nil {
		switch {
		case start.Before(b.current.Time):
			return
		case start.After(b.current.Time):
			b.push(*b.current)
			b.current = nil
		}
	}
	if b.current == nil {
		b.current = &Candle{Time: start, Open: price, High: price, Low: price, Close: price, Volume: volume}
		return
	}
	c := b.current
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
}

func (b *Bars) push(c Candle) {
	b.closed = append(b.closed, c)
	if over := len(b.closed) - b.max; over > 0 {
		b.closed = append(b.closed[:0:0], b.closed[over:]...)
	}
}

// Seed appends already closed candles, e.g. history loaded at startup.
func (b *Bars) Seed(candles []Candle) {
	for _, c := range candles {
		b.push(c)
	}
}

// Closed returns up to count of the latest closed candles, oldest first.
func (b *Bars) Closed(count int) []Candle {
	n := len(b.closed)
	if count <= 0 || count > n {
		count = n
	}
	out := make([]Candle, count)
	copy(out, b.closed[n-count:])
	return out
}

// Resample merges candles into wider buckets. The last bucket is dropped if
// it may still be incomplete relative to the source's final candle.
func Resample(candles []Candle, width time.Duration) []Candle {
	var out []Candle
	for _, c := range candles {
		start := c.Time.Truncate(width)
		if n := len(out); n > 0 && out[n-1].Time.Equal(start) {
			last := &out[n-1]
			if c.High > last.High {
				last.High = c.High
			}
			if c.Low < last.Low {
				last.Low = c.Low
			}
			last.Close = c.Close
			last.Volume += c.Volume
			continue
		}
		c.Time = start
		out = append(out, c)
	}
	if n := len(out); n > 0 && len(candles) > 0 {
		src := candles[len(candles)-1]
		srcWidth := time.Minute
		if len(candles) > 1 {
			srcWidth = src.Time.Sub(candles[len(candles)-2].Time)
		}
		if src.Time.Add(srcWidth).Before(out[n-1].Time.Add(width)) {
			out = out[:n-1]
		}
	}
	return out
}
