package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoPrice    = errors.New("price not found")
	ErrStalePrice = errors.New("price is stale")
)

type TickSource interface {
	GetTick(ctx context.Context, instrument string) (Tick, error)
}

// Tick is a top-of-book quote.
type Tick struct {
	Instrument string
	Time       time.Time
	Bid        float64
	Ask        float64
}

// Validate rejects one-sided or crossed quotes.
func (t Tick) Validate() error {
	if t.Bid <= 0 || t.Ask < t.Bid {
		return fmt.Errorf("bad quote for %s: bid %v ask %v", t.Instrument, t.Bid, t.Ask)
	}
	return nil
}

func (t Tick) Mid() float64 {
	if t.Bid == 0 && t.Ask == 0 {
		return 0
	}
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 { return t.Ask - t.Bid }

// Age is how long ago the quote was stamped. Unstamped quotes have no age.
func (t Tick) Age(now time.Time) time.Duration {
	if t.Time.IsZero() || now.Before(t.Time) {
		return 0
	}
	return now.Sub(t.Time)
}

// Stale reports whether the quote is older than maxAge; maxAge <= 0 never is.
func (t Tick) Stale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && t.Age(now) > maxAge
}

// TickStore keeps the latest quote per instrument.
type TickStore struct {
	mu     sync.RWMutex
	latest map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{latest: make(map[string]Tick)}
}

// Set stores t unconditionally.
func (s *TickStore) Set(t Tick) {
	s.mu.Lock()
	s.latest[t.Instrument] = t
	s.mu.Unlock()
}

// Update stores t unless the stored quote is stamped later, so a stream
// replaying old quotes after a reconnect cannot roll prices back. It reports
// whether t was kept.
func (s *TickStore) Update(t Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[t.Instrument]; ok && !t.Time.IsZero() && t.Time.Before(cur.Time) {
		return false
	}
	s.latest[t.Instrument] = t
	return true
}

func (s *TickStore) Get(instrument string) (Tick, error) {
	s.mu.RLock()
	t, ok := s.latest[instrument]
	s.mu.RUnlock()
	if !ok {
		return Tick{}, fmt.Errorf("%s: %w", instrument, ErrNoPrice)
	}
	return t, nil
}

// Fresh is Get that also fails with ErrStalePrice when the quote is older
// than maxAge at now.
func (s *TickStore) Fresh(instrument string, now time.Time, maxAge time.Duration) (Tick, error) {
	t, err := s.Get(instrument)
	if err != nil {
		return Tick{}, err
	}
	if t.Stale(now, maxAge) {
		return t, fmt.Errorf("%s quote is %s old: %w", instrument, t.Age(now), ErrStalePrice)
	}
	return t, nil
}

// Instruments lists the instruments with a stored quote, sorted.
func (s *TickStore) Instruments() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.latest))
	for name := range s.latest {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// GetTick lets a TickStore act as a TickSource.
func (s *TickStore) GetTick(_ context.Context, instrument string) (Tick, error) {
	return s.Get(instrument)
}
