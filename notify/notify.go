// Package notify delivers operator notifications without ever blocking
// the trading path.
package notify

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindOpened     Kind = "opened"
	KindClosed     Kind = "closed"
	KindPartial    Kind = "partial_close"
	KindRejected   Kind = "rejected"
	KindSuspended  Kind = "suspended"
	KindResumed    Kind = "resumed"
	KindError      Kind = "error"
	KindDailyReset Kind = "daily_reset"
)

type Event struct {
	Kind       Kind
	Instrument string
	PositionID string
	Message    string
	Time       time.Time
}

func (e Event) String() string {
	s := string(e.Kind)
	if e.Instrument != "" {
		s += " " + e.Instrument
	}
	if e.PositionID != "" {
		s += " #" + e.PositionID
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every notifier and reports the first failure.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil && first == nil {
			first = fmt.Errorf("notify %s: %w", ev.Kind, err)
		}
	}
	return first
}
