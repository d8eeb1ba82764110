package position

import "time"

type EventKind string

const (
	EventOpened   EventKind = "opened"
	EventModified EventKind = "modified"
	EventPartial  EventKind = "partial_close"
	EventClosed   EventKind = "closed"
	EventRejected EventKind = "rejected"
)

// Event describes a position lifecycle change. Volume, Price and PnL refer to
// the part of the position the event acted on.
type Event struct {
	Kind     EventKind
	Position Snapshot
	Reason   string
	Volume   float64
	Price    float64
	PnL      float64
	Time     time.Time
	Err      error
}

// Observer receives events after the position's lock is released.
type Observer interface {
	OnPositionEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnPositionEvent(ev Event) { f(ev) }
