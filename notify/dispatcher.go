package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type DispatcherOption func(*Dispatcher)

func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithTimeout bounds each delivery.
func WithTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithDropHook is called for every event dropped on a full queue.
func WithDropHook(fn func()) DispatcherOption {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// Dispatcher queues events for a single delivery worker. Publish never
// blocks; events that do not fit the queue are dropped and counted.
type Dispatcher struct {
	sink    Notifier
	queue   chan Event
	log     *zap.Logger
	timeout time.Duration
	onDrop  func()
	dropped atomic.Int64

	once sync.Once
	done chan struct{}
}

func NewDispatcher(sink Notifier, buffer int, opts ...DispatcherOption) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, buffer),
		log:     zap.NewNop(),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.sink.Notify(cctx, ev); err != nil {
		d.log.Warn("notification failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Publish enqueues ev and reports whether it was accepted.
func (d *Dispatcher) Publish(ev Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop()
		}
		d.log.Debug("notification dropped", zap.String("kind", string(ev.Kind)))
		return false
	}
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Done is closed once Run returns.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }
