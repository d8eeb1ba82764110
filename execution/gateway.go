// Package execution sends orders to the broker with bounded retries,
// error classification and idempotent closes.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/broker"
	"github.com/rustyeddy/fxengine/metrics"
	"github.com/rustyeddy/fxengine/pkg/id"
	"github.com/rustyeddy/fxengine/signal"
)

var (
	ErrFatal            = errors.New("fatal execution error")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

type OpenRequest struct {
	Instrument string
	Direction  signal.Direction
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	// ClientTag identifies the order across retries; generated when empty.
	ClientTag string
	Comment   string
}

type Gateway struct {
	broker  broker.Broker
	mu      sync.RWMutex
	policy  RetryPolicy
	sleeper Sleeper
	logger  *zap.Logger
	metrics *metrics.Registry
	newTag  func() string
}

type Option func(*Gateway)

func WithSleeper(s Sleeper) Option { return func(g *Gateway) { g.sleeper = s } }
func WithLogger(l *zap.Logger) Option { return func(g *Gateway) { g.logger = l } }
func WithMetrics(m *metrics.Registry) Option { return func(g *Gateway) { g.metrics = m } }
func WithTagGenerator(f func() string) Option { return func(g *Gateway) { g.newTag = f } }

func NewGateway(b broker.Broker, policy RetryPolicy, opts ...Option) *Gateway {
	g := &Gateway{
		broker:  b,
		policy:  policy,
		sleeper: TimerSleeper,
		logger:  zap.NewNop(),
		newTag:  id.New,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g
}

func (g *Gateway) Policy() RetryPolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// SetPolicy applies to calls started after it returns.
func (g *Gateway) SetPolicy(p RetryPolicy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, broker.ErrConnectionUnavailable):
		return "connection_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return string(broker.CodeOf(err))
}

// do runs fn under a per-attempt timeout until it succeeds, fails with a
// non-transient error, or the retry budget is spent.
func (g *Gateway) do(ctx context.Context, op string, fields []zap.Field, fn func(context.Context) error) error {
	policy := g.Policy()
	for attempt := 0; ; attempt++ {
		g.metrics.OrderAttempt(op)

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
		}
		err := fn(callCtx)
		cancel()

		if err == nil {
			g.metrics.OrderSucceeded(op)
			return nil
		}
		if ctx.Err() != nil {
			g.metrics.OrderFailed(op, "canceled")
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if !broker.IsTransient(err) {
			g.metrics.OrderFailed(op, failureCode(err))
			return fmt.Errorf("%w: %s: %w", ErrFatal, op, err)
		}
		if attempt >= policy.MaxRetries {
			g.metrics.OrderFailed(op, failureCode(err))
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, attempt+1, err)
		}

		wait := policy.Backoff(attempt)
		g.logger.Warn("transient broker error, retrying",
			append(fields, zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(err))...)
		g.metrics.OrderRetried(op)
		if err := g.sleeper.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

// Open places a market order. Every attempt carries the same client tag and
// a retry first asks the broker whether an earlier attempt filled, so a
// timed-out order is never sent twice.
func (g *Gateway) Open(ctx context.Context, req OpenRequest) (broker.Fill, error) {
	if req.ClientTag == "" {
		req.ClientTag = g.newTag()
	}
	breq := broker.OrderRequest{
		Instrument: req.Instrument,
		Direction:  req.Direction,
		Side:       broker.SideOf(req.Direction),
		Volume:     req.Volume,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		ClientTag:  req.ClientTag,
		Comment:    req.Comment,
	}
	fields := []zap.Field{zap.String("instrument", req.Instrument), zap.String("client_tag", req.ClientTag)}

	var fill broker.Fill
	sent := false
	err := g.do(ctx, "open", fields, func(ctx context.Context) error {
		if sent {
			prev, ok, err := g.broker.FindByTag(ctx, req.ClientTag)
			if err != nil {
				return err
			}
			if ok {
				g.logger.Info("earlier open attempt was filled", fields...)
				fill = prev
				return nil
			}
		}
		sent = true
		f, err := g.broker.Open(ctx, breq)
		if err != nil {
			return err
		}
		fill = f
		return nil
	})
	if err != nil {
		return broker.Fill{}, err
	}
	if fill.ClientTag == "" {
		fill.ClientTag = req.ClientTag
	}
	return fill, nil
}

func (g *Gateway) Modify(ctx context.Context, positionID string, stopLoss, takeProfit float64) error {
	return g.do(ctx, "modify", []zap.Field{zap.String("position_id", positionID)}, func(ctx context.Context) error {
		return g.broker.Modify(ctx, positionID, stopLoss, takeProfit)
	})
}

// Deals fetches the closing deals of a position.
func (g *Gateway) Deals(ctx context.Context, positionID string) ([]broker.CloseResult, error) {
	var deals []broker.CloseResult
	err := g.do(ctx, "deals", []zap.Field{zap.String("position_id", positionID)}, func(ctx context.Context) error {
		d, err := g.broker.Deals(ctx, positionID)
		if err != nil {
			return err
		}
		deals = d
		return nil
	})
	return deals, err
}

// Close closes volume lots, or all of the position when volume <= 0. A
// position the broker reports as already closed or unknown counts as closed.
func (g *Gateway) Close(ctx context.Context, positionID string, volume float64) (broker.CloseResult, error) {
	var res broker.CloseResult
	err := g.do(ctx, "close", []zap.Field{zap.String("position_id", positionID)}, func(ctx context.Context) error {
		r, err := g.broker.Close(ctx, positionID, volume)
		if broker.IsGone(err) {
			res = broker.CloseResult{PositionID: positionID, AlreadyClosed: true}
			return nil
		}
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}
