package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/rustyeddy/fxengine/config"
	"github.com/rustyeddy/fxengine/notify"
	"github.com/rustyeddy/fxengine/risk"
	"github.com/rustyeddy/fxengine/telemetry"
)

var ErrQueueFull = errors.New("engine command queue full")

type CommandKind string

const (
	CmdStop            CommandKind = "stop"
	CmdResume          CommandKind = "resume"
	CmdClearSuspension CommandKind = "clear_suspension"
	CmdCloseAll        CommandKind = "close_all"
	CmdClosePosition   CommandKind = "close"
	CmdReloadConfig    CommandKind = "reload"
)

// Command is an operator request. PositionID is used by CmdClosePosition,
// Config by CmdReloadConfig.
type Command struct {
	Kind       CommandKind
	PositionID string
	Config     *config.Config
}

func (c Command) validate() error {
	switch c.Kind {
	case CmdStop, CmdResume, CmdClearSuspension, CmdCloseAll:
		return nil
	case CmdClosePosition:
		if c.PositionID == "" {
			return errors.New("close needs a position id")
		}
		return nil
	case CmdReloadConfig:
		if c.Config == nil {
			return errors.New("reload needs a config")
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", c.Kind)
}

// Enqueue hands a command to the engine without blocking. It is the only
// way for presentation code to change engine state.
func (e *Engine) Enqueue(c Command) error {
	if err := c.validate(); err != nil {
		return err
	}
	select {
	case e.cmds <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// CommandSink adapts telemetry client commands onto the queue.
func (e *Engine) CommandSink() telemetry.CommandSink {
	return func(c telemetry.Command) error {
		return e.Enqueue(Command{Kind: CommandKind(c.Cmd), PositionID: c.ID})
	}
}

func (e *Engine) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.cmds:
			if err := e.apply(ctx, c); err != nil {
				e.logger.Warn("command failed", zap.String("command", string(c.Kind)), zap.Error(err))
			}
		}
	}
}

func (e *Engine) apply(ctx context.Context, c Command) error {
	e.logger.Info("command", zap.String("command", string(c.Kind)), zap.String("position_id", c.PositionID))
	// closes requested by the operator finish even during shutdown
	ctx = context.WithoutCancel(ctx)

	switch c.Kind {
	case CmdStop:
		if e.risk.Suspend() {
			e.metrics.Suspension(risk.SuspendUserStop)
			e.publish(notify.Event{Kind: notify.KindSuspended, Message: risk.SuspendUserStop})
		}
	case CmdResume:
		if e.risk.Resume() {
			e.publish(notify.Event{Kind: notify.KindResumed, Message: "resumed by operator"})
		}
	case CmdClearSuspension:
		if e.risk.ClearSuspension(true) {
			e.publish(notify.Event{Kind: notify.KindResumed, Message: "suspension cleared by operator"})
		}
	case CmdCloseAll:
		return e.sup.CloseAll(ctx, "manual")
	case CmdClosePosition:
		return e.sup.ClosePosition(ctx, c.PositionID, "manual")
	case CmdReloadConfig:
		return e.reload(c.Config)
	default:
		return fmt.Errorf("unknown command %q", c.Kind)
	}
	e.broadcast("status", e.Status())
	return nil
}

// reload converts the new document up front so a bad one changes nothing,
// then publishes it and pushes the derived settings into each component.
// Cycles already running finish on the snapshot they started with.
func (e *Engine) reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	policy, err := cfg.RiskPolicy()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	settings, err := cfg.SignalSettings()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	retry, err := cfg.RetryPolicy()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	prev := e.store.Load()
	if err := e.store.Swap(cfg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	e.risk.SetPolicy(policy)
	e.agg.SetSettings(settings)
	e.gateway.SetPolicy(retry)
	e.sup.SetRules(cfg.Rules())

	if !slices.Equal(prev.InstrumentNames(), cfg.InstrumentNames()) {
		select {
		case e.resub <- struct{}{}:
		default:
		}
	}
	e.logger.Info("configuration reloaded",
		zap.Strings("instruments", cfg.InstrumentNames()), zap.String("mode", string(cfg.Mode())))
	return nil
}
