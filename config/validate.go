package config

import (
	"fmt"

	"github.com/rustyeddy/fxengine/market"
)

// Validate returns the first problem found, if any.
func (c *Config) Validate() error {
	if c.Account.Currency == "" {
		return fmt.Errorf("account.currency is required")
	}
	if c.Account.Balance < 0 {
		return fmt.Errorf("account.balance must not be negative")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for i, in := range c.Instruments {
		if _, err := market.Lookup(in.Name); err != nil {
			return fmt.Errorf("instruments[%d]: %w", i, err)
		}
		if seen[in.Name] {
			return fmt.Errorf("instruments[%d]: duplicate %s", i, in.Name)
		}
		seen[in.Name] = true
		if _, err := market.TFDuration(in.Timeframe); err != nil {
			return fmt.Errorf("instruments[%d].timeframe: %w", i, err)
		}
		if in.Lots != nil && !in.Lots.Valid() {
			return fmt.Errorf("instruments[%d].lots: need 0 < min <= max and step > 0", i)
		}
	}

	if _, err := c.SignalSettings(); err != nil {
		return err
	}
	for name, w := range c.Strategy.Profiles {
		for factor, v := range w {
			if v < 0 {
				return fmt.Errorf("strategy.profiles.%s.%s must not be negative", name, factor)
			}
		}
	}
	policy, err := c.RiskPolicy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	if c.Stops.SLPips <= 0 {
		return fmt.Errorf("stops.sl_pips must be positive")
	}
	if c.Stops.TPPips < 0 {
		return fmt.Errorf("stops.tp_pips must not be negative")
	}
	if c.Trailing.Enabled && (c.Trailing.DistancePips <= 0 || c.Trailing.StepPips < 0) {
		return fmt.Errorf("trailing needs distance_pips > 0 and step_pips >= 0")
	}
	if c.PartialClose.Enabled && (c.PartialClose.Fraction <= 0 || c.PartialClose.Fraction >= 1) {
		return fmt.Errorf("partial_close.fraction must be in (0, 1)")
	}
	if c.BreakEven.Enabled && c.BreakEven.TriggerPips <= c.BreakEven.OffsetPips {
		return fmt.Errorf("break_even.trigger_pips must exceed offset_pips")
	}

	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must not be negative")
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	if _, err := parseDuration("engine.poll_interval", c.Engine.PollInterval, 0); err != nil {
		return err
	}

	switch c.Broker.Type {
	case "sim":
	case "bridge":
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url required for bridge broker")
		}
	default:
		return fmt.Errorf("broker.type must be 'sim' or 'bridge'")
	}

	switch c.Journal.Type {
	case "", "none":
	case "csv":
		if c.Journal.TradesFile == "" || c.Journal.EquityFile == "" {
			return fmt.Errorf("journal trades_file and equity_file required for CSV type")
		}
	case "sqlite":
		if c.Journal.DBPath == "" {
			return fmt.Errorf("journal db_path required for SQLite type")
		}
	default:
		return fmt.Errorf("journal.type must be 'csv', 'sqlite' or 'none'")
	}

	if c.Notify.Telegram.Enabled && (c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == "") {
		return fmt.Errorf("notify.telegram needs token and chat_id")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	return nil
}
