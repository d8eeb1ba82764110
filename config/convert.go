package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rustyeddy/fxengine/execution"
	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/risk"
	"github.com/rustyeddy/fxengine/session"
	"github.com/rustyeddy/fxengine/signal"
)

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekday(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "any" {
		return session.AnyDay, nil
	}
	if len(s) > 3 {
		s = s[:3]
	}
	d, ok := weekdays[s]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return int(d), nil
}

func (c *Config) Mode() signal.Mode {
	m, err := signal.ParseMode(c.Strategy.Mode)
	if err != nil {
		return signal.ModeScalping
	}
	return m
}

// PollInterval is engine.poll_interval or the mode's default cadence.
func (c *Config) PollInterval() time.Duration {
	if d, err := parseDuration("engine.poll_interval", c.Engine.PollInterval, 0); err == nil && d > 0 {
		return d
	}
	switch c.Mode() {
	case signal.ModeHFT:
		return 500 * time.Millisecond
	case signal.ModeScalping:
		return time.Second
	}
	return 2 * time.Second
}

// Blackouts returns nil when news filtering is disabled. Without explicit
// windows the stock set is used.
func (c *Config) Blackouts() (*session.Blackouts, error) {
	if !c.News.Enabled {
		return nil, nil
	}
	bs := session.DefaultBlackouts()
	if len(c.News.Windows) > 0 {
		bs.Windows = bs.Windows[:0]
		for i, w := range c.News.Windows {
			day, err := parseWeekday(w.Weekday)
			if err != nil {
				return nil, fmt.Errorf("news.windows[%d]: %w", i, err)
			}
			start, err := session.ParseClock(w.Start)
			if err != nil {
				return nil, fmt.Errorf("news.windows[%d].start: %w", i, err)
			}
			end, err := session.ParseClock(w.End)
			if err != nil {
				return nil, fmt.Errorf("news.windows[%d].end: %w", i, err)
			}
			bs.Windows = append(bs.Windows, session.Blackout{
				Name: w.Name, Weekday: day, Start: start, End: end, Currencies: w.Currencies,
			})
		}
	}
	bs.Buffer = time.Duration(c.News.BufferMinutes) * time.Minute
	return bs, nil
}

func (c *Config) RiskPolicy() (risk.Policy, error) {
	loc := time.UTC
	if tz := c.Risk.DayBoundaryTZ; tz != "" && tz != "UTC" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return risk.Policy{}, fmt.Errorf("risk.day_boundary_tz: %w", err)
		}
	}
	bs, err := c.Blackouts()
	if err != nil {
		return risk.Policy{}, err
	}
	r := c.Risk
	return risk.Policy{
		RiskPct:                 r.RiskPct,
		MaxDrawdown:             r.MaxDrawdown,
		DailyLossLimit:          r.DailyLossLimit,
		DailyProfitTarget:       r.DailyProfitTarget,
		StopOnProfitTarget:      r.StopOnProfitTarget,
		MaxAccountRisk:          r.MaxAccountRisk,
		MaxDailyTrades:          r.MaxDailyTrades,
		MaxConsecutiveLosses:    r.MaxConsecutiveLosses,
		MaxOpenPositions:        r.MaxOpenPositions,
		MinConfidence:           c.Strategy.MinConfidence,
		MinMarginLevel:          r.MinMarginLevel,
		ForceCloseLossTolerance: r.ForceCloseLossTolerance,
		ForceCloseAll:           r.ForceCloseAll,
		DrawdownClearMode:       risk.ClearMode(r.DrawdownClearMode),
		DayBoundary:             loc,
		DayBoundaryHour:         r.DayBoundaryHour,
		Blackouts:               bs,
	}, nil
}

func (c *Config) SignalSettings() (signal.Settings, error) {
	mode, err := signal.ParseMode(c.Strategy.Mode)
	if err != nil {
		return signal.Settings{}, fmt.Errorf("strategy.mode: %w", err)
	}
	maxAge, err := parseDuration("strategy.data_max_age", c.Strategy.DataMaxAge, 0)
	if err != nil {
		return signal.Settings{}, err
	}
	s := signal.DefaultSettings(mode)
	if w, ok := c.Strategy.Profiles[string(mode)]; ok && len(w) > 0 {
		s.Weights = w
	}
	if c.Strategy.Params != (signal.Params{}) {
		s.Params = c.Strategy.Params
	}
	s.MaxAge = maxAge
	return s, nil
}

func (c *Config) Rules() position.Rules {
	return position.Rules{Trailing: c.Trailing, PartialClose: c.PartialClose, BreakEven: c.BreakEven}
}

func (c *Config) RetryPolicy() (execution.RetryPolicy, error) {
	def := execution.DefaultRetryPolicy()
	e := c.Execution
	p := execution.RetryPolicy{MaxRetries: e.MaxRetries, Factor: e.BackoffFactor}
	var err error
	if p.InitialBackoff, err = parseDuration("execution.initial_backoff", e.InitialBackoff, def.InitialBackoff); err != nil {
		return p, err
	}
	if p.MaxBackoff, err = parseDuration("execution.max_backoff", e.MaxBackoff, def.MaxBackoff); err != nil {
		return p, err
	}
	if p.CallTimeout, err = parseDuration("execution.call_timeout", e.CallTimeout, def.CallTimeout); err != nil {
		return p, err
	}
	if p.Factor <= 0 {
		p.Factor = def.Factor
	}
	return p, nil
}

// Calendar restricts the default sessions to sessions.enabled when set.
func (c *Config) Calendar() *session.Calendar {
	cal := session.DefaultCalendar()
	if len(c.Sessions.Enabled) > 0 {
		return cal.Only(c.Sessions.Enabled)
	}
	return cal
}

// Lots returns the instrument's lot constraints, honoring overrides.
func (c *Config) Lots(instrument string) (market.LotSpec, error) {
	for _, in := range c.Instruments {
		if in.Name == instrument && in.Lots != nil {
			return *in.Lots, nil
		}
	}
	meta, err := market.Lookup(instrument)
	if err != nil {
		return market.LotSpec{}, err
	}
	return meta.Lots, nil
}

// InstrumentNames lists the traded instruments in document order.
func (c *Config) InstrumentNames() []string {
	out := make([]string, len(c.Instruments))
	for i, in := range c.Instruments {
		out[i] = in.Name
	}
	return out
}
