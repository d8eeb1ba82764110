package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/fxengine/market"
	"github.com/rustyeddy/fxengine/position"
	"github.com/rustyeddy/fxengine/signal"
)

// Config is the complete engine configuration document.
type Config struct {
	Account      AccountConfig             `json:"account" yaml:"account"`
	Instruments  []InstrumentConfig        `json:"instruments" yaml:"instruments"`
	Strategy     StrategyConfig            `json:"strategy" yaml:"strategy"`
	Risk         RiskConfig                `json:"risk" yaml:"risk"`
	Stops        StopsConfig               `json:"stops" yaml:"stops"`
	Trailing     position.TrailingRule     `json:"trailing" yaml:"trailing"`
	PartialClose position.PartialCloseRule `json:"partial_close" yaml:"partial_close"`
	BreakEven    position.BreakEvenRule    `json:"break_even" yaml:"break_even"`
	News         NewsConfig                `json:"news" yaml:"news"`
	Sessions     SessionsConfig            `json:"sessions" yaml:"sessions"`
	Execution    ExecutionConfig           `json:"execution" yaml:"execution"`
	Engine       EngineConfig              `json:"engine" yaml:"engine"`
	Broker       BrokerConfig              `json:"broker" yaml:"broker"`
	Journal      JournalConfig             `json:"journal" yaml:"journal"`
	Notify       NotifyConfig              `json:"notify" yaml:"notify"`
	Telemetry    TelemetryConfig           `json:"telemetry" yaml:"telemetry"`
	Metrics      ServerConfig              `json:"metrics" yaml:"metrics"`
	Log          LogConfig                 `json:"log" yaml:"log"`
}

type AccountConfig struct {
	ID       string  `json:"id" yaml:"id"`
	Currency string  `json:"currency" yaml:"currency"`
	Balance  float64 `json:"balance" yaml:"balance"` // starting balance of the sim broker
}

type InstrumentConfig struct {
	Name      string          `json:"name" yaml:"name"`
	Timeframe string          `json:"timeframe" yaml:"timeframe"`
	Lots      *market.LotSpec `json:"lots,omitempty" yaml:"lots,omitempty"`
}

type StrategyConfig struct {
	Mode          string                    `json:"mode" yaml:"mode"`
	MinConfidence float64                   `json:"min_confidence" yaml:"min_confidence"`
	DataMaxAge    string                    `json:"data_max_age" yaml:"data_max_age"` // e.g. "5m"
	Profiles      map[string]signal.Weights `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Params        signal.Params             `json:"params" yaml:"params"`
	Model         ModelConfig               `json:"model" yaml:"model"`
}

// ModelConfig points at an optional ONNX classifier.
type ModelConfig struct {
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	Library string `json:"library,omitempty" yaml:"library,omitempty"` // onnxruntime shared library
	Window  int    `json:"window,omitempty" yaml:"window,omitempty"`
}

type RiskConfig struct {
	RiskPct                 float64 `json:"risk_pct" yaml:"risk_pct"`
	MaxDrawdown             float64 `json:"max_drawdown_fraction" yaml:"max_drawdown_fraction"`
	DailyLossLimit          float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`
	DailyProfitTarget       float64 `json:"daily_profit_target" yaml:"daily_profit_target"`
	StopOnProfitTarget      bool    `json:"stop_on_profit_target" yaml:"stop_on_profit_target"`
	MaxAccountRisk          float64 `json:"max_account_risk" yaml:"max_account_risk"`
	MaxDailyTrades          int     `json:"max_daily_trades" yaml:"max_daily_trades"`
	MaxConsecutiveLosses    int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	MaxOpenPositions        int     `json:"max_open_positions" yaml:"max_open_positions"`
	MinMarginLevel          float64 `json:"min_margin_level" yaml:"min_margin_level"` // percent
	ForceCloseLossTolerance float64 `json:"force_close_loss_tolerance" yaml:"force_close_loss_tolerance"`
	ForceCloseAll           bool    `json:"force_close_all" yaml:"force_close_all"`
	DrawdownClearMode       string  `json:"drawdown_clear_mode" yaml:"drawdown_clear_mode"`
	DayBoundaryTZ           string  `json:"day_boundary_tz" yaml:"day_boundary_tz"`
	DayBoundaryHour         int     `json:"day_boundary_hour" yaml:"day_boundary_hour"`
}

type StopsConfig struct {
	SLPips float64 `json:"sl_pips" yaml:"sl_pips"`
	TPPips float64 `json:"tp_pips" yaml:"tp_pips"`
}

type NewsConfig struct {
	Enabled       bool         `json:"enabled" yaml:"enabled"`
	BufferMinutes int          `json:"buffer_minutes" yaml:"buffer_minutes"`
	Windows       []NewsWindow `json:"windows,omitempty" yaml:"windows,omitempty"`
}

// NewsWindow is a blackout in UTC. An empty weekday means every day.
type NewsWindow struct {
	Name       string   `json:"name" yaml:"name"`
	Weekday    string   `json:"weekday,omitempty" yaml:"weekday,omitempty"`
	Start      string   `json:"start" yaml:"start"`
	End        string   `json:"end" yaml:"end"`
	Currencies []string `json:"currencies,omitempty" yaml:"currencies,omitempty"`
}

type SessionsConfig struct {
	Enabled []string `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

type ExecutionConfig struct {
	MaxRetries     int     `json:"max_retries" yaml:"max_retries"`
	InitialBackoff string  `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     string  `json:"max_backoff" yaml:"max_backoff"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	CallTimeout    string  `json:"call_timeout" yaml:"call_timeout"`
}

type EngineConfig struct {
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

type BrokerConfig struct {
	Type  string `json:"type" yaml:"type"` // "sim" or "bridge"
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	WSURL string `json:"ws_url,omitempty" yaml:"ws_url,omitempty"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type JournalConfig struct {
	Type       string `json:"type" yaml:"type"` // "csv", "sqlite" or "none"
	TradesFile string `json:"trades_file,omitempty" yaml:"trades_file,omitempty"`
	EquityFile string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID  string `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"` // empty disables
}

// TelemetryConfig serves the websocket hub. Browser pages from hosts other
// than the hub's own need their origin listed, e.g. "http://localhost:5173".
type TelemetryConfig struct {
	Addr           string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// LoadFromFile loads configuration from a file, YAML first with a JSON
// fallback, and validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes a document on top of Default, so omitted sections keep
// their defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Default returns a runnable paper-trading configuration.
func Default() *Config {
	profiles := make(map[string]signal.Weights, len(signal.Modes))
	for _, m := range signal.Modes {
		profiles[string(m)] = signal.DefaultWeights(m)
	}
	return &Config{
		Account: AccountConfig{ID: "SIM-001", Currency: "USD", Balance: 10000},
		Instruments: []InstrumentConfig{
			{Name: "EUR_USD", Timeframe: "M5"},
			{Name: "GBP_USD", Timeframe: "M5"},
		},
		Strategy: StrategyConfig{
			Mode:          string(signal.ModeScalping),
			MinConfidence: 0.6,
			DataMaxAge:    "15m",
			Profiles:      profiles,
			Params:        signal.DefaultParams(),
			Model:         ModelConfig{Window: 32},
		},
		Risk: RiskConfig{
			RiskPct:              0.01,
			MaxDrawdown:          0.05,
			DailyLossLimit:       0.05,
			DailyProfitTarget:    0.10,
			MaxAccountRisk:       0.05,
			MaxDailyTrades:       50,
			MaxConsecutiveLosses: 3,
			MaxOpenPositions:     10,
			MinMarginLevel:       200,
			DrawdownClearMode:    "manual",
			DayBoundaryTZ:        "UTC",
		},
		Stops:        StopsConfig{SLPips: 25, TPPips: 50},
		Trailing:     position.TrailingRule{Enabled: true, TriggerPips: 20, StepPips: 2, DistancePips: 15},
		PartialClose: position.PartialCloseRule{Enabled: true, Fraction: 0.5, TriggerPips: 25},
		BreakEven:    position.BreakEvenRule{Enabled: true, TriggerPips: 20, OffsetPips: 1},
		News:         NewsConfig{Enabled: true, BufferMinutes: 30},
		Execution: ExecutionConfig{
			MaxRetries:     3,
			InitialBackoff: "200ms",
			MaxBackoff:     "2s",
			BackoffFactor:  2,
			CallTimeout:    "5s",
		},
		Broker:  BrokerConfig{Type: "sim"},
		Journal: JournalConfig{Type: "csv", TradesFile: "./trades.csv", EquityFile: "./equity.csv"},
		Notify:  NotifyConfig{Buffer: 64},
		Log:     LogConfig{Level: "info"},
	}
}
