// Package config handles configuration loading, validation, and assembly of
// run components.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/fenggeHu/pybt/internal/types"
)

// Config is the full run document.
type Config struct {
	Run        RunConfig        `yaml:"run"`
	Data       DataConfig       `yaml:"data"`
	Strategies []StrategyConfig `yaml:"strategies"`
	Portfolio  PortfolioConfig  `yaml:"portfolio"`
	Risk       RiskConfig       `yaml:"risk"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Reporting  ReportingConfig  `yaml:"reporting"`
	Notify     NotifyConfig     `yaml:"notifications"`
	Server     ServerConfig     `yaml:"server"`
}

// RunConfig identifies the run and its starting state.
type RunConfig struct {
	ID          string `yaml:"id"`
	InitialCash string `yaml:"initial_cash"`
}

// DataConfig selects and parameterizes the market data feed.
type DataConfig struct {
	Type   string `yaml:"type"` // csv | inmemory | rest | websocket, plus aliases
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
	Symbol string `yaml:"symbol"`

	PollInterval   string  `yaml:"poll_interval"`
	Heartbeat      string  `yaml:"heartbeat"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	AuthToken      string  `yaml:"auth_token"`
	AuthHeader     string  `yaml:"auth_header"`
	MaxReconnects  int     `yaml:"max_reconnects"`
}

// StrategyConfig is one strategy instance. Type is the registry
// discriminator; unknown keys for plugin strategies go through params.
type StrategyConfig struct {
	Type        string         `yaml:"type"`
	ID          string         `yaml:"id"`
	Symbol      string         `yaml:"symbol"`
	ShortWindow int            `yaml:"short_window"`
	LongWindow  int            `yaml:"long_window"`
	Lookback    int            `yaml:"lookback"`
	Params      map[string]any `yaml:"params"`
}

// PortfolioConfig selects sizing policy.
type PortfolioConfig struct {
	Sizing      string `yaml:"sizing"` // fixed | weighted
	LotSize     int64  `yaml:"lot_size"`
	MaxLeverage string `yaml:"max_leverage"`
}

// RiskConfig parameterizes the pre-trade chain. A zero value disables the
// corresponding rule.
type RiskConfig struct {
	MaxPosition      int64  `yaml:"max_position"`
	FeeRate          string `yaml:"fee_rate"`
	MaxConcentration string `yaml:"max_concentration"`
	PriceBand        string `yaml:"price_band"`
}

// ExecutionConfig parameterizes the simulated broker.
type ExecutionConfig struct {
	FillTiming        string `yaml:"fill_timing"`   // next_open | current_close
	SlippageMode      string `yaml:"slippage_mode"` // ticks | absolute | bps
	SlippageValue     string `yaml:"slippage_value"`
	TickSize          string `yaml:"tick_size"`
	CommissionPerUnit string `yaml:"commission_per_unit"`
	CommissionRate    string `yaml:"commission_rate"`
	MinCommission     string `yaml:"min_commission"`
	VolumeCap         string `yaml:"volume_cap"`
	Staleness         string `yaml:"staleness"`
}

// ReportingConfig selects run output sinks.
type ReportingConfig struct {
	EquityCurve  bool   `yaml:"equity_curve"`
	TradeLogFile string `yaml:"trade_log_file"`
	TradeLogDB   string `yaml:"trade_log_db"`
}

// NotifyConfig configures the notification bridge and outbox.
type NotifyConfig struct {
	Enabled     bool            `yaml:"enabled"`
	MinSeverity string          `yaml:"min_severity"`
	DedupeTTL   string          `yaml:"dedupe_ttl"`
	OutboxPath  string          `yaml:"outbox_path"`
	MaxAttempts int             `yaml:"max_attempts"`
	LeaseTTL    string          `yaml:"lease_ttl"`
	BatchSize   int             `yaml:"batch_size"`
	Workers     int             `yaml:"workers"`
	SendTimeout string          `yaml:"send_timeout"`
	Channels    []ChannelConfig `yaml:"channels"`
}

// ChannelConfig is one notification channel.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console | webhook | mock
	Name     string `yaml:"name"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	URL      string `yaml:"url"`
}

// ServerConfig configures the run orchestrator.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	DBPath            string        `yaml:"db_path"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	QueueSize         int           `yaml:"queue_size"`
	CancelGrace       string        `yaml:"cancel_grace"`
	EventBuffer       int           `yaml:"event_buffer"`
	Metrics           MetricsConfig `yaml:"metrics"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoadOption adjusts how a document is parsed.
type LoadOption func(*loadSettings)

type loadSettings struct {
	lenient bool
}

// WithLenientFields ignores unknown document fields instead of rejecting
// them, for forward compatibility with documents written against a newer
// schema.
func WithLenientFields() LoadOption {
	return func(s *loadSettings) { s.lenient = true }
}

// Load reads, expands, and validates a YAML config file.
func Load(path string, opts ...LoadOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data, opts...)
}

// LoadFromBytes parses YAML bytes. Environment variables are expanded first;
// unknown fields are rejected unless WithLenientFields is given.
func LoadFromBytes(data []byte, opts ...LoadOption) (*Config, error) {
	var settings loadSettings
	for _, opt := range opts {
		opt(&settings)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(!settings.lenient)
	if err := dec.Decode(&cfg); err != nil {
		if strings.Contains(err.Error(), "not found in type") {
			return nil, fmt.Errorf("%w: %v", types.ErrUnknownField, err)
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole document, collecting every problem instead of
// stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if _, err := decimal.NewFromString(defaulted(c.Run.InitialCash, "100000")); err != nil {
		errs = append(errs, "run.initial_cash is not a number")
	} else if cash, _ := decimal.NewFromString(defaulted(c.Run.InitialCash, "100000")); !cash.IsPositive() {
		errs = append(errs, "run.initial_cash must be positive")
	}

	switch c.FeedType() {
	case "csv":
		if c.Data.Path == "" {
			errs = append(errs, fmt.Sprintf("data.path is required for %s", c.Data.Type))
		}
	case "rest", "websocket":
		if c.Data.URL == "" {
			errs = append(errs, fmt.Sprintf("data.url is required for %s", c.Data.Type))
		}
		if c.Data.Symbol == "" {
			errs = append(errs, fmt.Sprintf("data.symbol is required for %s", c.Data.Type))
		}
	case "inmemory":
	case "":
		errs = append(errs, "data.type is required")
	default:
		errs = append(errs, fmt.Sprintf("data.type %q is not supported", c.Data.Type))
	}
	errs = append(errs, checkDuration("data.poll_interval", c.Data.PollInterval)...)
	errs = append(errs, checkDuration("data.heartbeat", c.Data.Heartbeat)...)

	if len(c.Strategies) == 0 {
		errs = append(errs, "strategies must not be empty")
	}
	for i, s := range c.Strategies {
		if s.Type == "" {
			errs = append(errs, fmt.Sprintf("strategies[%d].type is required", i))
		}
	}

	switch c.Portfolio.Sizing {
	case "", "fixed", "weighted":
	default:
		errs = append(errs, fmt.Sprintf("portfolio.sizing %q must be 'fixed' or 'weighted'", c.Portfolio.Sizing))
	}
	if c.Portfolio.LotSize < 0 {
		errs = append(errs, "portfolio.lot_size must not be negative")
	}
	errs = append(errs, checkDecimal("portfolio.max_leverage", c.Portfolio.MaxLeverage)...)

	errs = append(errs, checkDecimal("risk.fee_rate", c.Risk.FeeRate)...)
	errs = append(errs, checkDecimal("risk.max_concentration", c.Risk.MaxConcentration)...)
	errs = append(errs, checkDecimal("risk.price_band", c.Risk.PriceBand)...)

	switch c.Execution.FillTiming {
	case "", "next_open", "current_close":
	default:
		errs = append(errs, fmt.Sprintf("execution.fill_timing %q must be 'next_open' or 'current_close'", c.Execution.FillTiming))
	}
	switch c.Execution.SlippageMode {
	case "", "ticks", "absolute", "bps":
	default:
		errs = append(errs, fmt.Sprintf("execution.slippage_mode %q must be 'ticks', 'absolute', or 'bps'", c.Execution.SlippageMode))
	}
	for field, v := range map[string]string{
		"execution.slippage_value":      c.Execution.SlippageValue,
		"execution.tick_size":           c.Execution.TickSize,
		"execution.commission_per_unit": c.Execution.CommissionPerUnit,
		"execution.commission_rate":     c.Execution.CommissionRate,
		"execution.min_commission":      c.Execution.MinCommission,
		"execution.volume_cap":          c.Execution.VolumeCap,
	} {
		errs = append(errs, checkDecimal(field, v)...)
	}
	errs = append(errs, checkDuration("execution.staleness", c.Execution.Staleness)...)

	if c.Notify.Enabled {
		if len(c.Notify.Channels) == 0 {
			errs = append(errs, "notifications.channels must not be empty when enabled")
		}
		for i, ch := range c.Notify.Channels {
			switch ch.Type {
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("notifications.channels[%d] telegram needs bot_token and chat_id", i))
				}
			case "webhook":
				if ch.URL == "" {
					errs = append(errs, fmt.Sprintf("notifications.channels[%d] webhook needs url", i))
				}
			case "console", "mock":
			default:
				errs = append(errs, fmt.Sprintf("notifications.channels[%d].type %q is not supported", i, ch.Type))
			}
		}
		switch c.Notify.MinSeverity {
		case "", "info", "warning", "critical":
		default:
			errs = append(errs, fmt.Sprintf("notifications.min_severity %q must be info, warning, or critical", c.Notify.MinSeverity))
		}
		errs = append(errs, checkDuration("notifications.dedupe_ttl", c.Notify.DedupeTTL)...)
		errs = append(errs, checkDuration("notifications.lease_ttl", c.Notify.LeaseTTL)...)
		errs = append(errs, checkDuration("notifications.send_timeout", c.Notify.SendTimeout)...)
	}

	if c.Server.MaxConcurrentRuns < 0 {
		errs = append(errs, "server.max_concurrent_runs must not be negative")
	}
	if c.Server.QueueSize < 0 {
		errs = append(errs, "server.queue_size must not be negative")
	}
	errs = append(errs, checkDuration("server.cancel_grace", c.Server.CancelGrace)...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// feedAliases maps accepted data.type spellings onto canonical feed
// discriminators.
var feedAliases = map[string]string{
	"local_csv":   "csv",
	"local_file":  "csv",
	"live_api":    "rest",
	"push_stream": "websocket",
}

// FeedType returns the canonical feed discriminator for data.type.
func (c *Config) FeedType() string {
	if canon, ok := feedAliases[c.Data.Type]; ok {
		return canon
	}
	return c.Data.Type
}

// InitialCash returns the starting cash balance.
func (c *Config) InitialCash() decimal.Decimal {
	v, _ := decimal.NewFromString(defaulted(c.Run.InitialCash, "100000"))
	return v
}

// CancelGrace returns the forced-stop grace period for canceled runs.
func (c *Config) CancelGrace() time.Duration {
	return duration(c.Server.CancelGrace, 5*time.Second)
}

func defaulted(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func checkDecimal(field, v string) []string {
	if v == "" {
		return nil
	}
	if _, err := decimal.NewFromString(v); err != nil {
		return []string{fmt.Sprintf("%s %q is not a number", field, v)}
	}
	return nil
}

func checkDuration(field, v string) []string {
	if v == "" {
		return nil
	}
	if _, err := time.ParseDuration(v); err != nil {
		return []string{fmt.Sprintf("%s %q is not a duration", field, v)}
	}
	return nil
}

func duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func dec(v string, def decimal.Decimal) decimal.Decimal {
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}
