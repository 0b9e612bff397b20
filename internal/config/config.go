// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vqtran/bracketbot/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Risk        RiskConfig        `yaml:"risk"`
	Rules       RulesConfig       `yaml:"rules"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// ExchangeConfig holds exchange connectivity settings.
type ExchangeConfig struct {
	Mode               string `yaml:"mode"` // live | paper
	APIKey             string `yaml:"api_key"`
	APISecret          string `yaml:"api_secret"`
	Testnet            bool   `yaml:"testnet"`
	BaseURL            string `yaml:"base_url"` // optional override
	RateLimitPerSecond int    `yaml:"rate_limit_per_second"`
	RequestTimeoutSec  int    `yaml:"request_timeout_sec"`
	RecvWindowMs       int    `yaml:"recv_window_ms"`
}

// RiskConfig holds position sizing and protection settings.
type RiskConfig struct {
	MaxPositionSizeUSD float64 `yaml:"max_position_size_usd"`
	MaxLeverage        int     `yaml:"max_leverage"`
	MarginMode         string  `yaml:"margin_mode"` // cross | isolated
	StopLossPct        float64 `yaml:"stop_loss_pct"`
	TakeProfitPct      float64 `yaml:"take_profit_pct"`
}

// RulesConfig holds symbol rule cache settings.
type RulesConfig struct {
	CacheTTLMin int `yaml:"cache_ttl_min"`
}

// ReconcileConfig holds reconciliation loop settings.
type ReconcileConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Path string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Exchange validation
	switch c.Exchange.Mode {
	case "live":
		if c.Exchange.APIKey == "" {
			errs = append(errs, "exchange.api_key is required in live mode")
		}
		if c.Exchange.APISecret == "" {
			errs = append(errs, "exchange.api_secret is required in live mode")
		}
	case "paper":
	case "":
		errs = append(errs, "exchange.mode is required ('live' or 'paper')")
	default:
		errs = append(errs, fmt.Sprintf("exchange.mode '%s' must be 'live' or 'paper'", c.Exchange.Mode))
	}
	if c.Exchange.RateLimitPerSecond <= 0 {
		c.Exchange.RateLimitPerSecond = 5 // default
	}
	if c.Exchange.RequestTimeoutSec <= 0 {
		c.Exchange.RequestTimeoutSec = 10 // default
	}
	if c.Exchange.RecvWindowMs <= 0 {
		c.Exchange.RecvWindowMs = 5000 // default
	}

	// Risk validation
	if c.Risk.MaxPositionSizeUSD <= 0 {
		errs = append(errs, "risk.max_position_size_usd must be positive")
	}
	if c.Risk.MaxLeverage < 1 {
		errs = append(errs, "risk.max_leverage must be at least 1")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 1 {
		errs = append(errs, "risk.stop_loss_pct must be between 0 and 1 (exclusive)")
	}
	if c.Risk.TakeProfitPct <= 0 || c.Risk.TakeProfitPct >= 1 {
		errs = append(errs, "risk.take_profit_pct must be between 0 and 1 (exclusive)")
	}
	switch strings.ToLower(c.Risk.MarginMode) {
	case "cross", "isolated":
	case "":
		c.Risk.MarginMode = "cross" // default
	default:
		errs = append(errs, fmt.Sprintf("risk.margin_mode '%s' must be 'cross' or 'isolated'", c.Risk.MarginMode))
	}

	// Rules validation
	if c.Rules.CacheTTLMin <= 0 {
		c.Rules.CacheTTLMin = 60 // default
	}

	// Reconcile validation
	if c.Reconcile.IntervalSec <= 0 {
		c.Reconcile.IntervalSec = 30 // default
	}

	// Persistence validation
	if c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required")
	}

	// Alerting validation
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram requires bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: type '%s' must be 'telegram' or 'console'", i, ch.Type))
			}
		}
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, "metrics.port must be a valid port number")
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics" // default
		}
	}

	// Shutdown validation
	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 15 // default
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ToRiskConfig converts to the engine's risk settings.
func (c *Config) ToRiskConfig() types.RiskConfig {
	mode := types.MarginCross
	if strings.ToLower(c.Risk.MarginMode) == "isolated" {
		mode = types.MarginIsolated
	}
	return types.RiskConfig{
		MaxPositionSizeUSD: decimal.NewFromFloat(c.Risk.MaxPositionSizeUSD),
		MaxLeverage:        c.Risk.MaxLeverage,
		MarginMode:         mode,
		StopLossPct:        decimal.NewFromFloat(c.Risk.StopLossPct),
		TakeProfitPct:      decimal.NewFromFloat(c.Risk.TakeProfitPct),
	}
}

// RulesTTL returns the symbol rule cache TTL.
func (c *Config) RulesTTL() time.Duration {
	return time.Duration(c.Rules.CacheTTLMin) * time.Minute
}

// ReconcileInterval returns the reconciliation tick interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSec) * time.Second
}

// RequestTimeout returns the exchange request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Exchange.RequestTimeoutSec) * time.Second
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
