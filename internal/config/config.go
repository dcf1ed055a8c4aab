// Package config handles configuration management with validation
// (spec §6): YAML config file with environment-variable expansion and
// hand-rolled struct validation, matching the teacher's
// internal/config/config.go pattern rather than reaching for a
// third-party validator.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for one grid bot.
type Config struct {
	Bot         BotConfig         `yaml:"bot"`
	Chain       ChainConfig       `yaml:"chain"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	System      SystemConfig      `yaml:"system"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// SideFloat64 and SideInt are the recurring (buy, sell) config pairs
// named in spec §6 (weightDistribution, botFunds, activeOrders).
type SideFloat64 struct {
	Buy  float64 `yaml:"buy"`
	Sell float64 `yaml:"sell"`
}

type SideInt struct {
	Buy  int `yaml:"buy"`
	Sell int `yaml:"sell"`
}

// BotConfig holds the grid's own parameters — spec §6's "recognized
// options" table, unchanged in meaning: StartPrice/MinPrice/MaxPrice
// carry the raw config strings ("pool", a plain number, or "Nx")
// exactly as the operator wrote them; gridinit.ParseRelativeBound and
// the PriceOracle resolve them at startup, not here.
type BotConfig struct {
	BotID               string      `yaml:"bot_id"`
	StartPrice          string      `yaml:"start_price"` // "pool" derives from the oracle
	MinPrice            string      `yaml:"min_price"`   // absolute number or "Nx"
	MaxPrice            string      `yaml:"max_price"`
	IncrementPercent    float64     `yaml:"increment_percent"`
	TargetSpreadPercent float64     `yaml:"target_spread_percent"`
	WeightDistribution  SideFloat64 `yaml:"weight_distribution"`
	BotFunds            SideAmount  `yaml:"bot_funds"`
	ActiveOrders        SideInt     `yaml:"active_orders"`
	AssetA              string      `yaml:"asset_a"` // base
	AssetB              string      `yaml:"asset_b"` // quote
	DryRun              bool        `yaml:"dry_run"`
	Active              bool        `yaml:"active"`
}

// SideAmount is botFunds.{buy,sell}: either an absolute amount or a
// percentage-of-available, e.g. "1000" or "50%".
type SideAmount struct {
	Buy  string `yaml:"buy"`
	Sell string `yaml:"sell"`
}

// IsPercentage reports whether the raw value is a "%"-suffixed
// percentage-of-available rather than an absolute amount.
func (s SideAmount) IsPercentage(side string) (bool, string) {
	raw := s.Buy
	if side == "sell" {
		raw = s.Sell
	}
	raw = strings.TrimSpace(raw)
	return strings.HasSuffix(raw, "%"), strings.TrimSuffix(raw, "%")
}

// ChainConfig carries the credentials and fee-asset identity needed to
// drive a core.ChainGateway implementation.
type ChainConfig struct {
	Account    string `yaml:"account"`
	SignKey    Secret `yaml:"sign_key"`
	FeeAssetID string `yaml:"fee_asset_id"`
}

// StrategyConfig supplies the strategy engine's tunables the spec
// leaves as named-but-undefined constants (see DESIGN.md Open
// Question resolutions), plus GapSlots derived at startup by
// gridinit, not configured directly here.
type StrategyConfig struct {
	MinSpreadFactor                float64 `yaml:"min_spread_factor"`
	PartialDustThresholdPercentage float64 `yaml:"partial_dust_threshold_percentage"`
	GridRegenerationPercentage     float64 `yaml:"grid_regeneration_percentage"`
	RMSPercentage                  float64 `yaml:"rms_percentage"`
}

// SystemConfig contains system-level settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	DatabasePath string `yaml:"database_path"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TimingConfig contains timing-related settings (spec §5).
type TimingConfig struct {
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds" validate:"min=1,max=3600"`
	AccountTotalsTimeoutMs   int `yaml:"account_totals_timeout_ms" validate:"min=1"`
	LockTimeoutSeconds       int `yaml:"lock_timeout_seconds" validate:"min=1,max=300"`
	ShutdownGraceSeconds     int `yaml:"shutdown_grace_seconds" validate:"min=1,max=300"`
}

// ConcurrencyConfig contains worker-pool / rate-limit settings for
// dispatching a plan's gateway calls (spec §5).
type ConcurrencyConfig struct {
	DispatchPoolSize      int     `yaml:"dispatch_pool_size" validate:"min=1,max=100"`
	DispatchRatePerSecond float64 `yaml:"dispatch_rate_per_second" validate:"min=0"`
	DispatchRateBurst     int     `yaml:"dispatch_rate_burst" validate:"min=1"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration.
// Every failure here is fatal at startup (spec §7's AssetLookupMissing
// / invalid-increment class of error): a misconfigured bot must never
// start rather than run with silently-clamped parameters.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateBotConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateChainConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateBotConfig() error {
	if c.Bot.AssetA == "" || c.Bot.AssetB == "" {
		return ValidationError{Field: "bot.asset_a/asset_b", Message: "both trading pair assets are required"}
	}
	if c.Bot.MinPrice == "" || c.Bot.MaxPrice == "" {
		return ValidationError{Field: "bot.min_price/max_price", Message: "both price bounds are required"}
	}
	if c.Bot.IncrementPercent <= 0 || c.Bot.IncrementPercent >= 100 {
		return ValidationError{
			Field: "bot.increment_percent", Value: c.Bot.IncrementPercent,
			Message: "must be in (0, 100)",
		}
	}
	// weightDistribution is fixed to [-1, 2] per the spec's Open Question
	// resolution; out-of-range values are rejected rather than clamped.
	for side, w := range map[string]float64{"buy": c.Bot.WeightDistribution.Buy, "sell": c.Bot.WeightDistribution.Sell} {
		if w < -1 || w > 2 {
			return ValidationError{
				Field: fmt.Sprintf("bot.weight_distribution.%s", side), Value: w,
				Message: "must be in [-1, 2]",
			}
		}
	}
	if c.Bot.ActiveOrders.Buy < 1 || c.Bot.ActiveOrders.Sell < 1 {
		return ValidationError{Field: "bot.active_orders", Message: "both buy and sell window targets must be at least 1"}
	}
	return nil
}

func (c *Config) validateChainConfig() error {
	if c.Chain.Account == "" {
		return ValidationError{Field: "chain.account", Message: "account is required"}
	}
	if !c.Bot.DryRun && c.Chain.SignKey == "" {
		return ValidationError{Field: "chain.sign_key", Message: "sign_key is required unless dry_run is set"}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field: "system.log_level", Value: c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration with
// credential fields masked.
func (c *Config) String() string {
	configCopy := *c
	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration, useful for tests and
// as a documented starting point.
func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			BotID:               "grid-1",
			StartPrice:          "pool",
			MinPrice:            "5x",
			MaxPrice:            "5x",
			IncrementPercent:    1.0,
			TargetSpreadPercent: 2.0,
			WeightDistribution:  SideFloat64{Buy: 1.0, Sell: 1.0},
			BotFunds:            SideAmount{Buy: "1000", Sell: "1000"},
			ActiveOrders:        SideInt{Buy: 10, Sell: 10},
			AssetA:              "BASE",
			AssetB:              "QUOTE",
			DryRun:              true,
			Active:              true,
		},
		Strategy: StrategyConfig{
			MinSpreadFactor:                2.0,
			PartialDustThresholdPercentage: 0.10,
			GridRegenerationPercentage:     0.03,
			RMSPercentage:                  14.3,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			DatabasePath: "grid.db",
			CancelOnExit: true,
		},
		Timing: TimingConfig{
			ReconcileIntervalSeconds: 5,
			AccountTotalsTimeoutMs:   10000,
			LockTimeoutSeconds:       30,
			ShutdownGraceSeconds:     30,
		},
		Concurrency: ConcurrencyConfig{
			DispatchPoolSize:      10,
			DispatchRatePerSecond: 5,
			DispatchRateBurst:     5,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
