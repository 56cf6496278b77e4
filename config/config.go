package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"voltrader/risk"
)

// MarketConfig market data source
type MarketConfig struct {
	Provider string `json:"provider"` // "http" (volatility analytics API) or "binance"

	// HTTP analytics API
	APIURL string `json:"api_url,omitempty"`
	APIKey string `json:"api_key,omitempty"`

	// Binance spot market data (keys optional for public endpoints)
	BinanceAPIKey    string   `json:"binance_api_key,omitempty"`
	BinanceSecretKey string   `json:"binance_secret_key,omitempty"`
	Symbols          []string `json:"symbols,omitempty"`  // Universe ranked by volatility
	Interval         string   `json:"interval,omitempty"` // Kline interval, e.g. "1h"

	TimeoutSeconds int `json:"timeout_seconds"`
}

// AIConfig reasoning service
type AIConfig struct {
	Provider       string `json:"provider"` // "groq", "qwen", "deepseek", or "custom"
	APIKey         string `json:"api_key,omitempty"`
	APIURL         string `json:"api_url,omitempty"` // Custom OpenAI-compatible endpoint
	Model          string `json:"model,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Config main configuration
type Config struct {
	RiskProfile  string  `json:"risk_profile"` // "low" or "high"; empty asks interactively
	TotalCapital float64 `json:"total_capital"`

	MaxAssets                       int     `json:"max_assets"`     // Top-N assets by volatility per cycle
	LookbackHours                   int     `json:"lookback_hours"` // Metric history per asset
	FetchConcurrency                int     `json:"fetch_concurrency"`
	CycleIntervalMinutes            float64 `json:"cycle_interval_minutes"` // 0 = single cycle, then rest
	ExitCheckSeconds                int     `json:"exit_check_seconds"`     // Stop-loss / take-profit monitor, negative disables
	LiquidationLookupTimeoutSeconds int     `json:"liquidation_lookup_timeout_seconds"`

	Market MarketConfig `json:"market"`
	AI     AIConfig     `json:"ai"`

	APIServerPort int    `json:"api_server_port"` // 0 = status API disabled
	DatabaseURL   string `json:"database_url,omitempty"`
	LogDir        string `json:"log_dir"`
	LogLevel      string `json:"log_level"`
}

// LoadConfig loads configuration from file, applies environment overrides and validates.
// A missing file is not an error: defaults and environment are used.
func LoadConfig(filename string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// environment only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// applyEnv overrides file values with environment variables
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("MARKET_PROVIDER", &c.Market.Provider)
	setString("MARKET_API_URL", &c.Market.APIURL)
	setString("MARKET_API_KEY", &c.Market.APIKey)
	setString("BINANCE_API_KEY", &c.Market.BinanceAPIKey)
	setString("BINANCE_SECRET_KEY", &c.Market.BinanceSecretKey)
	setString("AI_PROVIDER", &c.AI.Provider)
	setString("AI_API_URL", &c.AI.APIURL)
	setString("AI_API_KEY", &c.AI.APIKey)
	setString("AI_MODEL", &c.AI.Model)
	setString("RISK_PROFILE", &c.RiskProfile)
	setString("DATABASE_URL", &c.DatabaseURL)
	setString("LOG_LEVEL", &c.LogLevel)

	if v := strings.TrimSpace(os.Getenv("TOTAL_CAPITAL")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TOTAL_CAPITAL %q: %w", v, err)
		}
		c.TotalCapital = f
	}
	if v := strings.TrimSpace(os.Getenv("API_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid API_PORT %q: %w", v, err)
		}
		c.APIServerPort = port
	}
	// A custom endpoint without an explicit provider means "custom"
	if c.AI.APIURL != "" && c.AI.Provider == "" {
		c.AI.Provider = "custom"
	}
	return nil
}

// Validate validates configuration validity and fills defaults
func (c *Config) Validate() error {
	if c.TotalCapital == 0 {
		c.TotalCapital = 100000
	}
	if c.TotalCapital < 0 {
		return fmt.Errorf("total_capital must be greater than 0")
	}
	if c.RiskProfile != "" && !risk.Known(c.RiskProfile) {
		return fmt.Errorf("risk_profile must be 'low' or 'high', got %q", c.RiskProfile)
	}

	if c.MaxAssets <= 0 {
		c.MaxAssets = 10
	}
	if c.LookbackHours <= 0 {
		c.LookbackHours = 24
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 4
	}
	if c.CycleIntervalMinutes < 0 {
		return fmt.Errorf("cycle_interval_minutes cannot be negative")
	}
	if c.ExitCheckSeconds == 0 {
		c.ExitCheckSeconds = 30
	}
	if c.LiquidationLookupTimeoutSeconds <= 0 {
		c.LiquidationLookupTimeoutSeconds = 5
	}

	c.Market.Provider = strings.ToLower(c.Market.Provider)
	if c.Market.Provider == "" {
		c.Market.Provider = "http"
	}
	switch c.Market.Provider {
	case "http":
		if c.Market.APIURL == "" {
			return fmt.Errorf("market.api_url (MARKET_API_URL) must be configured when using the http market provider")
		}
	case "binance":
		if len(c.Market.Symbols) == 0 {
			c.Market.Symbols = []string{
				"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT",
				"DOGEUSDT", "ADAUSDT", "AVAXUSDT", "LINKUSDT", "SUIUSDT",
			}
		}
		if c.Market.Interval == "" {
			c.Market.Interval = "1h"
		}
	default:
		return fmt.Errorf("market.provider must be 'http' or 'binance'")
	}
	if c.Market.TimeoutSeconds <= 0 {
		c.Market.TimeoutSeconds = 30
	}

	c.AI.Provider = strings.ToLower(c.AI.Provider)
	if c.AI.Provider == "" {
		c.AI.Provider = "groq"
	}
	switch c.AI.Provider {
	case "groq", "qwen", "deepseek":
	case "custom":
		if c.AI.APIURL == "" {
			return fmt.Errorf("ai.api_url must be configured when using custom API")
		}
		if c.AI.Model == "" {
			return fmt.Errorf("ai.model must be configured when using custom API")
		}
	default:
		return fmt.Errorf("ai.provider must be 'groq', 'qwen', 'deepseek' or 'custom'")
	}
	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = 120
	}

	if c.APIServerPort < 0 || c.APIServerPort > 65535 {
		return fmt.Errorf("api_server_port out of range: %d", c.APIServerPort)
	}
	if c.LogDir == "" {
		c.LogDir = "decision_logs"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// GetCycleInterval interval between decision cycles (0 = single cycle)
func (c *Config) GetCycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMinutes * float64(time.Minute))
}

// GetExitCheckInterval exit-rule monitor interval (0 = disabled)
func (c *Config) GetExitCheckInterval() time.Duration {
	if c.ExitCheckSeconds < 0 {
		return 0
	}
	return time.Duration(c.ExitCheckSeconds) * time.Second
}

// GetLiquidationLookupTimeout per-position price lookup bound at shutdown
func (c *Config) GetLiquidationLookupTimeout() time.Duration {
	return time.Duration(c.LiquidationLookupTimeoutSeconds) * time.Second
}
