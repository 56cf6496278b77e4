package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MARKET_PROVIDER", "MARKET_API_URL", "MARKET_API_KEY", "BINANCE_API_KEY", "BINANCE_SECRET_KEY",
		"AI_PROVIDER", "AI_API_URL", "AI_API_KEY", "AI_MODEL", "RISK_PROFILE", "TOTAL_CAPITAL",
		"API_PORT", "DATABASE_URL", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `{"market": {"api_url": "https://analytics.example"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, cfg.TotalCapital)
	assert.Equal(t, 10, cfg.MaxAssets)
	assert.Equal(t, 24, cfg.LookbackHours)
	assert.Equal(t, "http", cfg.Market.Provider)
	assert.Equal(t, "groq", cfg.AI.Provider)
	assert.Equal(t, 120, cfg.AI.TimeoutSeconds)
	assert.Equal(t, 0, cfg.APIServerPort)
	assert.Equal(t, "decision_logs", cfg.LogDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.GetExitCheckInterval())
	assert.Equal(t, 5*time.Second, cfg.GetLiquidationLookupTimeout())
	assert.Zero(t, cfg.GetCycleInterval())
}

func TestLoadConfigMissingFileUsesEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MARKET_API_URL", "https://analytics.example")
	t.Setenv("MARKET_API_KEY", "market-key")
	t.Setenv("AI_API_URL", "https://llm.example/v1")
	t.Setenv("AI_MODEL", "gpt-test")
	t.Setenv("RISK_PROFILE", "HIGH")
	t.Setenv("TOTAL_CAPITAL", "2500.5")
	t.Setenv("API_PORT", "8081")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "market-key", cfg.Market.APIKey)
	assert.Equal(t, "custom", cfg.AI.Provider)
	assert.Equal(t, "gpt-test", cfg.AI.Model)
	assert.Equal(t, "HIGH", cfg.RiskProfile)
	assert.Equal(t, 2500.5, cfg.TotalCapital)
	assert.Equal(t, 8081, cfg.APIServerPort)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("RISK_PROFILE", "low")
	path := writeConfig(t, `{"risk_profile": "high", "market": {"provider": "binance"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "low", cfg.RiskProfile)
	assert.NotEmpty(t, cfg.Market.Symbols)
	assert.Equal(t, "1h", cfg.Market.Interval)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "malformed json", body: `{`},
		{name: "http provider without url", body: `{}`},
		{name: "unknown market provider", body: `{"market": {"provider": "ftx"}}`},
		{name: "unknown risk profile", body: `{"risk_profile": "medium", "market": {"provider": "binance"}}`},
		{name: "custom ai without url", body: `{"ai": {"provider": "custom"}, "market": {"provider": "binance"}}`},
		{name: "negative capital", body: `{"total_capital": -1, "market": {"provider": "binance"}}`},
		{name: "bad capital env", body: `{"market": {"provider": "binance"}}`, env: map[string]string{"TOTAL_CAPITAL": "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestExitCheckDisabled(t *testing.T) {
	cfg := &Config{ExitCheckSeconds: -1}
	assert.Zero(t, cfg.GetExitCheckInterval())
}
