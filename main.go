package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"voltrader/api"
	"voltrader/config"
	"voltrader/decision"
	"voltrader/ledger"
	"voltrader/logger"
	"voltrader/market"
	"voltrader/mcp"
	"voltrader/risk"
	"voltrader/terminal"
	"voltrader/trader"
)

func main() {
	os.Exit(run())
}

func run() int {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	// Load .env if present (silently ignore if missing)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("⚠️  Failed to load .env file")
	}

	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	log.Info().Str("file", configFile).Msg("📋 Loading configuration")
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load configuration")
		return 1
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	tag := cfg.RiskProfile
	if tag == "" {
		tag = terminal.NewPrompt().AskRiskProfile()
	}
	profile := risk.Resolve(tag)

	console := terminal.NewConsole()
	capital := decimal.NewFromFloat(cfg.TotalCapital)
	console.Banner(profile, capital.StringFixed(2))

	provider := newMarketProvider(cfg)
	resolver := decision.NewResolver(newGenerator(cfg))
	book := ledger.New(capital)

	var journal trader.Journal
	var journalReader api.JournalReader
	decisionLogger, err := logger.NewDecisionLogger(cfg.LogDir, cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️  Decision journal unavailable, continuing without it")
	} else {
		defer decisionLogger.Close()
		journal = decisionLogger
		journalReader = decisionLogger
	}

	orchestrator := trader.New(trader.Config{
		Profile:                  profile,
		MaxAssets:                cfg.MaxAssets,
		LookbackHours:            cfg.LookbackHours,
		FetchConcurrency:         cfg.FetchConcurrency,
		CycleInterval:            cfg.GetCycleInterval(),
		ExitCheckInterval:        cfg.GetExitCheckInterval(),
		LiquidationLookupTimeout: cfg.GetLiquidationLookupTimeout(),
	}, provider, resolver, book, console, journal)

	if cfg.APIServerPort > 0 {
		apiServer := api.NewServer(orchestrator, journalReader, cfg.APIServerPort)
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error().Err(err).Msg("❌ API server error")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiServer.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Run(ctx); err != nil {
		log.Error().Err(err).Msg("❌ Decision loop failed")
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}

	console.Emit("👋 Stopped. All positions liquidated.")
	return 0
}

// newMarketProvider builds the configured market data source
func newMarketProvider(cfg *config.Config) market.Provider {
	timeout := time.Duration(cfg.Market.TimeoutSeconds) * time.Second
	if cfg.Market.Provider == "binance" {
		log.Info().Int("symbols", len(cfg.Market.Symbols)).Str("interval", cfg.Market.Interval).Msg("✓ Using Binance spot market data")
		return market.NewBinanceProvider(cfg.Market.BinanceAPIKey, cfg.Market.BinanceSecretKey, cfg.Market.Symbols, cfg.Market.Interval)
	}
	log.Info().Str("url", cfg.Market.APIURL).Msg("✓ Using volatility analytics API")
	return market.NewHTTPProvider(cfg.Market.APIURL, cfg.Market.APIKey, timeout)
}

// newGenerator builds the reasoning client; nil when no key is configured so every batch
// uses the fallback heuristic
func newGenerator(cfg *config.Config) decision.Generator {
	if cfg.AI.APIKey == "" {
		log.Warn().Msg("⚠️  No AI API key configured, decisions will use the fallback heuristic")
		return nil
	}
	client := mcp.New()
	switch cfg.AI.Provider {
	case "deepseek":
		client.SetDeepSeekAPIKey(cfg.AI.APIKey)
	case "qwen":
		client.SetQwenAPIKey(cfg.AI.APIKey)
	case "custom":
		client.SetCustomAPI(cfg.AI.APIURL, cfg.AI.APIKey, cfg.AI.Model)
	default:
		client.SetGroqAPIKey(cfg.AI.APIKey, cfg.AI.Model)
	}
	if cfg.AI.Model != "" {
		client.Model = cfg.AI.Model
	}
	client.Timeout = time.Duration(cfg.AI.TimeoutSeconds) * time.Second
	log.Info().Str("provider", string(client.Provider)).Str("model", client.Model).Msg("✓ Reasoning service configured")
	return client
}
