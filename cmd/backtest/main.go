package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voltrader/backtest"
	"voltrader/logger"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	_ = godotenv.Load()

	logDir := flag.String("dir", "decision_logs", "Decision journal directory")
	databaseURL := flag.String("db", os.Getenv("DATABASE_URL"), "PostgreSQL URL (defaults to DATABASE_URL, SQLite journal when empty)")
	flag.Parse()

	journal, err := logger.NewDecisionLogger(*logDir, *databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to open decision journal")
	}
	defer journal.Close()

	log.Info().Str("dir", *logDir).Msg("🧪 Starting take-profit cap backtest")
	result, _, err := backtest.RunBacktest(journal, *logDir)
	if err != nil {
		log.Error().Err(err).Msg("❌ Backtest failed")
		journal.Close()
		os.Exit(1)
	}
	fmt.Print(backtest.Summary(result))
}
