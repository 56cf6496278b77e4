package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voltrader/logger"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	_ = godotenv.Load()

	logDir := flag.String("dir", "decision_logs", "Decision journal directory")
	databaseURL := flag.String("db", os.Getenv("DATABASE_URL"), "PostgreSQL URL (defaults to DATABASE_URL, SQLite journal when empty)")
	limit := flag.Int("n", 20, "Number of recent cycles to show")
	flag.Parse()

	journal, err := logger.NewDecisionLogger(*logDir, *databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to open decision journal")
	}
	defer journal.Close()

	records, err := journal.GetLatestRecords(*limit)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to read cycles")
		return
	}
	liquidations, err := journal.GetLiquidations()
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to read liquidations")
		return
	}

	fmt.Print(logger.Summarize(records, liquidations))
}
