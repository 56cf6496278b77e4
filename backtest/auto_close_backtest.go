// Package backtest replays journaled trades under alternative take-profit caps.
package backtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"voltrader/decision"
	"voltrader/logger"
)

// ErrNoTrades the journal holds no completed open/close pair
var ErrNoTrades = errors.New("no completed trades in journal")

// DefaultCaps take-profit caps tested by RunBacktest, in percent of entry price (0 = as journaled)
var DefaultCaps = []float64{0, 2, 5, 10, 15, 20, 30, 50}

// Journal read side of the decision journal (implemented by logger.DecisionLogger)
type Journal interface {
	GetAllRecords() ([]*logger.DecisionRecord, error)
	GetExits() ([]logger.DecisionAction, error)
	GetLiquidations() ([]*logger.LiquidationRecord, error)
}

// StrategyResult result for a single take-profit cap
type StrategyResult struct {
	CapPct        float64 `json:"cap_pct"`        // Take-profit cap (0 = no cap)
	TotalPnL      float64 `json:"total_pnl"`      // Total profit/loss
	TotalTrades   int     `json:"total_trades"`   // Number of trades
	WinningTrades int     `json:"winning_trades"` // Number of winning trades
	LosingTrades  int     `json:"losing_trades"`  // Number of losing trades
	WinRate       float64 `json:"win_rate"`       // Win rate (%)
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	ProfitFactor  float64 `json:"profit_factor"` // Wins / losses
	SharpeRatio   float64 `json:"sharpe_ratio"`  // Per-trade, not annualized
	MaxDrawdown   float64 `json:"max_drawdown"`  // Maximum drawdown (% of starting capital)
	AvgHoldTime   float64 `json:"avg_hold_time"` // Minutes
	EarlyCloses   int     `json:"early_closes"`  // Trades the cap would have closed early
	MissedProfit  float64 `json:"missed_profit"` // Profit given up by closing early
}

// Result contains results for all caps
type Result struct {
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
	TotalCycles    int              `json:"total_cycles"`
	StartCapital   float64          `json:"start_capital"`
	UnmatchedOpens int              `json:"unmatched_opens"` // Opens with no journaled close
	Strategies     []StrategyResult `json:"strategies"`
	BestSharpe     StrategyResult   `json:"best_sharpe"`
	BestTotalPnL   StrategyResult   `json:"best_total_pnl"`
	BestWinRate    StrategyResult   `json:"best_win_rate"`
}

// Trade a journaled open matched with its close
type Trade struct {
	Identifier string
	Side       decision.PositionType
	OpenPrice  float64
	ClosePrice float64
	OpenTime   time.Time
	CloseTime  time.Time
	Size       float64 // Allocated capital
	ActualPnL  float64
}

// Run backtests every cap against the journal
func Run(journal Journal, caps []float64) (*Result, error) {
	if len(caps) == 0 {
		caps = DefaultCaps
	}
	records, err := journal.GetAllRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to get journaled cycles: %w", err)
	}
	exits, err := journal.GetExits()
	if err != nil {
		return nil, fmt.Errorf("failed to get journaled exits: %w", err)
	}
	liquidations, err := journal.GetLiquidations()
	if err != nil {
		return nil, fmt.Errorf("failed to get journaled liquidations: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoTrades
	}
	log.Info().Int("cycles", len(records)).Int("exits", len(exits)).Int("liquidations", len(liquidations)).Msg("📈 Loaded journal")

	trades, unmatched := ExtractTrades(records, exits, liquidations)
	if len(trades) == 0 {
		return nil, ErrNoTrades
	}
	log.Info().Int("trades", len(trades)).Int("unmatched", unmatched).Msg("📊 Extracted trades")

	startCapital := records[0].Account.TotalCapital
	results := make([]StrategyResult, 0, len(caps))
	for _, c := range caps {
		results = append(results, TestCap(trades, c, startCapital))
	}

	return &Result{
		StartTime:      records[0].Timestamp,
		EndTime:        records[len(records)-1].Timestamp,
		TotalCycles:    len(records),
		StartCapital:   startCapital,
		UnmatchedOpens: unmatched,
		Strategies:     results,
		BestSharpe:     best(results, func(r StrategyResult) float64 { return r.SharpeRatio }),
		BestTotalPnL:   best(results, func(r StrategyResult) float64 { return r.TotalPnL }),
		BestWinRate:    best(results, func(r StrategyResult) float64 { return r.WinRate }),
	}, nil
}

// ExtractTrades pairs each successful open with the next close of the same asset: a close
// decision, a stop-loss/take-profit exit or the session liquidation. A re-open before any
// close replaces the pending open, which is counted as unmatched.
func ExtractTrades(records []*logger.DecisionRecord, exits []logger.DecisionAction, liquidations []*logger.LiquidationRecord) ([]Trade, int) {
	var events []logger.DecisionAction
	for _, r := range records {
		events = append(events, r.Decisions...)
	}
	events = append(events, exits...)
	for _, l := range liquidations {
		events = append(events, l.Positions...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	pending := make(map[string]*Trade)
	trades := make([]Trade, 0)
	unmatched := 0
	for _, a := range events {
		if !a.Success {
			continue
		}
		switch decision.Action(a.Action) {
		case decision.ActionOpen:
			if a.Size <= 0 || a.Price <= 0 {
				// declined by the capital guard
				continue
			}
			if _, ok := pending[a.Identifier]; ok {
				unmatched++
			}
			side := decision.PositionType(a.PositionType)
			if side != decision.PositionShort {
				side = decision.PositionLong
			}
			pending[a.Identifier] = &Trade{
				Identifier: a.Identifier,
				Side:       side,
				OpenPrice:  a.Price,
				OpenTime:   a.Timestamp,
				Size:       a.Size,
			}
		case decision.ActionClose:
			t, ok := pending[a.Identifier]
			if !ok {
				continue
			}
			t.ClosePrice = a.Price
			t.CloseTime = a.Timestamp
			t.ActualPnL = a.PnL
			trades = append(trades, *t)
			delete(pending, a.Identifier)
		}
	}
	return trades, unmatched + len(pending)
}

// TestCap simulates one take-profit cap over the trades
func TestCap(trades []Trade, capPct, startCapital float64) StrategyResult {
	result := StrategyResult{CapPct: capPct}
	if startCapital <= 0 {
		startCapital = 1
	}

	var winAmount, lossAmount, holdTime float64
	returns := make([]float64, 0, len(trades))
	equity := startCapital
	peak := equity

	for _, trade := range trades {
		pnl, closedEarly, missed := simulateTrade(trade, capPct)
		if closedEarly {
			result.EarlyCloses++
		}
		result.MissedProfit += missed
		result.TotalPnL += pnl
		returns = append(returns, pnl/equity)

		equity += pnl
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / startCapital * 100; dd > result.MaxDrawdown {
			result.MaxDrawdown = dd
		}

		result.TotalTrades++
		switch {
		case pnl > 0:
			result.WinningTrades++
			winAmount += pnl
		case pnl < 0:
			result.LosingTrades++
			lossAmount += pnl
		}
		holdTime += trade.CloseTime.Sub(trade.OpenTime).Minutes()
	}

	if result.TotalTrades > 0 {
		result.WinRate = float64(result.WinningTrades) / float64(result.TotalTrades) * 100
		result.AvgHoldTime = holdTime / float64(result.TotalTrades)
	}
	if result.WinningTrades > 0 {
		result.AvgWin = winAmount / float64(result.WinningTrades)
	}
	if result.LosingTrades > 0 {
		result.AvgLoss = lossAmount / float64(result.LosingTrades)
	}
	if lossAmount != 0 {
		result.ProfitFactor = winAmount / -lossAmount
	} else if winAmount > 0 {
		result.ProfitFactor = 999.0
	}
	result.SharpeRatio = sharpe(returns)
	return result
}

// simulateTrade returns the P&L under the cap, whether the cap fired, and the profit given up.
// Only the journaled close price is known, so the cap fires when that price is past the cap level.
func simulateTrade(t Trade, capPct float64) (float64, bool, float64) {
	if capPct <= 0 || t.OpenPrice <= 0 {
		return t.ActualPnL, false, 0
	}
	move := (t.ClosePrice - t.OpenPrice) / t.OpenPrice
	if t.Side == decision.PositionShort {
		move = -move
	}
	limit := capPct / 100
	if move <= limit {
		return t.ActualPnL, false, 0
	}
	capped := t.Size * limit
	return capped, true, t.ActualPnL - capped
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std
}

func best(results []StrategyResult, score func(StrategyResult) float64) StrategyResult {
	if len(results) == 0 {
		return StrategyResult{}
	}
	b := results[0]
	for _, r := range results[1:] {
		if score(r) > score(b) {
			b = r
		}
	}
	return b
}

// RunBacktest runs the default caps and saves the result as JSON in outDir
func RunBacktest(journal Journal, outDir string) (*Result, string, error) {
	result, err := Run(journal, DefaultCaps)
	if err != nil {
		return nil, "", fmt.Errorf("backtest failed: %w", err)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create output directory: %w", err)
	}
	outputFile := filepath.Join(outDir, fmt.Sprintf("backtest_%s.json", time.Now().Format("20060102_150405")))
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return nil, "", fmt.Errorf("failed to write results: %w", err)
	}
	log.Info().Str("file", outputFile).Msg("✅ Backtest complete")
	return result, outputFile, nil
}

// Summary formats the result as a table
func Summary(result *Result) string {
	var b strings.Builder
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	fmt.Fprintln(&b, "🧪 TAKE-PROFIT CAP BACKTEST RESULTS")
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	fmt.Fprintf(&b, "Period: %s to %s\n", result.StartTime.Format("2006-01-02 15:04:05"), result.EndTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Cycles: %d | Unmatched opens: %d\n", result.TotalCycles, result.UnmatchedOpens)
	fmt.Fprintln(&b, strings.Repeat("-", 80))
	fmt.Fprintf(&b, "%-8s | %10s | %6s | %8s | %8s | %10s | %10s | %6s\n",
		"Cap%", "Total P&L", "Trades", "Win%", "Sharpe", "Avg Win", "Avg Loss", "Early")
	fmt.Fprintln(&b, strings.Repeat("-", 80))
	for _, s := range result.Strategies {
		fmt.Fprintf(&b, "%-8.1f | %10.2f | %6d | %7.1f%% | %8.2f | %10.2f | %10.2f | %6d\n",
			s.CapPct, s.TotalPnL, s.TotalTrades, s.WinRate, s.SharpeRatio, s.AvgWin, s.AvgLoss, s.EarlyCloses)
	}
	fmt.Fprintln(&b, strings.Repeat("-", 80))
	fmt.Fprintf(&b, "🏆 Best Sharpe: %.1f%% cap (Sharpe %.2f, P&L %.2f)\n",
		result.BestSharpe.CapPct, result.BestSharpe.SharpeRatio, result.BestSharpe.TotalPnL)
	fmt.Fprintf(&b, "💰 Best P&L: %.1f%% cap (P&L %.2f, win rate %.1f%%)\n",
		result.BestTotalPnL.CapPct, result.BestTotalPnL.TotalPnL, result.BestTotalPnL.WinRate)
	fmt.Fprintf(&b, "🎯 Best win rate: %.1f%% cap (win rate %.1f%%)\n",
		result.BestWinRate.CapPct, result.BestWinRate.WinRate)
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	return b.String()
}
