package logger

import (
	"fmt"
	"sort"
	"strings"
)

// Summarize formats journaled cycles and liquidations for the terminal
func Summarize(records []*DecisionRecord, liquidations []*LiquidationRecord) string {
	var b strings.Builder
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	fmt.Fprintln(&b, "📊 DECISION JOURNAL SUMMARY")
	fmt.Fprintln(&b, strings.Repeat("=", 80))

	if len(records) == 0 {
		fmt.Fprintln(&b, "No cycles journaled yet")
	}

	counts := make(map[string]int)
	failed := 0
	for _, r := range records {
		status := "✓"
		if !r.Success {
			status = "✗"
			failed++
		}
		fmt.Fprintf(&b, "%s Cycle #%d %s | candidates %d | positions %d | realized %.2f\n",
			status, r.CycleNumber, r.Timestamp.Format("2006-01-02 15:04:05"),
			len(r.CandidateAssets), r.Account.PositionCount, r.Account.Realized)
		if r.ErrorMessage != "" {
			fmt.Fprintf(&b, "    error: %s\n", r.ErrorMessage)
		}
		for _, d := range r.Decisions {
			counts[d.Source+"/"+d.Action]++
		}
	}

	if len(counts) > 0 {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(&b, strings.Repeat("-", 80))
		fmt.Fprintln(&b, "Decisions by source/action:")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %-20s %d\n", k, counts[k])
		}
	}
	if failed > 0 {
		fmt.Fprintf(&b, "Failed cycles: %d\n", failed)
	}

	if len(liquidations) > 0 {
		fmt.Fprintln(&b, strings.Repeat("-", 80))
		fmt.Fprintln(&b, "Liquidations:")
		for _, l := range liquidations {
			fmt.Fprintf(&b, "  %s | closed %d | P&L %.2f\n",
				l.Timestamp.Format("2006-01-02 15:04:05"), l.ClosedCount, l.TotalPnL)
		}
	}
	fmt.Fprintln(&b, strings.Repeat("=", 80))
	return b.String()
}
