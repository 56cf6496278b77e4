package trader

import (
	"fmt"
	"strings"
	"time"

	"voltrader/currency"
	"voltrader/decision"
	"voltrader/ledger"
	"voltrader/logger"
)

// describeExecution one-line human-readable description of an executed decision
func describeExecution(e Execution) string {
	d := e.Decision
	asset := currency.Parse(d.Identifier).Display()
	tag := fmt.Sprintf("(%s, %.0f%%)", d.Source, d.Confidence*100)

	switch e.Outcome {
	case "opened":
		p := e.Position
		return fmt.Sprintf("🟢 OPEN %s %s @ %.6g, size %s, target +%s %s: %s",
			strings.ToUpper(string(p.Type)), asset, p.EntryPrice, p.Size.StringFixed(2),
			p.ExpectedProfit.StringFixed(2), tag, d.Reasoning)
	case "rejected":
		return fmt.Sprintf("🚫 OPEN %s declined: capital guard reached %s", asset, tag)
	case "closed":
		c := e.Closed
		return fmt.Sprintf("🔴 CLOSE %s %s @ %.6g, P&L %s %s: %s",
			strings.ToUpper(string(c.Type)), asset, c.ExitPrice, signed(c.PnL.StringFixed(2)), tag, d.Reasoning)
	case "skipped":
		return fmt.Sprintf("⚪ CLOSE %s skipped: no open position %s", asset, tag)
	case "failed":
		return fmt.Sprintf("❌ %s %s failed: %s", strings.ToUpper(string(d.Action)), asset, e.Error)
	default:
		return fmt.Sprintf("⏸  HOLD %s %s: %s", asset, tag, d.Reasoning)
	}
}

// describeExit line for a stop-loss / take-profit close
func describeExit(c ledger.ClosedPosition) string {
	icon := "🛑"
	label := "STOP LOSS"
	if c.Reason == ledger.ReasonTakeProfit {
		icon = "🎯"
		label = "TAKE PROFIT"
	}
	return fmt.Sprintf("%s %s %s %s @ %.6g, P&L %s",
		icon, label, strings.ToUpper(string(c.Type)), currency.Parse(c.Identifier).Display(),
		c.ExitPrice, signed(c.PnL.StringFixed(2)))
}

// describeSummary shutdown summary lines
func describeSummary(s ledger.LiquidationSummary, l *ledger.Ledger) []string {
	lines := []string{
		strings.Repeat("=", 60),
		"📋 Liquidation summary",
		fmt.Sprintf("   Positions closed: %d", s.ClosedCount),
	}
	for _, c := range s.Positions {
		lines = append(lines, fmt.Sprintf("   %s %s: entry %.6g, exit %.6g, P&L %s",
			strings.ToUpper(string(c.Type)), currency.Parse(c.Identifier).Display(),
			c.EntryPrice, c.ExitPrice, signed(c.PnL.StringFixed(2))))
	}
	lines = append(lines,
		fmt.Sprintf("   Liquidation P&L: %s", signed(s.TotalPnL.StringFixed(2))),
		fmt.Sprintf("   Session realized P&L: %s", signed(l.Realized().StringFixed(2))),
		strings.Repeat("=", 60),
	)
	return lines
}

func signed(s string) string {
	if strings.HasPrefix(s, "-") {
		return s
	}
	return "+" + s
}

// decisionRecord journal row for a finished cycle
func (o *Orchestrator) decisionRecord(report *CycleReport, batch *decision.Batch) *logger.DecisionRecord {
	rec := &logger.DecisionRecord{
		Timestamp:       report.StartedAt,
		SystemPrompt:    batch.SystemPrompt,
		InputPrompt:     batch.UserPrompt,
		RawResponse:     batch.RawResponse,
		CandidateAssets: report.Candidates,
		Account: logger.AccountSnapshot{
			TotalCapital:  o.ledger.Total().InexactFloat64(),
			Allocated:     o.ledger.Allocated().InexactFloat64(),
			Available:     o.ledger.Available().InexactFloat64(),
			Realized:      o.ledger.Realized().InexactFloat64(),
			PositionCount: o.ledger.Count(),
		},
		Success:      report.FailureCause == "",
		ErrorMessage: report.FailureCause,
	}
	for _, e := range report.Executions {
		rec.Decisions = append(rec.Decisions, executionAction(e))
		rec.ExecutionLog = append(rec.ExecutionLog, describeExecution(e))
	}
	return rec
}

func executionAction(e Execution) logger.DecisionAction {
	d := e.Decision
	a := logger.DecisionAction{
		Identifier:   d.Identifier,
		Action:       string(d.Action),
		PositionType: string(d.PositionType),
		Source:       string(d.Source),
		Confidence:   d.Confidence,
		Reasoning:    d.Reasoning,
		Price:        d.ReferencePrice,
		Timestamp:    time.Now(),
		Success:      e.Outcome != "failed",
		Error:        e.Error,
	}
	if e.Position != nil {
		a.Size = e.Position.Size.InexactFloat64()
	}
	if e.Closed != nil {
		a.Price = e.Closed.ExitPrice
		a.Size = e.Closed.Size.InexactFloat64()
		a.PnL = e.Closed.PnL.InexactFloat64()
	}
	return a
}

func liquidationRecord(s ledger.LiquidationSummary) *logger.LiquidationRecord {
	rec := &logger.LiquidationRecord{
		Timestamp:   time.Now(),
		ClosedCount: s.ClosedCount,
		TotalPnL:    s.TotalPnL.InexactFloat64(),
	}
	for _, c := range s.Positions {
		rec.Positions = append(rec.Positions, *closedAction(c))
	}
	return rec
}

// closedAction journal entry for a close not driven by a decision; Source carries the reason
func closedAction(c ledger.ClosedPosition) *logger.DecisionAction {
	return &logger.DecisionAction{
		Identifier:   c.Identifier,
		Action:       string(decision.ActionClose),
		PositionType: string(c.Type),
		Confidence:   c.Confidence,
		Price:        c.ExitPrice,
		Size:         c.Size.InexactFloat64(),
		PnL:          c.PnL.InexactFloat64(),
		Timestamp:    c.ClosedAt,
		Source:       string(c.Reason),
		Success:      true,
	}
}
