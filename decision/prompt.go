package decision

import (
	"fmt"
	"strings"

	"voltrader/market"
	"voltrader/risk"
)

// strategyText risk-profile-specific guidance. The volatility threshold is advisory only.
func strategyText(p risk.Profile) string {
	var sb strings.Builder
	if p.ExcludesAbove() {
		sb.WriteString("**Low-risk strategy**\n")
		sb.WriteString(fmt.Sprintf("- Avoid assets with volatility above %.1f%%\n", p.VolatilityThreshold))
		sb.WriteString("- Prefer established trends confirmed by both the moving average and the candle body\n")
		sb.WriteString("- When in doubt, HOLD\n")
	} else {
		sb.WriteString("**High-risk strategy**\n")
		sb.WriteString(fmt.Sprintf("- Focus on assets with volatility above %.1f%%\n", p.VolatilityThreshold))
		sb.WriteString("- Momentum entries are acceptable; shorting in downtrends is encouraged\n")
		sb.WriteString("- Accept larger swings in exchange for larger targets\n")
	}
	sb.WriteString(fmt.Sprintf("- Each position uses %.0f%% of capital\n", p.MaxPositionFraction*100))
	sb.WriteString(fmt.Sprintf("- Stop loss at %.0f%% of entry, take profit at %.0f%% of entry\n",
		p.StopLossMultiplier*100, p.TakeProfitMultiplier*100))
	return sb.String()
}

// buildSystemPrompt fixed rules plus the risk strategy
func buildSystemPrompt(p risk.Profile) string {
	var sb strings.Builder
	sb.WriteString("You are a cryptocurrency trading analyst. You review a batch of assets ranked by volatility ")
	sb.WriteString("and recommend one action per asset.\n\n")
	sb.WriteString("# 🎯 Strategy\n\n")
	sb.WriteString(strategyText(p))
	sb.WriteString("\n# 📋 Actions\n\n")
	sb.WriteString("- OPEN: open a position (set positionType to \"long\" or \"short\")\n")
	sb.WriteString("- CLOSE: close an existing position in this asset\n")
	sb.WriteString("- HOLD: do nothing\n\n")
	sb.WriteString("# 📤 Output Format\n\n")
	sb.WriteString("Respond with a JSON array only, one object per asset, using the asset identifier exactly as given:\n\n")
	sb.WriteString("```json\n")
	sb.WriteString("[\n")
	sb.WriteString("  {\"identifier\": \"<identifier>\", \"action\": \"OPEN\", \"positionType\": \"long\", \"reasoning\": \"short explanation\"}\n")
	sb.WriteString("]\n")
	sb.WriteString("```\n")
	return sb.String()
}

// buildUserPrompt per-record summaries for the whole batch
func buildUserPrompt(records []market.MetricRecord) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# 📊 Assets (%d)\n\n", len(records)))
	for i, r := range records {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, r.Identifier))
		sb.WriteString(fmt.Sprintf("   volatility: %.2f%% | average price: %.6g\n", r.VolatilityPct, r.AveragePrice))
		s, ok := r.Latest()
		if !ok {
			sb.WriteString("   no interval data available\n\n")
			continue
		}
		sb.WriteString(fmt.Sprintf("   latest: open=%.6g high=%.6g low=%.6g close=%.6g volume=%.6g\n",
			s.Open, s.High, s.Low, s.Close, s.Volume))
		sb.WriteString(fmt.Sprintf("   estimate=%s wma=%s samples=%d\n\n",
			optional(s.EstimatedPrice), optional(s.WeightedMovingAverage), len(r.Samples)))
	}
	sb.WriteString("Return exactly one decision per identifier above.\n")
	return sb.String()
}

func optional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.6g", *v)
}
