package decision

import (
	"fmt"

	"voltrader/market"
)

// Fallback deterministic decision used when the reasoning service is unavailable or its
// output is unusable. It looks only at the latest sample.
func Fallback(record market.MetricRecord) Decision {
	d := Decision{
		Identifier:     record.Identifier,
		Action:         ActionHold,
		PositionType:   PositionNone,
		Source:         SourceFallback,
		ReferencePrice: record.ReferencePrice(),
	}

	latest, ok := record.Latest()
	if !ok {
		d.Confidence = NoDataConfidence
		d.Reasoning = "no data"
		return d
	}

	closePx, openPx, sma := latest.Close, latest.Open, latest.MovingAverage()
	d.Confidence = FallbackConfidence
	switch {
	case closePx > sma && closePx > openPx:
		d.Action = ActionOpen
		d.PositionType = PositionLong
		d.Reasoning = fmt.Sprintf("fallback: close %.6g above moving average %.6g and open %.6g", closePx, sma, openPx)
	case closePx <= sma && closePx <= openPx:
		d.Action = ActionOpen
		d.PositionType = PositionShort
		d.Reasoning = fmt.Sprintf("fallback: close %.6g at or below moving average %.6g and open %.6g", closePx, sma, openPx)
	default:
		d.Reasoning = fmt.Sprintf("fallback: mixed signal (close %.6g, moving average %.6g, open %.6g)", closePx, sma, openPx)
	}
	return d
}
