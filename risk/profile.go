package risk

import "strings"

// Tag risk profile tag
type Tag string

const (
	TagLow  Tag = "low"
	TagHigh Tag = "high"
)

// Profile risk parameters applied to sizing and exit rules
type Profile struct {
	Tag                  Tag     `json:"tag"`
	MaxPositionFraction  float64 `json:"max_position_fraction"` // Fraction of total capital per position (0 < f ≤ 1)
	VolatilityThreshold  float64 `json:"volatility_threshold"`  // Volatility % (low: exclude above, high: require above)
	StopLossMultiplier   float64 `json:"stop_loss_multiplier"`  // Price ratio vs entry that forces a close (< 1)
	TakeProfitMultiplier float64 `json:"take_profit_multiplier"` // Price ratio vs entry that forces a close (> 1)
}

var profiles = map[Tag]Profile{
	TagLow: {
		Tag:                  TagLow,
		MaxPositionFraction:  0.10,
		VolatilityThreshold:  5,
		StopLossMultiplier:   0.95,
		TakeProfitMultiplier: 1.10,
	},
	TagHigh: {
		Tag:                  TagHigh,
		MaxPositionFraction:  0.30,
		VolatilityThreshold:  10,
		StopLossMultiplier:   0.85,
		TakeProfitMultiplier: 1.30,
	},
}

// Resolve returns the profile for tag. Unknown or empty tags resolve to the low profile.
func Resolve(tag string) Profile {
	if p, ok := profiles[Tag(strings.ToLower(strings.TrimSpace(tag)))]; ok {
		return p
	}
	return profiles[TagLow]
}

// Known reports whether tag names a profile
func Known(tag string) bool {
	_, ok := profiles[Tag(strings.ToLower(strings.TrimSpace(tag)))]
	return ok
}

// ExcludesAbove reports whether the threshold is an upper bound (low risk) rather than a floor (high risk)
func (p Profile) ExcludesAbove() bool {
	return p.Tag != TagHigh
}
