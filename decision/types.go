package decision

// Action decision action
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	ActionHold  Action = "hold"
)

// PositionType position direction ("" when not applicable)
type PositionType string

const (
	PositionLong  PositionType = "long"
	PositionShort PositionType = "short"
	PositionNone  PositionType = ""
)

// Source where a decision came from
type Source string

const (
	SourceAI       Source = "ai"
	SourceFallback Source = "fallback"
)

const (
	// AIConfidence confidence assigned to reasoning-service decisions (the service returns no calibrated confidence)
	AIConfidence = 0.7
	// FallbackConfidence confidence of heuristic decisions made on data
	FallbackConfidence = 0.6
	// NoDataConfidence confidence of the hold decision made without samples
	NoDataConfidence = 0.5
)

// Decision trading decision for one asset
type Decision struct {
	Identifier     string       `json:"identifier"`
	Action         Action       `json:"action"`
	PositionType   PositionType `json:"position_type,omitempty"`
	Confidence     float64      `json:"confidence"`
	Reasoning      string       `json:"reasoning"`
	ReferencePrice float64      `json:"reference_price"`
	Source         Source       `json:"source"`
}
