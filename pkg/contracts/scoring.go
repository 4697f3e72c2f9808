package contracts

import "time"

// ImpactScore is the scorer's verdict on a single message: a scalar in
// [0,1] plus the per-dimension contributions that produced it. Scores
// are ephemeral; they live only as long as the task they are attached to.
type ImpactScore struct {
	Score      float64         `json:"score"`
	Dimensions ScoreDimensions `json:"dimensions"`
	Boosted    bool            `json:"boosted"`
	ComputedAt time.Time       `json:"computed_at"`
	ModelNote  string          `json:"model_note,omitempty"` // e.g. "lexical-fallback"
}

// ScoreDimensions breaks the final score into its weighted inputs.
// Each dimension is itself clamped to [0,1] before weighting.
type ScoreDimensions struct {
	Semantic   float64 `json:"semantic"`
	Permission float64 `json:"permission"`
	Volume     float64 `json:"volume"`
	Context    float64 `json:"context"`
	Drift      float64 `json:"drift"`
	Priority   float64 `json:"priority"`
	Type       float64 `json:"type"`
}

// IntentType is the coarse taxonomy the classifier maps message text into.
type IntentType string

const (
	IntentFactual   IntentType = "FACTUAL"
	IntentCreative  IntentType = "CREATIVE"
	IntentReasoning IntentType = "REASONING"
	IntentGeneral   IntentType = "GENERAL"
)
