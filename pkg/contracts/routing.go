package contracts

import "time"

// Lane is the path a message takes after routing.
type Lane string

const (
	// LaneFast executes immediately, bypassing deliberation.
	LaneFast Lane = "FAST"
	// LaneDeliberation requires one or more review mechanisms
	// before a verdict.
	LaneDeliberation Lane = "DELIBERATION"
)

// RoutingDecision is produced exactly once per message and never
// mutated afterwards.
type RoutingDecision struct {
	MessageID          string      `json:"message_id"`
	Lane               Lane        `json:"lane"`
	ImpactScore        ImpactScore `json:"impact_score"`
	Intent             IntentType  `json:"intent"`
	EffectiveThreshold float64     `json:"effective_threshold"`
	Reason             string      `json:"reason"`
	TaskID             string      `json:"task_id,omitempty"` // set when Lane == LaneDeliberation
	DecidedAt          time.Time   `json:"decided_at"`
	Forced             bool        `json:"forced"`
}
