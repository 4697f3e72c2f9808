package contracts

import "time"

// ConsensusStrategy selects the agreement rule for a standalone election.
type ConsensusStrategy string

const (
	// StrategyQuorum resolves once strictly more than half of the
	// participants have voted and a simple majority agrees.
	StrategyQuorum ConsensusStrategy = "QUORUM"
	// StrategyUnanimous requires every participant to agree.
	StrategyUnanimous ConsensusStrategy = "UNANIMOUS"
	// StrategySuperMajority requires at least two thirds agreement
	// among votes cast.
	StrategySuperMajority ConsensusStrategy = "SUPER_MAJORITY"
)

// ElectionStatus is the lifecycle position of an election.
type ElectionStatus string

const (
	ElectionOpen    ElectionStatus = "OPEN"
	ElectionClosed  ElectionStatus = "CLOSED"
	ElectionExpired ElectionStatus = "EXPIRED"
)

// Election is an ad hoc consensus round outside the deliberation queue.
// An EXPIRED election carries no verdict: callers must treat it as
// indeterminate, never as a rejection.
type Election struct {
	ElectionID       string               `json:"election_id"`
	SubjectMessageID string               `json:"subject_message_id"`
	Strategy         ConsensusStrategy    `json:"strategy"`
	Participants     []string             `json:"participants"`
	Votes            map[string]VoteValue `json:"votes"`
	Status           ElectionStatus       `json:"status"`
	Verdict          VoteValue            `json:"verdict,omitempty"` // set when Status == CLOSED
	CreatedAt        time.Time            `json:"created_at"`
	ExpiresAt        time.Time            `json:"expires_at"`
}
