package contracts

import "time"

// TaskStatus is the state machine position of a deliberation task.
//
// PENDING → UNDER_REVIEW → {APPROVED | REJECTED | CONSENSUS_REACHED}
// CONSENSUS_REACHED resolves immediately to APPROVED or REJECTED.
// Every non-terminal state may transition to TIMED_OUT. Terminal
// states never transition further.
type TaskStatus string

const (
	TaskPending          TaskStatus = "PENDING"
	TaskUnderReview      TaskStatus = "UNDER_REVIEW"
	TaskConsensusReached TaskStatus = "CONSENSUS_REACHED"
	TaskApproved         TaskStatus = "APPROVED"
	TaskRejected         TaskStatus = "REJECTED"
	TaskTimedOut         TaskStatus = "TIMED_OUT"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskApproved, TaskRejected, TaskTimedOut:
		return true
	}
	return false
}

// VoteValue is an agent's position on a task.
type VoteValue string

const (
	VoteApprove VoteValue = "APPROVE"
	VoteReject  VoteValue = "REJECT"
	VoteAbstain VoteValue = "ABSTAIN"
)

// AgentVote records one agent's vote on one task. A second vote from
// the same agent replaces the first; it never duplicates.
type AgentVote struct {
	AgentID    string    `json:"agent_id"`
	Vote       VoteValue `json:"vote"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeliberationTask is the unit of work inside the queue. The queue is
// the sole owner of its lifecycle; callers receive snapshots.
type DeliberationTask struct {
	TaskID  string   `json:"task_id"`
	Message *Message `json:"message"`

	Status TaskStatus `json:"status"`

	RequiresHumanReview bool `json:"requires_human_review"`
	RequiresVote        bool `json:"requires_vote"`

	Votes []AgentVote `json:"votes,omitempty"`

	HumanReviewer  string `json:"human_reviewer,omitempty"`
	HumanDecision  string `json:"human_decision,omitempty"`
	HumanReasoning string `json:"human_reasoning,omitempty"`

	RequiredVotes      int     `json:"required_votes"`
	ConsensusThreshold float64 `json:"consensus_threshold"` // fraction in (0,1]

	Resolution string `json:"resolution,omitempty"` // reason the task reached its terminal state

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	VotingDeadline time.Time `json:"voting_deadline"` // created_at + timeout
}

// IsComplete reports whether the task has reached a terminal state.
func (t *DeliberationTask) IsComplete() bool {
	return t.Status.Terminal()
}

// VoteFor returns the recorded vote for an agent, if any.
func (t *DeliberationTask) VoteFor(agentID string) (AgentVote, bool) {
	for _, v := range t.Votes {
		if v.AgentID == agentID {
			return v, true
		}
	}
	return AgentVote{}, false
}
