// Package contracts holds the shared data model of the deliberation
// subsystem. Every component exchanges these types; none of them carry
// behavior beyond small derived accessors, so the package stays free of
// dependencies on the components themselves.
package contracts

import "time"

// Priority is the ordinal urgency attached to a message by the bus.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Factor maps a priority to its scoring constant. Unknown priorities
// score as medium rather than zero so a malformed producer cannot
// slip under the router.
func (p Priority) Factor() float64 {
	switch p {
	case PriorityLow:
		return 0.2
	case PriorityMedium:
		return 0.5
	case PriorityHigh:
		return 0.8
	case PriorityCritical:
		return 1.0
	default:
		return 0.5
	}
}

// MessageType classifies bus traffic. Governance-affecting types score
// higher than general chatter.
type MessageType string

const (
	TypeGovernance  MessageType = "GOVERNANCE"
	TypeValidation  MessageType = "VALIDATION"
	TypeTaskRequest MessageType = "TASK_REQUEST"
	TypeGeneral     MessageType = "GENERAL"
)

// Factor returns the scoring constant for the message type.
func (t MessageType) Factor() float64 {
	switch t {
	case TypeGovernance:
		return 1.0
	case TypeValidation:
		return 0.8
	case TypeTaskRequest:
		return 0.6
	default:
		return 0.3
	}
}

// Message is a decision-request admitted from the outer bus. It is
// immutable once inside this subsystem: tasks and decisions hold a
// reference, never a mutated copy.
type Message struct {
	ID        string         `json:"id"`
	SenderID  string         `json:"sender_id"`
	Type      MessageType    `json:"type"`
	Priority  Priority       `json:"priority"`
	Content   map[string]any `json:"content"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
