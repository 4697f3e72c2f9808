package contracts

import (
	"context"
	"time"
)

// PolicyEvaluation is the policy engine's answer for one action.
type PolicyEvaluation struct {
	RiskScore float64  `json:"risk_score"`
	Allowed   bool     `json:"allowed"`
	Reasons   []string `json:"reasons,omitempty"`
}

// PolicyEngine is the external policy collaborator. Calls carry a
// bounded timeout via ctx; the guard fails closed when evaluation
// errors or times out.
type PolicyEngine interface {
	Evaluate(ctx context.Context, agentID, action string, actionContext map[string]any) (*PolicyEvaluation, error)
}

// AuditEvent is a single append-only record handed to the audit
// collaborator: terminal verdicts, signature outcomes, compensations.
type AuditEvent struct {
	EventID     string         `json:"event_id"`
	Kind        string         `json:"kind"`
	SubjectID   string         `json:"subject_id"`
	ActorID     string         `json:"actor_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	ContentHash string         `json:"content_hash,omitempty"`
}

// AuditSink appends audit events. Implementations must never block the
// decision path; submission is detached with its own retry policy.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// TaskStore is the optional durability collaborator, a key-value
// contract keyed by task ID. Absence means state is memory-resident.
type TaskStore interface {
	PersistTask(ctx context.Context, task *DeliberationTask) error
	LoadTasks(ctx context.Context) ([]*DeliberationTask, error)
}

// NotificationChannel delivers human-approval requests. Fire and
// forget: failures are logged, never surfaced to queue progression.
type NotificationChannel interface {
	Notify(ctx context.Context, recipient string, payload map[string]any) error
}

// Advisor produces optional insight text about a resolved task history.
// Never consulted on the decision-critical path; absence or failure
// must not affect any verdict.
type Advisor interface {
	Analyze(ctx context.Context, taskHistory []*DeliberationTask) (string, error)
}
