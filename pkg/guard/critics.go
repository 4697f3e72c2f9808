package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// Decision is the material handed to critics and signers: the action
// under verification plus enough context to judge it.
type Decision struct {
	DecisionID string         `json:"decision_id"`
	AgentID    string         `json:"agent_id"`
	Action     string         `json:"action"`
	RiskScore  float64        `json:"risk_score"`
	ReviewType string         `json:"review_type"`
	Context    map[string]any `json:"context,omitempty"`
}

// CriticAgent is an independent reviewer consulted for critical-risk
// decisions.
type CriticAgent interface {
	ID() string
	// ReviewTypes lists the review categories this critic handles.
	// An empty list means the critic reviews everything.
	ReviewTypes() []string
	Review(ctx context.Context, decision Decision) (contracts.CriticReview, error)
}

// CriticRegistry fans decisions out to matching critics and aggregates
// their verdicts. The default aggregation is fail-closed: one critic
// rejection escalates the decision, however many approved.
type CriticRegistry struct {
	mu      sync.RWMutex
	critics []CriticAgent

	// RejectOverrides controls aggregation. When true (the default)
	// any rejection escalates; when false a simple majority decides.
	RejectOverrides bool

	logger *slog.Logger
	clock  func() time.Time
}

func NewCriticRegistry(logger *slog.Logger) *CriticRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CriticRegistry{
		RejectOverrides: true,
		logger:          logger,
		clock:           time.Now,
	}
}

// Register adds a critic agent.
func (r *CriticRegistry) Register(critic CriticAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.critics = append(r.critics, critic)
}

// SubmitForReview fans the decision out to every critic whose review
// types match and aggregates the verdicts. Critics that error or miss
// the deadline are dropped from the aggregation; if none answer at all
// the result is "expired" and the caller must treat it as
// indeterminate.
func (r *CriticRegistry) SubmitForReview(ctx context.Context, decision Decision, timeout time.Duration) *contracts.ReviewResult {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.RLock()
	matched := make([]CriticAgent, 0, len(r.critics))
	for _, c := range r.critics {
		if matchesReviewType(c.ReviewTypes(), decision.ReviewType) {
			matched = append(matched, c)
		}
	}
	rejectOverrides := r.RejectOverrides
	r.mu.RUnlock()

	result := &contracts.ReviewResult{DecisionID: decision.DecisionID}
	if len(matched) == 0 {
		result.Status = "expired"
		return result
	}

	type outcome struct {
		review contracts.CriticReview
		err    error
	}
	ch := make(chan outcome, len(matched))
	for _, critic := range matched {
		go func(c CriticAgent) {
			review, err := c.Review(ctx, decision)
			ch <- outcome{review, err}
		}(critic)
	}

	for range matched {
		select {
		case out := <-ch:
			if out.err != nil {
				r.logger.Warn("critic review failed", "decision_id", decision.DecisionID, "error", out.err)
				continue
			}
			if out.review.Timestamp.IsZero() {
				out.review.Timestamp = r.clock()
			}
			result.Reviews = append(result.Reviews, out.review)
		case <-ctx.Done():
			// Remaining critics missed the window.
			goto aggregate
		}
	}

aggregate:
	if len(result.Reviews) == 0 {
		result.Status = "expired"
		return result
	}

	rejected := 0
	for _, review := range result.Reviews {
		if review.Verdict == "reject" {
			rejected++
			result.AnyRejected = true
		}
	}

	switch {
	case rejectOverrides && result.AnyRejected:
		result.Status = "escalated"
	case !rejectOverrides && rejected*2 > len(result.Reviews):
		result.Status = "escalated"
	default:
		result.Status = "approved"
	}
	result.CompletedAt = r.clock()
	return result
}

func matchesReviewType(types []string, reviewType string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == reviewType {
			return true
		}
	}
	return false
}
