// Package bus is the boundary the outer governance message bus calls
// into: one facade over the router, queue, voting service, policy
// guard, approval coordinator, and saga orchestrator.
package bus

import (
	"context"
	"time"

	"github.com/conclavehq/conclave/pkg/approval"
	"github.com/conclavehq/conclave/pkg/contracts"
	"github.com/conclavehq/conclave/pkg/deliberation"
	"github.com/conclavehq/conclave/pkg/guard"
	"github.com/conclavehq/conclave/pkg/routing"
	"github.com/conclavehq/conclave/pkg/saga"
	"github.com/conclavehq/conclave/pkg/voting"
)

// Subsystem bundles the deliberation components behind the operations
// exposed upstream. Construct with New; all dependencies are explicit.
type Subsystem struct {
	router       *routing.Router
	queue        *deliberation.Queue
	votes        *voting.Service
	guard        *guard.Guard
	coordinator  *approval.Coordinator
	orchestrator *saga.Orchestrator
	advisor      contracts.Advisor // optional
}

// New assembles the facade. advisor may be nil.
func New(router *routing.Router, queue *deliberation.Queue, votes *voting.Service, g *guard.Guard, coordinator *approval.Coordinator, orchestrator *saga.Orchestrator, adv contracts.Advisor) *Subsystem {
	return &Subsystem{
		router:       router,
		queue:        queue,
		votes:        votes,
		guard:        g,
		coordinator:  coordinator,
		orchestrator: orchestrator,
		advisor:      adv,
	}
}

// Route decides the lane for a message.
func (s *Subsystem) Route(ctx context.Context, msg *contracts.Message, scoreCtx map[string]any) (*contracts.RoutingDecision, error) {
	return s.router.Route(ctx, msg, scoreCtx)
}

// ForceDeliberation always enqueues, bypassing scoring.
func (s *Subsystem) ForceDeliberation(ctx context.Context, msg *contracts.Message, reason string) (*contracts.RoutingDecision, error) {
	return s.router.ForceDeliberation(ctx, msg, reason)
}

// RecordOutcome feeds actual outcomes back into routing quality.
func (s *Subsystem) RecordOutcome(messageID string, harmful bool) {
	s.router.RecordOutcome(messageID, harmful)
}

// EnqueueForDeliberation creates a review task directly.
func (s *Subsystem) EnqueueForDeliberation(ctx context.Context, msg *contracts.Message, opts deliberation.EnqueueOptions) (string, error) {
	return s.queue.Enqueue(ctx, msg, opts)
}

// SubmitHumanDecision resolves a task from a human reviewer.
func (s *Subsystem) SubmitHumanDecision(ctx context.Context, taskID, reviewer, decision, reasoning string) (bool, error) {
	return s.queue.SubmitHumanDecision(ctx, taskID, reviewer, decision, reasoning)
}

// SubmitVote records an agent vote on a task.
func (s *Subsystem) SubmitVote(ctx context.Context, taskID, agentID string, vote contracts.VoteValue, reasoning string, confidence float64) (bool, error) {
	return s.queue.SubmitVote(ctx, taskID, agentID, vote, reasoning, confidence)
}

// GetTaskStatus returns the status of a task.
func (s *Subsystem) GetTaskStatus(taskID string) (contracts.TaskStatus, error) {
	return s.queue.GetTaskStatus(taskID)
}

// GetQueueStats returns queue load statistics.
func (s *Subsystem) GetQueueStats() deliberation.QueueStats {
	return s.queue.Stats()
}

// RoutingStats returns routing quality counters.
func (s *Subsystem) RoutingStats() routing.Stats {
	return s.router.Stats()
}

// RequestApproval notifies a human reviewer about a task.
func (s *Subsystem) RequestApproval(ctx context.Context, taskID, recipient string) error {
	task, err := s.queue.GetTask(taskID)
	if err != nil {
		return err
	}
	s.coordinator.RequestApproval(ctx, taskID, recipient, task)
	return nil
}

// VerifyAction runs the policy guard.
func (s *Subsystem) VerifyAction(ctx context.Context, agentID, action string, actionContext map[string]any) *contracts.GuardResult {
	return s.guard.VerifyAction(ctx, agentID, action, actionContext)
}

// CollectSignatures runs a standalone signature round.
func (s *Subsystem) CollectSignatures(ctx context.Context, decisionID string, requiredSigners []string, threshold float64, timeout time.Duration) (*contracts.SignatureResult, error) {
	return s.guard.CollectSignatures(ctx, decisionID, requiredSigners, threshold, timeout)
}

// SubmitForReview runs a standalone critic round.
func (s *Subsystem) SubmitForReview(ctx context.Context, decision guard.Decision, timeout time.Duration) *contracts.ReviewResult {
	return s.guard.SubmitForReview(ctx, decision, timeout)
}

// RegisterCriticAgent adds a critic to the review pool.
func (s *Subsystem) RegisterCriticAgent(critic guard.CriticAgent) {
	s.guard.RegisterCriticAgent(critic)
}

// CreateElection opens a standalone election.
func (s *Subsystem) CreateElection(ctx context.Context, subjectMessageID string, participants []string, strategy contracts.ConsensusStrategy, timeout time.Duration) (string, error) {
	return s.votes.CreateElection(ctx, subjectMessageID, participants, strategy, timeout)
}

// CastVote votes in a standalone election.
func (s *Subsystem) CastVote(ctx context.Context, electionID, participantID string, vote contracts.VoteValue) (bool, error) {
	return s.votes.CastVote(ctx, electionID, participantID, vote)
}

// GetElection returns an election snapshot.
func (s *Subsystem) GetElection(electionID string) (*contracts.Election, error) {
	return s.votes.GetElection(electionID)
}

// ExecuteSaga runs a multi-step governance operation with LIFO
// compensation on failure.
func (s *Subsystem) ExecuteSaga(ctx context.Context, steps []saga.Step) (*saga.Execution, error) {
	return s.orchestrator.Execute(ctx, steps)
}

// AnalyzeHistory asks the advisory assistant for insight about
// resolved tasks. Returns empty text when no advisor is configured or
// the call fails; verdicts never depend on this.
func (s *Subsystem) AnalyzeHistory(ctx context.Context, taskIDs []string) string {
	if s.advisor == nil {
		return ""
	}
	var history []*contracts.DeliberationTask
	for _, id := range taskIDs {
		if task, err := s.queue.GetTask(id); err == nil {
			history = append(history, task)
		}
	}
	if len(history) == 0 {
		return ""
	}
	insight, err := s.advisor.Analyze(ctx, history)
	if err != nil {
		return ""
	}
	return insight
}
