// Package approval notifies human reviewers about tasks awaiting their
// decision and converts the decision into a queue transition. The
// coordinator holds no review state of its own and enforces no
// timeouts; both remain with the deliberation queue.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// DecisionSink is the queue-side contract the coordinator resolves
// decisions through.
type DecisionSink interface {
	SubmitHumanDecision(ctx context.Context, taskID, reviewer, decision, reasoning string) (bool, error)
}

// Coordinator requests approvals and forwards decisions.
type Coordinator struct {
	channel contracts.NotificationChannel
	sink    DecisionSink
	logger  *slog.Logger

	// Per-recipient notification limiter so a noisy queue cannot page
	// the same human continuously.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   rate.Limit
	burst    int
}

func NewCoordinator(channel contracts.NotificationChannel, sink DecisionSink, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		channel:  channel,
		sink:     sink,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		perMin:   rate.Limit(10.0 / 60.0), // 10 notifications per minute
		burst:    5,
	}
}

// RequestApproval pushes a notification for the task through the
// channel. Fire and forget: delivery failures and rate-limit drops are
// logged, never surfaced to queue progression.
func (c *Coordinator) RequestApproval(ctx context.Context, taskID, recipient string, task *contracts.DeliberationTask) {
	if c.channel == nil {
		return
	}
	if !c.allow(recipient) {
		c.logger.Warn("approval notification rate-limited", "task_id", taskID, "recipient", recipient)
		return
	}

	payload := map[string]any{
		"task_id":  taskID,
		"deadline": task.VotingDeadline,
		"priority": string(task.Message.Priority),
		"summary":  fmt.Sprintf("decision request %s awaits review", task.Message.ID),
	}

	go func() {
		if err := c.channel.Notify(context.WithoutCancel(ctx), recipient, payload); err != nil {
			c.logger.Error("approval notification failed",
				"task_id", taskID, "recipient", recipient, "error", err)
		}
	}()
}

// SubmitDecision forwards the reviewer's decision to the queue.
func (c *Coordinator) SubmitDecision(ctx context.Context, taskID, reviewer, decision, reasoning string) (bool, error) {
	return c.sink.SubmitHumanDecision(ctx, taskID, reviewer, decision, reasoning)
}

func (c *Coordinator) allow(recipient string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[recipient]
	if !ok {
		limiter = rate.NewLimiter(c.perMin, c.burst)
		c.limiters[recipient] = limiter
	}
	return limiter.Allow()
}
