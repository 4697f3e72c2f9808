// Package deliberation implements the stateful review queue: pending
// decision tasks, their vote and human-decision lifecycle, and the
// background deadline supervision that guarantees every task reaches a
// terminal state.
package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclavehq/conclave/pkg/contracts"
)

var (
	// ErrTaskNotFound is returned for an unknown task ID.
	ErrTaskNotFound = errors.New("deliberation task not found")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("deliberation queue closed")
)

// EnqueueOptions configure a new task.
type EnqueueOptions struct {
	RequiresHumanReview bool
	RequiresVote        bool
	Timeout             time.Duration
	RequiredVotes       int
	ConsensusThreshold  float64 // fraction in (0,1]
}

// DefaultEnqueueOptions returns the standard review configuration.
func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{
		RequiresVote:       true,
		Timeout:            5 * time.Minute,
		RequiredVotes:      3,
		ConsensusThreshold: 0.66,
	}
}

// QueueStats summarize queue load and resolution quality.
type QueueStats struct {
	Total             int                          `json:"total"`
	ByStatus          map[contracts.TaskStatus]int `json:"by_status"`
	AvgResolutionSecs float64                      `json:"avg_resolution_secs"`
}

// taskEntry pairs a task with its single-writer lock. All mutations of
// the task go through the entry lock; the queue-wide lock only guards
// the map itself, so operations on different tasks proceed in parallel.
type taskEntry struct {
	mu   sync.Mutex
	task *contracts.DeliberationTask
}

// Queue owns the DeliberationTask lifecycle.
type Queue struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry

	supervisor *deadlineSupervisor
	validator  *PayloadValidator

	store  contracts.TaskStore // optional
	audit  contracts.AuditSink // optional
	logger *slog.Logger
	clock  func() time.Time

	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore enables durable persistence of task state.
func WithStore(store contracts.TaskStore) Option {
	return func(q *Queue) { q.store = store }
}

// WithAudit routes terminal verdicts to the audit collaborator.
func WithAudit(sink contracts.AuditSink) Option {
	return func(q *Queue) { q.audit = sink }
}

// WithValidator enables payload schema validation at enqueue.
func WithValidator(v *PayloadValidator) Option {
	return func(q *Queue) { q.validator = v }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// NewQueue constructs a queue and starts its deadline supervisor.
func NewQueue(logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		tasks:  make(map[string]*taskEntry),
		logger: logger,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.supervisor = newDeadlineSupervisor(q.expireTask, q.clock)
	return q
}

// Restore loads persisted tasks from the store and reschedules
// deadlines for the non-terminal ones. Call before serving traffic.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	tasks, err := q.store.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	q.mu.Lock()
	for _, t := range tasks {
		q.tasks[t.TaskID] = &taskEntry{task: t}
	}
	q.mu.Unlock()

	for _, t := range tasks {
		if !t.Status.Terminal() {
			q.supervisor.schedule(t.TaskID, t.VotingDeadline)
		}
	}
	q.logger.Info("restored deliberation tasks", "count", len(tasks))
	return nil
}

// Close stops the deadline supervisor. In-flight operations complete;
// new enqueues fail.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.supervisor.close()
}

// Enqueue creates a PENDING task for the message and schedules its
// deadline check. Returns the generated task ID.
func (q *Queue) Enqueue(ctx context.Context, msg *contracts.Message, opts EnqueueOptions) (string, error) {
	if msg == nil {
		return "", errors.New("nil message")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultEnqueueOptions().Timeout
	}
	if opts.RequiredVotes <= 0 {
		opts.RequiredVotes = DefaultEnqueueOptions().RequiredVotes
	}
	if opts.ConsensusThreshold <= 0 || opts.ConsensusThreshold > 1 {
		opts.ConsensusThreshold = DefaultEnqueueOptions().ConsensusThreshold
	}

	if q.validator != nil {
		if err := q.validator.Validate(msg); err != nil {
			return "", fmt.Errorf("message payload rejected: %w", err)
		}
	}

	now := q.clock()
	task := &contracts.DeliberationTask{
		TaskID:              uuid.New().String(),
		Message:             msg,
		Status:              contracts.TaskPending,
		RequiresHumanReview: opts.RequiresHumanReview,
		RequiresVote:        opts.RequiresVote,
		RequiredVotes:       opts.RequiredVotes,
		ConsensusThreshold:  opts.ConsensusThreshold,
		CreatedAt:           now,
		UpdatedAt:           now,
		VotingDeadline:      now.Add(opts.Timeout),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.tasks[task.TaskID] = &taskEntry{task: task}
	q.mu.Unlock()

	q.supervisor.schedule(task.TaskID, task.VotingDeadline)
	q.persist(ctx, task)

	q.logger.Info("task enqueued",
		"task_id", task.TaskID,
		"message_id", msg.ID,
		"requires_vote", opts.RequiresVote,
		"requires_human_review", opts.RequiresHumanReview,
		"deadline", task.VotingDeadline)
	return task.TaskID, nil
}

// SubmitHumanDecision resolves a task from a human reviewer. A decision
// against a PENDING task implicitly starts review. Returns false with a
// nil error when the task is already terminal.
func (q *Queue) SubmitHumanDecision(ctx context.Context, taskID, reviewer, decision, reasoning string) (bool, error) {
	entry, err := q.entry(taskID)
	if err != nil {
		return false, err
	}

	entry.mu.Lock()
	task := entry.task
	if task.Status.Terminal() {
		entry.mu.Unlock()
		return false, nil
	}

	if task.Status == contracts.TaskPending {
		task.Status = contracts.TaskUnderReview
	}

	task.HumanReviewer = reviewer
	task.HumanDecision = decision
	task.HumanReasoning = reasoning

	status := contracts.TaskRejected
	if decision == "approve" || decision == string(contracts.TaskApproved) {
		status = contracts.TaskApproved
	}
	q.resolveLocked(task, status, fmt.Sprintf("human decision by %s", reviewer))
	snapshot := *task
	entry.mu.Unlock()

	q.afterResolve(ctx, &snapshot)
	return true, nil
}

// SubmitVote records an agent's vote and evaluates consensus. A repeat
// vote from the same agent replaces the earlier one. Returns false with
// a nil error when the task is already terminal.
func (q *Queue) SubmitVote(ctx context.Context, taskID, agentID string, vote contracts.VoteValue, reasoning string, confidence float64) (bool, error) {
	entry, err := q.entry(taskID)
	if err != nil {
		return false, err
	}

	entry.mu.Lock()
	task := entry.task
	if task.Status.Terminal() {
		entry.mu.Unlock()
		return false, nil
	}

	if task.Status == contracts.TaskPending {
		task.Status = contracts.TaskUnderReview
	}

	newVote := contracts.AgentVote{
		AgentID:    agentID,
		Vote:       vote,
		Reasoning:  reasoning,
		Confidence: clampConfidence(confidence),
		Timestamp:  q.clock(),
	}
	replaced := false
	for i := range task.Votes {
		if task.Votes[i].AgentID == agentID {
			task.Votes[i] = newVote
			replaced = true
			break
		}
	}
	if !replaced {
		task.Votes = append(task.Votes, newVote)
	}
	task.UpdatedAt = newVote.Timestamp

	resolved := q.evaluateConsensusLocked(task)
	var snapshot contracts.DeliberationTask
	if resolved {
		snapshot = *task
	}
	entry.mu.Unlock()

	if resolved {
		q.afterResolve(ctx, &snapshot)
	} else {
		q.persist(ctx, task)
	}
	return true, nil
}

// evaluateConsensusLocked applies the consensus rule. The electorate
// size is RequiredVotes: once that many votes are in, the approve ratio
// decides; before that, the task is rejected early if even unanimous
// approval from the outstanding voters could not reach the threshold.
func (q *Queue) evaluateConsensusLocked(task *contracts.DeliberationTask) bool {
	total := len(task.Votes)
	approve := 0
	for _, v := range task.Votes {
		if v.Vote == contracts.VoteApprove {
			approve++
		}
	}

	if total >= task.RequiredVotes {
		ratio := float64(approve) / float64(total)
		task.Status = contracts.TaskConsensusReached
		if ratio >= task.ConsensusThreshold {
			q.resolveLocked(task, contracts.TaskApproved,
				fmt.Sprintf("consensus reached: %d/%d approve", approve, total))
		} else {
			q.resolveLocked(task, contracts.TaskRejected,
				fmt.Sprintf("consensus reached: %d/%d approve below threshold %.2f", approve, total, task.ConsensusThreshold))
		}
		return true
	}

	// Early termination: remaining voters cannot lift the ratio high
	// enough even if they all approve.
	remaining := task.RequiredVotes - total
	best := float64(approve+remaining) / float64(task.RequiredVotes)
	if best < task.ConsensusThreshold {
		task.Status = contracts.TaskConsensusReached
		q.resolveLocked(task, contracts.TaskRejected,
			fmt.Sprintf("consensus unreachable: at most %.2f approval possible", best))
		return true
	}
	return false
}

// resolveLocked writes the terminal state. Caller holds the entry lock
// and has already checked the task is non-terminal.
func (q *Queue) resolveLocked(task *contracts.DeliberationTask, status contracts.TaskStatus, reason string) {
	task.Status = status
	task.Resolution = reason
	task.UpdatedAt = q.clock()
}

// expireTask is the supervisor callback. The first writer to reach a
// terminal state wins; an expiry racing a just-resolved task is a no-op.
func (q *Queue) expireTask(taskID string) {
	entry, err := q.entry(taskID)
	if err != nil {
		return
	}

	entry.mu.Lock()
	task := entry.task
	if task.Status.Terminal() {
		entry.mu.Unlock()
		return
	}
	q.resolveLocked(task, contracts.TaskTimedOut, "voting deadline reached without resolution")
	snapshot := *task
	entry.mu.Unlock()

	q.logger.Warn("task timed out", "task_id", taskID, "deadline", snapshot.VotingDeadline)
	q.afterResolve(context.Background(), &snapshot)
}

// afterResolve persists and audits a freshly terminal task. Audit
// submission is detached; it never blocks or fails the caller.
func (q *Queue) afterResolve(ctx context.Context, task *contracts.DeliberationTask) {
	q.persist(ctx, task)
	if q.audit == nil {
		return
	}
	event := contracts.AuditEvent{
		EventID:   uuid.New().String(),
		Kind:      "deliberation.verdict",
		SubjectID: task.TaskID,
		Detail: map[string]any{
			"status":     string(task.Status),
			"resolution": task.Resolution,
			"message_id": task.Message.ID,
			"votes":      len(task.Votes),
		},
		Timestamp: q.clock(),
	}
	if err := q.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		q.logger.Error("audit record failed", "task_id", task.TaskID, "error", err)
	}
}

func (q *Queue) persist(ctx context.Context, task *contracts.DeliberationTask) {
	if q.store == nil {
		return
	}
	if err := q.store.PersistTask(ctx, task); err != nil {
		q.logger.Error("task persistence failed", "task_id", task.TaskID, "error", err)
	}
}

func (q *Queue) entry(taskID string) (*taskEntry, error) {
	q.mu.RLock()
	entry, ok := q.tasks[taskID]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return entry, nil
}

// GetTask returns a snapshot of the task.
func (q *Queue) GetTask(taskID string) (*contracts.DeliberationTask, error) {
	entry, err := q.entry(taskID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	snapshot := *entry.task
	snapshot.Votes = append([]contracts.AgentVote(nil), entry.task.Votes...)
	return &snapshot, nil
}

// GetTaskStatus returns the current status of the task.
func (q *Queue) GetTaskStatus(taskID string) (contracts.TaskStatus, error) {
	task, err := q.GetTask(taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// Stats returns per-status counts and the average resolution latency
// over terminal tasks.
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	entries := make([]*taskEntry, 0, len(q.tasks))
	for _, e := range q.tasks {
		entries = append(entries, e)
	}
	q.mu.RUnlock()

	stats := QueueStats{ByStatus: make(map[contracts.TaskStatus]int)}
	var resolved int
	var totalLatency time.Duration
	for _, e := range entries {
		e.mu.Lock()
		status := e.task.Status
		if status.Terminal() {
			resolved++
			totalLatency += e.task.UpdatedAt.Sub(e.task.CreatedAt)
		}
		e.mu.Unlock()
		stats.Total++
		stats.ByStatus[status]++
	}
	if resolved > 0 {
		stats.AvgResolutionSecs = totalLatency.Seconds() / float64(resolved)
	}
	return stats
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
