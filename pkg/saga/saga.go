// Package saga sequences multi-step governance operations with LIFO
// compensation. When step k fails after earlier steps already had
// externally visible effects, compensations run for steps k−1 down to
// 0, each at most once per execution and each safe to re-invoke when a
// partially compensated execution is retried by an operator.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// State is the execution state machine.
//
// RUNNING → {COMPLETED | COMPENSATING → COMPENSATED | COMPENSATION_FAILED}
type State string

const (
	StateRunning            State = "RUNNING"
	StateCompleted          State = "COMPLETED"
	StateCompensating       State = "COMPENSATING"
	StateCompensated        State = "COMPENSATED"
	StateCompensationFailed State = "COMPENSATION_FAILED"
)

// ErrCompensationFailed marks a saga whose rollback itself failed. It
// is terminal and operator-visible; the orchestrator never retries it
// on its own.
var ErrCompensationFailed = errors.New("saga compensation failed, manual intervention required")

// Step is one unit of a saga: an action, its compensating action, an
// idempotency key, and a retry policy for transient action failures.
type Step struct {
	Name string
	// Action performs the step and returns its result.
	Action func(ctx context.Context) (any, error)
	// Compensate undoes the step. It must be idempotent under its
	// IdempotencyKey. Nil means the step has no external effect.
	Compensate func(ctx context.Context) error
	// IdempotencyKey identifies the compensation; a key already marked
	// done is skipped on retry. Defaults to the step name.
	IdempotencyKey string
	// MaxRetries bounds action retries (exponential backoff). Zero
	// means no retry.
	MaxRetries uint
}

// Execution is one run of a saga.
type Execution struct {
	SagaID      string         `json:"saga_id"`
	State       State          `json:"state"`
	Results     []any          `json:"results"`
	FailedStep  string         `json:"failed_step,omitempty"`
	StepErr     error          `json:"-"`
	Compensated []string       `json:"compensated,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	doneKeys    map[string]bool
}

// Orchestrator runs sagas.
type Orchestrator struct {
	audit  contracts.AuditSink // optional
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.Mutex
	runs map[string]*Execution
}

func NewOrchestrator(logger *slog.Logger, audit contracts.AuditSink) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		audit:  audit,
		logger: logger,
		clock:  time.Now,
		runs:   make(map[string]*Execution),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Execute runs the steps in order. On success the execution is
// COMPLETED and carries every step result. On step failure the
// preceding steps are compensated in reverse order; the returned error
// wraps the step error, or ErrCompensationFailed when rollback itself
// broke.
func (o *Orchestrator) Execute(ctx context.Context, steps []Step) (*Execution, error) {
	exec := &Execution{
		SagaID:    uuid.New().String(),
		State:     StateRunning,
		StartedAt: o.clock(),
		doneKeys:  make(map[string]bool),
	}
	o.mu.Lock()
	o.runs[exec.SagaID] = exec
	o.mu.Unlock()

	for i, step := range steps {
		result, err := o.runAction(ctx, step)
		if err != nil {
			exec.FailedStep = step.Name
			exec.StepErr = err
			o.logger.Error("saga step failed",
				"saga_id", exec.SagaID, "step", step.Name, "index", i, "error", err)
			if compErr := o.compensate(ctx, exec, steps[:i]); compErr != nil {
				return exec, compErr
			}
			return exec, fmt.Errorf("step %s failed: %w", step.Name, err)
		}
		exec.Results = append(exec.Results, result)
	}

	exec.State = StateCompleted
	exec.FinishedAt = o.clock()
	return exec, nil
}

// RetryCompensation re-runs the rollback of a COMPENSATION_FAILED
// execution. Compensations already marked done are skipped via their
// idempotency keys. This is an operator action, never automatic.
func (o *Orchestrator) RetryCompensation(ctx context.Context, exec *Execution, completedSteps []Step) error {
	if exec.State != StateCompensationFailed {
		return fmt.Errorf("execution %s is %s, not %s", exec.SagaID, exec.State, StateCompensationFailed)
	}
	return o.compensate(ctx, exec, completedSteps)
}

// Execution returns a tracked run by ID.
func (o *Orchestrator) Execution(sagaID string) (*Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.runs[sagaID]
	return exec, ok
}

func (o *Orchestrator) runAction(ctx context.Context, step Step) (any, error) {
	if step.MaxRetries == 0 {
		return step.Action(ctx)
	}
	return backoff.Retry(ctx,
		func() (any, error) { return step.Action(ctx) },
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(step.MaxRetries+1))
}

// compensate runs rollbacks strictly in reverse order over the steps
// that completed. A compensation failure stops the walk: later-ordered
// compensations have already run, earlier ones must wait for operator
// retry so ordering is preserved.
func (o *Orchestrator) compensate(ctx context.Context, exec *Execution, completed []Step) error {
	exec.State = StateCompensating
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		key := step.IdempotencyKey
		if key == "" {
			key = step.Name
		}
		if exec.doneKeys[key] {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			exec.State = StateCompensationFailed
			exec.FinishedAt = o.clock()
			o.logger.Error("saga compensation failed",
				"saga_id", exec.SagaID, "step", step.Name, "error", err)
			o.record(ctx, exec, "saga.compensation_failed", step.Name)
			return fmt.Errorf("%w: step %s: %v", ErrCompensationFailed, step.Name, err)
		}
		exec.doneKeys[key] = true
		exec.Compensated = append(exec.Compensated, step.Name)
		o.record(ctx, exec, "saga.compensated", step.Name)
	}
	exec.State = StateCompensated
	exec.FinishedAt = o.clock()
	return nil
}

func (o *Orchestrator) record(ctx context.Context, exec *Execution, kind, stepName string) {
	if o.audit == nil {
		return
	}
	event := contracts.AuditEvent{
		EventID:   uuid.New().String(),
		Kind:      kind,
		SubjectID: exec.SagaID,
		Detail: map[string]any{
			"step":        stepName,
			"state":       string(exec.State),
			"failed_step": exec.FailedStep,
		},
		Timestamp: o.clock(),
	}
	if err := o.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Error("audit record failed", "saga_id", exec.SagaID, "error", err)
	}
}
