package saga

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclavehq/conclave/pkg/contracts"
)

type memorySink struct {
	mu     sync.Mutex
	events []contracts.AuditEvent
}

func (m *memorySink) Record(ctx context.Context, event contracts.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// recorder builds steps whose actions and compensations append to a
// shared trace, so ordering is assertable.
type recorder struct {
	mu    sync.Mutex
	trace []string
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = append(r.trace, entry)
}

func (r *recorder) step(name string, actErr, compErr error) Step {
	return Step{
		Name: name,
		Action: func(ctx context.Context) (any, error) {
			if actErr != nil {
				return nil, actErr
			}
			r.add("do:" + name)
			return name + "-result", nil
		},
		Compensate: func(ctx context.Context) error {
			if compErr != nil {
				return compErr
			}
			r.add("undo:" + name)
			return nil
		},
	}
}

func TestExecuteCompletes(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil, nil)

	exec, err := o.Execute(context.Background(), []Step{
		rec.step("reserve", nil, nil),
		rec.step("transfer", nil, nil),
		rec.step("notify", nil, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, []any{"reserve-result", "transfer-result", "notify-result"}, exec.Results)
	assert.Equal(t, []string{"do:reserve", "do:transfer", "do:notify"}, rec.trace)
	assert.Empty(t, exec.Compensated)
}

// A failure at step three compensates steps two and one in that order,
// and only those.
func TestExecuteCompensatesInReverse(t *testing.T) {
	rec := &recorder{}
	sink := &memorySink{}
	o := NewOrchestrator(nil, sink)

	exec, err := o.Execute(context.Background(), []Step{
		rec.step("reserve", nil, nil),
		rec.step("transfer", nil, nil),
		rec.step("notify", errors.New("channel down"), nil),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCompensationFailed)
	assert.Equal(t, StateCompensated, exec.State)
	assert.Equal(t, "notify", exec.FailedStep)
	assert.Equal(t, []string{"transfer", "reserve"}, exec.Compensated)
	assert.Equal(t, []string{"do:reserve", "do:transfer", "undo:transfer", "undo:reserve"}, rec.trace)
}

func TestCompensationFailureIsTerminal(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil, nil)

	exec, err := o.Execute(context.Background(), []Step{
		rec.step("reserve", nil, errors.New("ledger locked")),
		rec.step("transfer", nil, nil),
		rec.step("notify", errors.New("channel down"), nil),
	})
	require.ErrorIs(t, err, ErrCompensationFailed)
	assert.Equal(t, StateCompensationFailed, exec.State)
	// The later compensation ran before the failing one stopped the walk.
	assert.Equal(t, []string{"transfer"}, exec.Compensated)
}

// Operator retry re-runs the rollback, skipping compensations that
// already succeeded via their idempotency keys.
func TestRetryCompensationSkipsDoneKeys(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil, nil)

	reserveFails := errors.New("ledger locked")
	steps := []Step{
		rec.step("reserve", nil, reserveFails),
		rec.step("transfer", nil, nil),
		rec.step("notify", errors.New("channel down"), nil),
	}
	exec, err := o.Execute(context.Background(), steps)
	require.ErrorIs(t, err, ErrCompensationFailed)

	// The ledger recovered; retry with a working compensation.
	completed := []Step{
		rec.step("reserve", nil, nil),
		rec.step("transfer", nil, nil),
	}
	require.NoError(t, o.RetryCompensation(context.Background(), exec, completed))
	assert.Equal(t, StateCompensated, exec.State)
	assert.Equal(t, []string{"transfer", "reserve"}, exec.Compensated, "transfer is not compensated twice")
	assert.Equal(t, []string{"do:reserve", "do:transfer", "undo:transfer", "undo:reserve"}, rec.trace)
}

func TestRetryCompensationGuardsState(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil, nil)

	exec, err := o.Execute(context.Background(), []Step{rec.step("only", nil, nil)})
	require.NoError(t, err)

	err = o.RetryCompensation(context.Background(), exec, nil)
	require.Error(t, err, "only COMPENSATION_FAILED executions may be retried")
}

func TestStepWithoutCompensationIsSkipped(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil, nil)

	readOnly := Step{
		Name:   "lookup",
		Action: func(ctx context.Context) (any, error) { rec.add("do:lookup"); return nil, nil },
	}
	exec, err := o.Execute(context.Background(), []Step{
		readOnly,
		rec.step("fail", errors.New("boom"), nil),
	})
	require.Error(t, err)
	assert.Equal(t, StateCompensated, exec.State)
	assert.Empty(t, exec.Compensated)
}

func TestActionRetries(t *testing.T) {
	o := NewOrchestrator(nil, nil)

	attempts := 0
	flaky := Step{
		Name: "flaky",
		Action: func(ctx context.Context) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
		MaxRetries: 3,
	}
	exec, err := o.Execute(context.Background(), []Step{flaky})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, 3, attempts)
}

func TestExecutionLookup(t *testing.T) {
	rec := &recorder{}
	o := NewOrchestrator(nil, nil)

	exec, err := o.Execute(context.Background(), []Step{rec.step("only", nil, nil)})
	require.NoError(t, err)

	found, ok := o.Execution(exec.SagaID)
	require.True(t, ok)
	assert.Equal(t, exec.SagaID, found.SagaID)

	_, ok = o.Execution("unknown")
	assert.False(t, ok)
}
