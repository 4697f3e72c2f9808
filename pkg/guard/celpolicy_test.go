package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *CELPolicyEngine {
	t.Helper()
	e, err := NewCELPolicyEngine()
	require.NoError(t, err)
	return e
}

func TestEmptyEngineDeniesEverything(t *testing.T) {
	e := testEngine(t)
	eval, err := e.Evaluate(context.Background(), "agent-1", "read_logs", nil)
	require.NoError(t, err)
	assert.False(t, eval.Allowed)
	assert.Contains(t, eval.Reasons, "no policy constraints loaded")
}

func TestConstraintAllowsAndDenies(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.LoadConstraint("known-agent", `agent != ""`))
	require.NoError(t, e.LoadConstraint("no-wildcards", `action != "sudo_all"`))

	eval, err := e.Evaluate(context.Background(), "agent-1", "read_logs", nil)
	require.NoError(t, err)
	assert.True(t, eval.Allowed)

	eval, err = e.Evaluate(context.Background(), "agent-1", "sudo_all", nil)
	require.NoError(t, err)
	assert.False(t, eval.Allowed)
	assert.Contains(t, eval.Reasons, "denied by constraint no-wildcards")
}

func TestRiskRulesTakeMaximum(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.LoadConstraint("allow-all", `true`))
	require.NoError(t, e.LoadRiskRule("declared", `"risk" in context ? double(context["risk"]) : 0.0`))
	require.NoError(t, e.LoadRiskRule("transfers", `action == "transfer_funds" ? 0.85 : 0.1`))

	eval, err := e.Evaluate(context.Background(), "agent-1", "transfer_funds", map[string]any{"risk": 0.4})
	require.NoError(t, err)
	assert.Equal(t, 0.85, eval.RiskScore)

	eval, err = e.Evaluate(context.Background(), "agent-1", "read_logs", map[string]any{"risk": 0.4})
	require.NoError(t, err)
	assert.Equal(t, 0.4, eval.RiskScore)
}

func TestRiskScoreClamped(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.LoadConstraint("allow-all", `true`))
	require.NoError(t, e.LoadRiskRule("overshoot", `3.5`))

	eval, err := e.Evaluate(context.Background(), "agent-1", "anything", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, eval.RiskScore)
}

func TestLoadRejectsBadCEL(t *testing.T) {
	e := testEngine(t)
	require.Error(t, e.LoadConstraint("broken", `agent ==`))
	require.Error(t, e.LoadRiskRule("broken", `undefined_var + 1`))
}

func TestListDefinitions(t *testing.T) {
	e := testEngine(t)
	require.NoError(t, e.LoadConstraint("known-agent", `agent != ""`))
	require.NoError(t, e.LoadRiskRule("flat", `0.5`))

	defs := e.ListDefinitions()
	assert.Len(t, defs, 2)
	assert.Equal(t, `agent != ""`, defs["known-agent"])
}
