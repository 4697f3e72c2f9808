package guard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// CELPolicyEngine is the in-process policy collaborator: a CEL-based
// evaluator holding compiled allow constraints and risk rules. An
// action is allowed only when every allow constraint evaluates true;
// its risk score is the maximum over all risk rules. An engine with no
// constraints loaded denies everything.
type CELPolicyEngine struct {
	mu          sync.RWMutex
	env         *cel.Env
	constraints map[string]cel.Program // id → bool program
	riskRules   map[string]cel.Program // id → double program
	definitions map[string]string      // id → CEL source
}

// NewCELPolicyEngine initializes the CEL environment with the standard
// attributes available to every policy.
func NewCELPolicyEngine() (*CELPolicyEngine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("agent", types.StringType),
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &CELPolicyEngine{
		env:         env,
		constraints: make(map[string]cel.Program),
		riskRules:   make(map[string]cel.Program),
		definitions: make(map[string]string),
	}, nil
}

// LoadConstraint compiles and registers an allow constraint. The
// source must evaluate to bool; false denies the action.
func (e *CELPolicyEngine) LoadConstraint(policyID, source string) error {
	prg, err := e.compile(source)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.constraints[policyID] = prg
	e.definitions[policyID] = source
	return nil
}

// LoadRiskRule compiles and registers a risk rule. The source must
// evaluate to a double in [0,1].
func (e *CELPolicyEngine) LoadRiskRule(ruleID, source string) error {
	prg, err := e.compile(source)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.riskRules[ruleID] = prg
	e.definitions[ruleID] = source
	return nil
}

func (e *CELPolicyEngine) compile(source string) (cel.Program, error) {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}
	return prg, nil
}

// ListDefinitions returns a copy of all loaded sources (ID → CEL).
func (e *CELPolicyEngine) ListDefinitions() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.definitions))
	for k, v := range e.definitions {
		out[k] = v
	}
	return out
}

// Evaluate implements contracts.PolicyEngine.
func (e *CELPolicyEngine) Evaluate(ctx context.Context, agentID, action string, actionContext map[string]any) (*contracts.PolicyEvaluation, error) {
	_ = ctx
	e.mu.RLock()
	defer e.mu.RUnlock()

	if actionContext == nil {
		actionContext = map[string]any{}
	}
	input := map[string]interface{}{
		"agent":   agentID,
		"action":  action,
		"context": actionContext,
	}

	eval := &contracts.PolicyEvaluation{Allowed: true}

	if len(e.constraints) == 0 {
		eval.Allowed = false
		eval.Reasons = append(eval.Reasons, "no policy constraints loaded")
	}
	for id, prg := range e.constraints {
		val, _, err := prg.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("constraint %s evaluation: %w", id, err)
		}
		allowed, ok := val.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("constraint %s did not evaluate to bool", id)
		}
		if !allowed {
			eval.Allowed = false
			eval.Reasons = append(eval.Reasons, fmt.Sprintf("denied by constraint %s", id))
		}
	}

	for id, prg := range e.riskRules {
		val, _, err := prg.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("risk rule %s evaluation: %w", id, err)
		}
		risk, ok := toFloat(val.Value())
		if !ok {
			return nil, fmt.Errorf("risk rule %s did not evaluate to a number", id)
		}
		if risk > eval.RiskScore {
			eval.RiskScore = risk
		}
	}
	if eval.RiskScore > 1 {
		eval.RiskScore = 1
	}
	if eval.RiskScore < 0 {
		eval.RiskScore = 0
	}
	return eval, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
