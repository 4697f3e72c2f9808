// Package guard evaluates actions against policy and, for high and
// critical risk, orchestrates multi-signature collection and critic
// review into a single verdict. The one non-negotiable property is
// fail-closed behavior: when the policy engine cannot be consulted the
// guard escalates, it never approves.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// Config tunes the guard's risk thresholds and review windows.
type Config struct {
	// HighRiskThreshold is the risk score at which multi-signature
	// collection becomes mandatory.
	HighRiskThreshold float64 `yaml:"high_risk_threshold" json:"high_risk_threshold"`
	// CriticalRiskThreshold additionally requires critic review.
	CriticalRiskThreshold float64 `yaml:"critical_risk_threshold" json:"critical_risk_threshold"`
	// RequiredSigners sign off on high-risk actions.
	RequiredSigners []string `yaml:"required_signers" json:"required_signers"`
	// SignatureThreshold is the fraction of required signers needed.
	SignatureThreshold float64       `yaml:"signature_threshold" json:"signature_threshold"`
	SignatureTimeout   time.Duration `yaml:"signature_timeout" json:"signature_timeout"`
	ReviewTimeout      time.Duration `yaml:"review_timeout" json:"review_timeout"`
	// EvaluateTimeout bounds the policy engine call.
	EvaluateTimeout time.Duration `yaml:"evaluate_timeout" json:"evaluate_timeout"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HighRiskThreshold:     0.8,
		CriticalRiskThreshold: 0.95,
		SignatureThreshold:    0.6,
		SignatureTimeout:      2 * time.Minute,
		ReviewTimeout:         time.Minute,
		EvaluateTimeout:       5 * time.Second,
	}
}

// Guard is the policy guard.
type Guard struct {
	cfg        Config
	engine     contracts.PolicyEngine
	signatures *SignatureCollector
	critics    *CriticRegistry
	audit      contracts.AuditSink // optional
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      func() time.Time
}

// New constructs a guard. engine is mandatory; a guard without policy
// is a guard that denies.
func New(cfg Config, engine contracts.PolicyEngine, signatures *SignatureCollector, critics *CriticRegistry, audit contracts.AuditSink, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if signatures == nil {
		signatures = NewSignatureCollector(nil, logger)
	}
	if critics == nil {
		critics = NewCriticRegistry(logger)
	}
	return &Guard{
		cfg:        cfg,
		engine:     engine,
		signatures: signatures,
		critics:    critics,
		audit:      audit,
		logger:     logger,
		tracer:     otel.Tracer("conclave/guard"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Guard) WithClock(clock func() time.Time) *Guard {
	g.clock = clock
	return g
}

// RegisterCriticAgent adds a critic to the review pool.
func (g *Guard) RegisterCriticAgent(critic CriticAgent) {
	g.critics.Register(critic)
}

// VerifyAction evaluates the action against policy and escalates
// through signatures and critics as the risk demands. The returned
// result always carries a reasoning string; errors are reserved for
// caller mistakes, not dependency failures.
func (g *Guard) VerifyAction(ctx context.Context, agentID, action string, actionContext map[string]any) *contracts.GuardResult {
	ctx, span := g.tracer.Start(ctx, "guard.verify_action",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("action", action)))
	defer span.End()

	result := &contracts.GuardResult{
		DecisionID:  uuid.New().String(),
		EvaluatedAt: g.clock(),
	}

	evalCtx, cancel := context.WithTimeout(ctx, g.cfg.EvaluateTimeout)
	evaluation, err := g.engine.Evaluate(evalCtx, agentID, action, actionContext)
	cancel()
	if err != nil {
		// Fail closed: an unreachable policy engine escalates, it
		// never approves.
		result.Decision = contracts.GuardEscalated
		result.Reasoning = fmt.Sprintf("policy engine unavailable, failing closed: %v", err)
		g.logger.Error("policy evaluation failed, failing closed",
			"agent_id", agentID, "action", action, "error", err)
		g.record(ctx, result, agentID, action)
		return result
	}

	result.RiskScore = evaluation.RiskScore
	span.SetAttributes(attribute.Float64("risk_score", evaluation.RiskScore))

	if !evaluation.Allowed {
		result.Decision = contracts.GuardDenied
		result.Reasoning = denyReason(evaluation.Reasons)
		g.record(ctx, result, agentID, action)
		return result
	}

	if evaluation.RiskScore < g.cfg.HighRiskThreshold {
		result.Decision = contracts.GuardApproved
		result.Reasoning = fmt.Sprintf("risk %.3f below high-risk threshold %.3f", evaluation.RiskScore, g.cfg.HighRiskThreshold)
		g.record(ctx, result, agentID, action)
		return result
	}

	// High risk: the action needs signatures before it may proceed.
	result.RequiredSignatures = append([]string(nil), g.cfg.RequiredSigners...)
	if len(result.RequiredSignatures) == 0 {
		result.Decision = contracts.GuardEscalated
		result.Reasoning = "high-risk action but no signers configured, failing closed"
		g.record(ctx, result, agentID, action)
		return result
	}

	sigResult, sigErr := g.signatures.Collect(ctx, result.DecisionID, result.RequiredSignatures, g.cfg.SignatureThreshold, g.cfg.SignatureTimeout)
	if sigResult != nil {
		result.Signatures = sigResult
		result.SignatureStatus = sigResult.Status
	}
	if sigErr != nil || sigResult == nil || sigResult.Status != contracts.SignatureComplete {
		result.Decision = contracts.GuardEscalated
		result.Reasoning = "signature threshold not met before timeout"
		g.record(ctx, result, agentID, action)
		return result
	}

	if evaluation.RiskScore >= g.cfg.CriticalRiskThreshold {
		review := g.critics.SubmitForReview(ctx, Decision{
			DecisionID: result.DecisionID,
			AgentID:    agentID,
			Action:     action,
			RiskScore:  evaluation.RiskScore,
			ReviewType: reviewTypeFor(action),
			Context:    actionContext,
		}, g.cfg.ReviewTimeout)
		result.Review = review
		result.ReviewStatus = review.Status

		// Critic rejection overrides a successful signature round.
		if review.Status != "approved" {
			result.Decision = contracts.GuardEscalated
			result.Reasoning = fmt.Sprintf("critical-risk action escalated by critic review (%s)", review.Status)
			g.record(ctx, result, agentID, action)
			return result
		}
	}

	result.Decision = contracts.GuardApproved
	result.Reasoning = fmt.Sprintf("risk %.3f cleared signature round%s", evaluation.RiskScore, reviewSuffix(result))
	g.record(ctx, result, agentID, action)
	return result
}

// CollectSignatures exposes the signature mechanism for callers that
// run collection outside VerifyAction.
func (g *Guard) CollectSignatures(ctx context.Context, decisionID string, requiredSigners []string, threshold float64, timeout time.Duration) (*contracts.SignatureResult, error) {
	return g.signatures.Collect(ctx, decisionID, requiredSigners, threshold, timeout)
}

// SubmitSignature records a signer attestation on an open round.
func (g *Guard) SubmitSignature(ctx context.Context, decisionID, signerID string, approved bool, reasoning string, confidence float64, token string) (bool, error) {
	return g.signatures.Submit(ctx, decisionID, signerID, approved, reasoning, confidence, token)
}

// SubmitForReview exposes the critic mechanism directly.
func (g *Guard) SubmitForReview(ctx context.Context, decision Decision, timeout time.Duration) *contracts.ReviewResult {
	return g.critics.SubmitForReview(ctx, decision, timeout)
}

func (g *Guard) record(ctx context.Context, result *contracts.GuardResult, agentID, action string) {
	if g.audit == nil {
		return
	}
	result.AuditRecordRef = uuid.New().String()
	event := contracts.AuditEvent{
		EventID:   result.AuditRecordRef,
		Kind:      "guard.verdict",
		SubjectID: result.DecisionID,
		ActorID:   agentID,
		Detail: map[string]any{
			"action":           action,
			"decision":         string(result.Decision),
			"risk_score":       result.RiskScore,
			"signature_status": string(result.SignatureStatus),
			"review_status":    result.ReviewStatus,
			"reasoning":        result.Reasoning,
		},
		Timestamp: g.clock(),
	}
	if err := g.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		g.logger.Error("audit record failed", "decision_id", result.DecisionID, "error", err)
	}
}

func denyReason(reasons []string) string {
	if len(reasons) == 0 {
		return "denied by policy"
	}
	return "denied by policy: " + strings.Join(reasons, "; ")
}

// reviewTypeFor buckets actions into critic review categories.
func reviewTypeFor(action string) string {
	lower := strings.ToLower(action)
	switch {
	case strings.Contains(lower, "transfer") || strings.Contains(lower, "payment") || strings.Contains(lower, "withdraw"):
		return "financial"
	case strings.Contains(lower, "delete") || strings.Contains(lower, "drop") || strings.Contains(lower, "purge"):
		return "destructive"
	case strings.Contains(lower, "policy") || strings.Contains(lower, "grant") || strings.Contains(lower, "revoke"):
		return "governance"
	default:
		return "general"
	}
}

func reviewSuffix(result *contracts.GuardResult) string {
	if result.Review != nil {
		return " and critic review"
	}
	return ""
}
