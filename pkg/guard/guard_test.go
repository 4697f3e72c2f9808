package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conclavehq/conclave/pkg/contracts"
)

type stubEngine struct {
	eval *contracts.PolicyEvaluation
	err  error
}

func (s stubEngine) Evaluate(ctx context.Context, agentID, action string, actionContext map[string]any) (*contracts.PolicyEvaluation, error) {
	return s.eval, s.err
}

type captureSink struct {
	mu     sync.Mutex
	events []contracts.AuditEvent
}

func (c *captureSink) Record(ctx context.Context, event contracts.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func fastConfig(signers ...string) Config {
	cfg := DefaultConfig()
	cfg.RequiredSigners = signers
	cfg.SignatureTimeout = 2 * time.Second
	cfg.ReviewTimeout = time.Second
	return cfg
}

// autoSign watches the collector for open rounds and signs them.
func autoSign(collector *SignatureCollector, signers []string, approved bool, stop <-chan struct{}) {
	signed := make(map[string]bool)
	for {
		select {
		case <-stop:
			return
		case <-time.After(5 * time.Millisecond):
		}
		for _, decisionID := range collector.PendingRounds() {
			if signed[decisionID] {
				continue
			}
			signed[decisionID] = true
			for _, signer := range signers {
				_, _ = collector.Submit(context.Background(), decisionID, signer, approved, "reviewed", 0.9, "")
			}
		}
	}
}

func TestVerifyActionFailsClosedOnEngineError(t *testing.T) {
	sink := &captureSink{}
	g := New(fastConfig("s1"), stubEngine{err: errors.New("engine unreachable")}, nil, nil, sink, nil)

	result := g.VerifyAction(context.Background(), "agent-1", "transfer_funds", nil)
	assert.Equal(t, contracts.GuardEscalated, result.Decision)
	assert.NotEqual(t, contracts.GuardApproved, result.Decision)
	assert.Contains(t, result.Reasoning, "failing closed")
	assert.Equal(t, 1, sink.count())
	assert.NotEmpty(t, result.AuditRecordRef)
}

func TestVerifyActionDeniedByPolicy(t *testing.T) {
	g := New(fastConfig("s1"), stubEngine{eval: &contracts.PolicyEvaluation{
		Allowed: false,
		Reasons: []string{"agent suspended"},
	}}, nil, nil, nil, nil)

	result := g.VerifyAction(context.Background(), "agent-1", "read_logs", nil)
	assert.Equal(t, contracts.GuardDenied, result.Decision)
	assert.Contains(t, result.Reasoning, "agent suspended")
}

func TestVerifyActionLowRiskApproved(t *testing.T) {
	g := New(fastConfig("s1"), stubEngine{eval: &contracts.PolicyEvaluation{
		Allowed:   true,
		RiskScore: 0.2,
	}}, nil, nil, nil, nil)

	result := g.VerifyAction(context.Background(), "agent-1", "read_logs", nil)
	assert.Equal(t, contracts.GuardApproved, result.Decision)
	assert.Empty(t, result.RequiredSignatures)
}

func TestVerifyActionHighRiskWithoutSignersEscalates(t *testing.T) {
	g := New(fastConfig(), stubEngine{eval: &contracts.PolicyEvaluation{
		Allowed:   true,
		RiskScore: 0.9,
	}}, nil, nil, nil, nil)

	result := g.VerifyAction(context.Background(), "agent-1", "transfer_funds", nil)
	assert.Equal(t, contracts.GuardEscalated, result.Decision)
}

func TestVerifyActionHighRiskApprovedBySignatures(t *testing.T) {
	collector := NewSignatureCollector(nil, nil)
	stop := make(chan struct{})
	defer close(stop)
	go autoSign(collector, []string{"s1", "s2", "s3"}, true, stop)

	g := New(fastConfig("s1", "s2", "s3", "s4", "s5"), stubEngine{eval: &contracts.PolicyEvaluation{
		Allowed:   true,
		RiskScore: 0.85,
	}}, collector, nil, nil, nil)

	result := g.VerifyAction(context.Background(), "agent-1", "transfer_funds", nil)
	assert.Equal(t, contracts.GuardApproved, result.Decision)
	assert.Equal(t, contracts.SignatureComplete, result.SignatureStatus)
	assert.Nil(t, result.Review, "high but not critical risk skips critic review")
}

func TestVerifyActionSignatureShortfallEscalates(t *testing.T) {
	collector := NewSignatureCollector(nil, nil)
	stop := make(chan struct{})
	defer close(stop)
	go autoSign(collector, []string{"s1"}, true, stop)

	cfg := fastConfig("s1", "s2", "s3", "s4", "s5")
	cfg.SignatureTimeout = 200 * time.Millisecond
	g := New(cfg, stubEngine{eval: &contracts.PolicyEvaluation{
		Allowed:   true,
		RiskScore: 0.85,
	}}, collector, nil, nil, nil)

	result := g.VerifyAction(context.Background(), "agent-1", "transfer_funds", nil)
	assert.Equal(t, contracts.GuardEscalated, result.Decision)
	assert.Equal(t, contracts.SignatureExpired, result.SignatureStatus)
}

// A critic rejection overrides a signature round that succeeded.
func TestVerifyActionCriticRejectionOverridesSignatures(t *testing.T) {
	collector := NewSignatureCollector(nil, nil)
	stop := make(chan struct{})
	defer close(stop)
	go autoSign(collector, []string{"s1", "s2"}, true, stop)

	critics := NewCriticRegistry(nil)
	critics.Register(stubCritic{id: "skeptic", verdict: "reject"})

	g := New(fastConfig("s1", "s2"), stubEngine{eval: &contracts.PolicyEvaluation{
		Allowed:   true,
		RiskScore: 0.97,
	}}, collector, critics, nil, nil)

	result := g.VerifyAction(context.Background(), "agent-1", "transfer_funds", nil)
	assert.Equal(t, contracts.GuardEscalated, result.Decision)
	assert.Equal(t, contracts.SignatureComplete, result.SignatureStatus)
	assert.Equal(t, "escalated", result.ReviewStatus)
}

func TestVerifyActionCriticalRiskFullyCleared(t *testing.T) {
	collector := NewSignatureCollector(nil, nil)
	stop := make(chan struct{})
	defer close(stop)
	go autoSign(collector, []string{"s1", "s2"}, true, stop)

	critics := NewCriticRegistry(nil)
	critics.Register(stubCritic{id: "reviewer", verdict: "approve"})

	sink := &captureSink{}
	g := New(fastConfig("s1", "s2"), stubEngine{eval: &contracts.PolicyEvaluation{
		Allowed:   true,
		RiskScore: 0.97,
	}}, collector, critics, sink, nil)

	result := g.VerifyAction(context.Background(), "agent-1", "transfer_funds", nil)
	assert.Equal(t, contracts.GuardApproved, result.Decision)
	assert.Equal(t, "approved", result.ReviewStatus)
	assert.Equal(t, 1, sink.count())
}

func TestReviewTypeBuckets(t *testing.T) {
	assert.Equal(t, "financial", reviewTypeFor("transfer_funds"))
	assert.Equal(t, "financial", reviewTypeFor("schedule_payment"))
	assert.Equal(t, "destructive", reviewTypeFor("delete_records"))
	assert.Equal(t, "governance", reviewTypeFor("revoke_access"))
	assert.Equal(t, "general", reviewTypeFor("summarize_report"))
}
