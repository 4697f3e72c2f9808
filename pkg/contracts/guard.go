package contracts

import "time"

// GuardDecision is the verdict a policy guard returns for an action.
type GuardDecision string

const (
	GuardApproved    GuardDecision = "APPROVED"
	GuardDenied      GuardDecision = "DENIED"
	GuardEscalated   GuardDecision = "ESCALATED"
	GuardNeedsReview GuardDecision = "NEEDS_REVIEW"
)

// GuardResult is the full outcome of a verification call, including the
// signature and critic rounds when risk demanded them.
type GuardResult struct {
	DecisionID         string           `json:"decision_id"`
	Decision           GuardDecision    `json:"decision"`
	RiskScore          float64          `json:"risk_score"`
	RequiredSignatures []string         `json:"required_signatures,omitempty"`
	SignatureStatus    SignatureStatus  `json:"signature_status,omitempty"`
	ReviewStatus       string           `json:"review_status,omitempty"`
	Reasoning          string           `json:"reasoning"`
	AuditRecordRef     string           `json:"audit_record_ref,omitempty"`
	Signatures         *SignatureResult `json:"signatures,omitempty"`
	Review             *ReviewResult    `json:"review,omitempty"`
	EvaluatedAt        time.Time        `json:"evaluated_at"`
}

// SignatureStatus describes the state of a signature collection round.
type SignatureStatus string

const (
	SignaturePending  SignatureStatus = "PENDING"
	SignatureComplete SignatureStatus = "COMPLETE"
	SignatureExpired  SignatureStatus = "EXPIRED"
)

// Signature is one signer's attestation on a decision.
type Signature struct {
	SignerID   string    `json:"signer_id"`
	Approved   bool      `json:"approved"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// SignatureResult aggregates signatures against a required-signer list
// and a threshold fraction.
type SignatureResult struct {
	DecisionID      string          `json:"decision_id"`
	RequiredSigners []string        `json:"required_signers"`
	Threshold       float64         `json:"threshold"` // fraction of required signers
	Signatures      []Signature     `json:"signatures"`
	Status          SignatureStatus `json:"status"`
	CompletedAt     time.Time       `json:"completed_at,omitempty"`
}

// ThresholdMet reports whether enough approving signatures arrived.
func (r *SignatureResult) ThresholdMet() bool {
	if len(r.RequiredSigners) == 0 {
		return false
	}
	approved := 0
	for _, s := range r.Signatures {
		if s.Approved {
			approved++
		}
	}
	return float64(approved)/float64(len(r.RequiredSigners)) >= r.Threshold
}

// CriticReview is one critic agent's assessment of a decision.
type CriticReview struct {
	CriticID        string    `json:"critic_id"`
	Verdict         string    `json:"verdict"` // "approve", "reject", "abstain"
	Concerns        []string  `json:"concerns,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Confidence      float64   `json:"confidence"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReviewResult aggregates critic reviews for a decision. The default
// aggregation is fail-closed: any critic rejection escalates the
// overall decision rather than being outvoted.
type ReviewResult struct {
	DecisionID  string         `json:"decision_id"`
	Reviews     []CriticReview `json:"reviews"`
	Status      string         `json:"status"` // "approved", "escalated", "expired"
	AnyRejected bool           `json:"any_rejected"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}
