package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/conclavehq/conclave/pkg/contracts"
)

var (
	// ErrUnknownRound is returned when a signature arrives for a
	// decision with no open collection round.
	ErrUnknownRound = errors.New("no open signature round for decision")
	// ErrNotRequiredSigner is returned when the signer is not on the
	// required list.
	ErrNotRequiredSigner = errors.New("signer not on required list")
	// ErrBadSignerToken is returned when the signer identity token
	// fails verification.
	ErrBadSignerToken = errors.New("invalid signer token")
)

// signatureRound is one open collection window.
type signatureRound struct {
	result   *contracts.SignatureResult
	resolved chan struct{}
	done     bool
}

// SignatureCollector accepts signer attestations for high-risk
// decisions and resolves each round when the threshold fraction of
// required signers has approved, or expires it at the deadline.
type SignatureCollector struct {
	mu     sync.Mutex
	rounds map[string]*signatureRound

	signingSecret []byte // optional HMAC secret for signer tokens
	logger        *slog.Logger
	clock         func() time.Time
}

// NewSignatureCollector constructs a collector. signingSecret may be
// nil, in which case signer tokens are not required.
func NewSignatureCollector(signingSecret []byte, logger *slog.Logger) *SignatureCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignatureCollector{
		rounds:        make(map[string]*signatureRound),
		signingSecret: signingSecret,
		logger:        logger,
		clock:         time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *SignatureCollector) WithClock(clock func() time.Time) *SignatureCollector {
	c.clock = clock
	return c
}

// Collect opens a round for the decision and blocks until the
// threshold is met (status COMPLETE) or the timeout elapses (status
// EXPIRED). The round keeps accepting signatures until resolution even
// if the caller abandons the context; resolution state is returned
// as-is at cancellation.
func (c *SignatureCollector) Collect(ctx context.Context, decisionID string, requiredSigners []string, threshold float64, timeout time.Duration) (*contracts.SignatureResult, error) {
	if len(requiredSigners) == 0 {
		return nil, errors.New("required signer list is empty")
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("signature threshold must be in (0,1], got %.3f", threshold)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}

	round := &signatureRound{
		result: &contracts.SignatureResult{
			DecisionID:      decisionID,
			RequiredSigners: append([]string(nil), requiredSigners...),
			Threshold:       threshold,
			Status:          contracts.SignaturePending,
		},
		resolved: make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.rounds[decisionID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("signature round already open for decision %s", decisionID)
	}
	c.rounds[decisionID] = round
	c.mu.Unlock()

	// The deadline watcher runs detached from the caller: the round
	// resolves or expires even if the caller abandons its context.
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-round.resolved:
		case <-timer.C:
			c.expire(decisionID)
		}
		// Keep the resolved round queryable briefly for abandoned
		// callers, then reclaim it.
		time.AfterFunc(time.Minute, func() { c.remove(decisionID) })
	}()

	select {
	case <-round.resolved:
		result := c.snapshot(decisionID)
		c.remove(decisionID)
		return result, nil
	case <-ctx.Done():
		return c.snapshot(decisionID), ctx.Err()
	}
}

// PendingRounds lists decision IDs with an open signature round.
// Notification fan-out to signers keys off this.
func (c *SignatureCollector) PendingRounds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rounds))
	for id, round := range c.rounds {
		if !round.done {
			out = append(out, id)
		}
	}
	return out
}

func (c *SignatureCollector) remove(decisionID string) {
	c.mu.Lock()
	delete(c.rounds, decisionID)
	c.mu.Unlock()
}

// Submit records one signer's attestation. token is the signer's
// identity token; it is verified when the collector was built with a
// signing secret. Returns false with a nil error when the round has
// already resolved.
func (c *SignatureCollector) Submit(ctx context.Context, decisionID, signerID string, approved bool, reasoning string, confidence float64, token string) (bool, error) {
	_ = ctx
	if err := c.verifyToken(signerID, token); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	round, ok := c.rounds[decisionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRound, decisionID)
	}
	if round.done {
		return false, nil
	}
	if !contains(round.result.RequiredSigners, signerID) {
		return false, fmt.Errorf("%w: %s", ErrNotRequiredSigner, signerID)
	}

	sig := contracts.Signature{
		SignerID:   signerID,
		Approved:   approved,
		Reasoning:  reasoning,
		Confidence: confidence,
		Timestamp:  c.clock(),
	}
	replaced := false
	for i := range round.result.Signatures {
		if round.result.Signatures[i].SignerID == signerID {
			round.result.Signatures[i] = sig
			replaced = true
			break
		}
	}
	if !replaced {
		round.result.Signatures = append(round.result.Signatures, sig)
	}

	if round.result.ThresholdMet() {
		round.result.Status = contracts.SignatureComplete
		round.result.CompletedAt = c.clock()
		round.done = true
		close(round.resolved)
	}
	return true, nil
}

// verifyToken checks an HS256 signer token binding the signer identity.
func (c *SignatureCollector) verifyToken(signerID, token string) error {
	if len(c.signingSecret) == 0 {
		return nil
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.signingSecret, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrBadSignerToken, err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub != signerID {
		return fmt.Errorf("%w: subject mismatch", ErrBadSignerToken)
	}
	return nil
}

func (c *SignatureCollector) expire(decisionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	round, ok := c.rounds[decisionID]
	if !ok || round.done {
		return
	}
	round.result.Status = contracts.SignatureExpired
	round.result.CompletedAt = c.clock()
	round.done = true
	close(round.resolved)
	c.logger.Warn("signature round expired",
		"decision_id", decisionID,
		"signatures", len(round.result.Signatures),
		"required", len(round.result.RequiredSigners))
}

func (c *SignatureCollector) snapshot(decisionID string) *contracts.SignatureResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	round, ok := c.rounds[decisionID]
	if !ok {
		return nil
	}
	out := *round.result
	out.Signatures = append([]contracts.Signature(nil), round.result.Signatures...)
	out.RequiredSigners = append([]string(nil), round.result.RequiredSigners...)
	return &out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
