// Package scoring implements the inline impact scorer: a deterministic
// message + context → [0,1] function that the router consults on every
// admitted message. The scorer is budgeted at single-digit milliseconds
// and therefore treats every remote dependency (the embedding backend)
// as optional, degrading to lexical similarity when it is unreachable.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// Weights are the per-dimension contributions to the final score. They
// must sum to 1.0 (±0.001); Validate enforces this at startup.
type Weights struct {
	Semantic   float64 `yaml:"semantic" json:"semantic"`
	Permission float64 `yaml:"permission" json:"permission"`
	Volume     float64 `yaml:"volume" json:"volume"`
	Context    float64 `yaml:"context" json:"context"`
	Drift      float64 `yaml:"drift" json:"drift"`
	Priority   float64 `yaml:"priority" json:"priority"`
	Type       float64 `yaml:"type" json:"type"`
}

// DefaultWeights returns the production weighting.
func DefaultWeights() Weights {
	return Weights{
		Semantic:   0.25,
		Permission: 0.20,
		Volume:     0.10,
		Context:    0.10,
		Drift:      0.10,
		Priority:   0.15,
		Type:       0.10,
	}
}

// Validate checks the weights sum to 1.0 within tolerance.
func (w Weights) Validate() error {
	sum := w.Semantic + w.Permission + w.Volume + w.Context + w.Drift + w.Priority + w.Type
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

// Options tune the scorer beyond its weights.
type Options struct {
	// HighRateCeiling is the per-window request count at which the
	// volume score saturates to 1.0.
	HighRateCeiling int
	// DriftThreshold is the baseline deviation that flags drift.
	DriftThreshold float64
	// DriftHistory is the rolling history length per agent.
	DriftHistory int
	// SemanticBoostThreshold is the semantic score above which the
	// non-linear boost kicks in.
	SemanticBoostThreshold float64
	// LargeAmount is the transaction value considered anomalous.
	LargeAmount float64
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		HighRateCeiling:        50,
		DriftThreshold:         0.3,
		DriftHistory:           20,
		SemanticBoostThreshold: 0.85,
		LargeAmount:            10000,
	}
}

// highRiskPhrases are matched semantically (or lexically in degraded
// mode) against the flattened message text.
var highRiskPhrases = []string{
	"transfer funds",
	"delete all records",
	"grant admin access",
	"execute arbitrary command",
	"disable security controls",
	"export customer data",
	"modify governance policy",
	"approve payment",
}

// permissionTerms indicate sensitive capability requests.
var permissionTerms = []string{
	"admin", "delete", "drop", "transfer", "execute", "payment",
	"withdraw", "grant", "revoke", "sudo", "escalate", "override",
}

// Scorer computes impact scores. Safe for concurrent use.
type Scorer struct {
	weights Weights
	opts    Options

	embedder Embedder
	rate     RateTracker
	drift    *driftBaseline
	logger   *slog.Logger
	clock    func() time.Time

	mu         sync.Mutex
	phraseVecs map[string]Embedding // lazy cache of risk phrase embeddings
}

// New constructs a scorer. embedder may be nil, in which case semantic
// similarity is always lexical. rate may be nil, in which case an
// in-memory tracker with a one-minute window is used.
func New(weights Weights, opts Options, embedder Embedder, rate RateTracker, logger *slog.Logger) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if rate == nil {
		rate = NewMemoryRateTracker(time.Minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		weights:    weights,
		opts:       opts,
		embedder:   embedder,
		rate:       rate,
		drift:      newDriftBaseline(opts.DriftHistory, opts.DriftThreshold),
		logger:     logger,
		clock:      time.Now,
		phraseVecs: make(map[string]Embedding),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Scorer) WithClock(clock func() time.Time) *Scorer {
	s.clock = clock
	return s
}

// Score computes the impact of a message. It never fails on dependency
// errors: degraded dimensions are computed from heuristics and the
// degradation is noted on the result.
func (s *Scorer) Score(ctx context.Context, msg *contracts.Message, scoreCtx map[string]any) contracts.ImpactScore {
	text := FlattenContent(msg.Content)

	semantic, degraded := s.semanticScore(ctx, text)
	permission := permissionScore(text)
	volume := s.volumeScore(ctx, msg.SenderID)
	contextScore := s.contextScore(msg, scoreCtx)

	priority := msg.Priority.Factor()
	msgType := msg.Type.Factor()

	// Drift is observed on the pre-boost raw blend so the baseline is
	// not polluted by the boost itself.
	raw := s.weights.Semantic*semantic +
		s.weights.Permission*permission +
		s.weights.Volume*volume +
		s.weights.Context*contextScore +
		s.weights.Priority*priority +
		s.weights.Type*msgType
	drift := s.drift.observe(msg.SenderID, raw)

	score := raw + s.weights.Drift*drift

	boosted := false
	if msg.Priority == contracts.PriorityCritical || semantic >= s.opts.SemanticBoostThreshold {
		score = score + (1-score)*0.5
		boosted = true
	}

	result := contracts.ImpactScore{
		Score: clamp01(score),
		Dimensions: contracts.ScoreDimensions{
			Semantic:   semantic,
			Permission: permission,
			Volume:     volume,
			Context:    contextScore,
			Drift:      drift,
			Priority:   priority,
			Type:       msgType,
		},
		Boosted:    boosted,
		ComputedAt: s.clock(),
	}
	if degraded {
		result.ModelNote = "lexical-fallback"
	}
	return result
}

// semanticScore returns the max similarity between the text and the
// high-risk phrase set, plus whether the embedding backend was skipped.
func (s *Scorer) semanticScore(ctx context.Context, text string) (float64, bool) {
	if s.embedder == nil {
		return s.lexicalScore(text), true
	}

	textVec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Warn("embedding backend unavailable, falling back to lexical similarity", "error", err)
		return s.lexicalScore(text), true
	}

	best := 0.0
	for _, phrase := range highRiskPhrases {
		vec, err := s.phraseVec(ctx, phrase)
		if err != nil {
			return s.lexicalScore(text), true
		}
		if sim := CosineSimilarity(textVec, vec); sim > best {
			best = sim
		}
	}
	return clamp01(best), false
}

func (s *Scorer) lexicalScore(text string) float64 {
	best := 0.0
	for _, phrase := range highRiskPhrases {
		if sim := lexicalSimilarity(text, phrase); sim > best {
			best = sim
		}
	}
	return clamp01(best)
}

func (s *Scorer) phraseVec(ctx context.Context, phrase string) (Embedding, error) {
	s.mu.Lock()
	if vec, ok := s.phraseVecs[phrase]; ok {
		s.mu.Unlock()
		return vec, nil
	}
	s.mu.Unlock()

	vec, err := s.embedder.Embed(ctx, phrase)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.phraseVecs[phrase] = vec
	s.mu.Unlock()
	return vec, nil
}

func permissionScore(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, term := range permissionTerms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	// One sensitive term is already a strong signal.
	switch {
	case hits == 0:
		return 0
	case hits == 1:
		return 0.7
	default:
		return 1.0
	}
}

// volumeScore scales sub-linearly with the agent's recent request
// count, saturating at the configured ceiling.
func (s *Scorer) volumeScore(ctx context.Context, agentID string) float64 {
	count, err := s.rate.Observe(ctx, agentID)
	if err != nil {
		s.logger.Warn("rate tracker unavailable", "agent_id", agentID, "error", err)
		return 0
	}
	if count <= 1 {
		return 0
	}
	ceiling := float64(s.opts.HighRateCeiling)
	// sqrt scale: half the ceiling already scores ~0.7
	return clamp01(sqrtRatio(float64(count), ceiling))
}

func sqrtRatio(n, ceiling float64) float64 {
	if ceiling <= 0 {
		return 1
	}
	r := n / ceiling
	if r >= 1 {
		return 1
	}
	return math.Sqrt(r)
}

// contextScore layers anomaly heuristics on top of caller-supplied
// context: off-hours activity and unusually large transaction values.
func (s *Scorer) contextScore(msg *contracts.Message, scoreCtx map[string]any) float64 {
	score := 0.0

	at := msg.CreatedAt
	if at.IsZero() {
		at = s.clock()
	}
	if hour := at.Hour(); hour < 6 || hour >= 22 {
		score += 0.4
	}

	if amount, ok := numericField(msg.Payload, "amount"); ok && amount >= s.opts.LargeAmount {
		score += 0.6
	}
	if scoreCtx != nil {
		if flagged, ok := scoreCtx["anomaly"].(bool); ok && flagged {
			score += 0.5
		}
	}
	return clamp01(score)
}

func numericField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// FlattenContent extracts all string values from possibly nested
// message content in deterministic key order.
func FlattenContent(content map[string]any) string {
	var parts []string
	flattenInto(content, &parts)
	return strings.Join(parts, " ")
}

func flattenInto(m map[string]any, out *[]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			*out = append(*out, v)
		case map[string]any:
			flattenInto(v, out)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					*out = append(*out, s)
				} else if nested, ok := item.(map[string]any); ok {
					flattenInto(nested, out)
				}
			}
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
