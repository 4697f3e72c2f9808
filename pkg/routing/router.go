// Package routing implements the adaptive router: the inline decision
// of whether a message may proceed on the fast lane or must pass
// through deliberation. The effective threshold flexes per intent and
// the router keeps an online false-positive/false-negative tally fed by
// outcome notifications.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conclavehq/conclave/pkg/contracts"
	"github.com/conclavehq/conclave/pkg/deliberation"
	"github.com/conclavehq/conclave/pkg/scoring"
)

// MessageScorer is the scoring dependency.
type MessageScorer interface {
	Score(ctx context.Context, msg *contracts.Message, scoreCtx map[string]any) contracts.ImpactScore
}

// IntentClassifier is the classification dependency.
type IntentClassifier interface {
	Classify(text string) contracts.IntentType
}

// Enqueuer is the deliberation-lane dependency.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *contracts.Message, opts deliberation.EnqueueOptions) (string, error)
}

// Thresholds configure routing sensitivity.
type Thresholds struct {
	// Base is the starting threshold before intent adjustment.
	Base float64 `yaml:"base" json:"base"`
	// FactualCeiling caps the effective threshold for FACTUAL intent
	// (factual errors are high-cost, review more).
	FactualCeiling float64 `yaml:"factual_ceiling" json:"factual_ceiling"`
	// CreativeFloor is the minimum effective threshold for CREATIVE
	// intent (tolerate more latitude without review).
	CreativeFloor float64 `yaml:"creative_floor" json:"creative_floor"`
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Base: 0.8, FactualCeiling: 0.6, CreativeFloor: 0.9}
}

// Validate rejects inverted or out-of-range thresholds.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"base": t.Base, "factual_ceiling": t.FactualCeiling, "creative_floor": t.CreativeFloor,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("threshold %s must be in (0,1], got %.3f", name, v)
		}
	}
	if t.FactualCeiling > t.Base {
		return fmt.Errorf("factual_ceiling %.3f must not exceed base %.3f", t.FactualCeiling, t.Base)
	}
	return nil
}

// Stats report routing volume and feedback-loop quality.
type Stats struct {
	Total            int64   `json:"total"`
	FastLane         int64   `json:"fast_lane"`
	DeliberationLane int64   `json:"deliberation_lane"`
	Forced           int64   `json:"forced"`
	FalsePositives   int64   `json:"false_positives"` // deliberated, turned out harmless
	FalseNegatives   int64   `json:"false_negatives"` // fast-laned, turned out harmful
	DeliberationRate float64 `json:"deliberation_rate"`
}

// Router combines scorer and classifier output into lane decisions.
type Router struct {
	thresholds Thresholds
	scorer     MessageScorer
	classifier IntentClassifier
	queue      Enqueuer
	enqueue    deliberation.EnqueueOptions
	logger     *slog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	stats    Stats
	recent   map[string]contracts.Lane // messageID → lane, for outcome feedback
	recentFn []string                  // insertion order ring for eviction
	maxKeep  int

	decisions metric.Int64Counter
}

// NewRouter constructs a router. enqueueOpts are applied to every task
// the router creates on the deliberation lane.
func NewRouter(thresholds Thresholds, scorer MessageScorer, classifier IntentClassifier, queue Enqueuer, enqueueOpts deliberation.EnqueueOptions, logger *slog.Logger) (*Router, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("conclave/routing")
	decisions, err := meter.Int64Counter("routing.decisions",
		metric.WithDescription("Routing decisions by lane"))
	if err != nil {
		return nil, fmt.Errorf("create routing metric: %w", err)
	}
	return &Router{
		thresholds: thresholds,
		scorer:     scorer,
		classifier: classifier,
		queue:      queue,
		enqueue:    enqueueOpts,
		logger:     logger,
		clock:      time.Now,
		recent:     make(map[string]contracts.Lane),
		maxKeep:    4096,
		decisions:  decisions,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// Route decides the lane for a message. On the deliberation lane the
// task is created before the decision is returned, so the caller holds
// a task reference; on the fast lane no task exists.
func (r *Router) Route(ctx context.Context, msg *contracts.Message, scoreCtx map[string]any) (*contracts.RoutingDecision, error) {
	score := r.scorer.Score(ctx, msg, scoreCtx)
	text := scoring.FlattenContent(msg.Content)
	intentType := r.classifier.Classify(text)
	effective := r.effectiveThreshold(intentType)

	decision := &contracts.RoutingDecision{
		MessageID:          msg.ID,
		ImpactScore:        score,
		Intent:             intentType,
		EffectiveThreshold: effective,
		DecidedAt:          r.clock(),
	}

	if score.Score >= effective {
		taskID, err := r.queue.Enqueue(ctx, msg, r.enqueue)
		if err != nil {
			return nil, fmt.Errorf("enqueue for deliberation: %w", err)
		}
		decision.Lane = contracts.LaneDeliberation
		decision.TaskID = taskID
		decision.Reason = fmt.Sprintf("impact %.3f >= threshold %.3f (intent %s)", score.Score, effective, intentType)
	} else {
		decision.Lane = contracts.LaneFast
		decision.Reason = fmt.Sprintf("impact %.3f < threshold %.3f (intent %s)", score.Score, effective, intentType)
	}

	r.recordDecision(ctx, decision)
	return decision, nil
}

// ForceDeliberation bypasses scoring and always enqueues. Used by
// upstream policy checks that already know the action is sensitive.
func (r *Router) ForceDeliberation(ctx context.Context, msg *contracts.Message, reason string) (*contracts.RoutingDecision, error) {
	taskID, err := r.queue.Enqueue(ctx, msg, r.enqueue)
	if err != nil {
		return nil, fmt.Errorf("forced enqueue: %w", err)
	}
	decision := &contracts.RoutingDecision{
		MessageID: msg.ID,
		Lane:      contracts.LaneDeliberation,
		Intent:    contracts.IntentGeneral,
		Reason:    "forced: " + reason,
		TaskID:    taskID,
		DecidedAt: r.clock(),
		Forced:    true,
	}
	r.recordDecision(ctx, decision)
	return decision, nil
}

// effectiveThreshold applies the intent bias to the base threshold.
func (r *Router) effectiveThreshold(intentType contracts.IntentType) float64 {
	base := r.thresholds.Base
	switch intentType {
	case contracts.IntentFactual:
		adjusted := base - 0.2
		if adjusted > r.thresholds.FactualCeiling {
			adjusted = r.thresholds.FactualCeiling
		}
		return adjusted
	case contracts.IntentCreative:
		adjusted := base + 0.1
		if adjusted < r.thresholds.CreativeFloor {
			adjusted = r.thresholds.CreativeFloor
		}
		if adjusted > 1 {
			adjusted = 1
		}
		return adjusted
	default:
		return base
	}
}

func (r *Router) recordDecision(ctx context.Context, d *contracts.RoutingDecision) {
	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lane", string(d.Lane)),
		attribute.String("intent", string(d.Intent)),
		attribute.Bool("forced", d.Forced)))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Total++
	switch d.Lane {
	case contracts.LaneFast:
		r.stats.FastLane++
	case contracts.LaneDeliberation:
		r.stats.DeliberationLane++
	}
	if d.Forced {
		r.stats.Forced++
	}

	if _, seen := r.recent[d.MessageID]; !seen {
		r.recentFn = append(r.recentFn, d.MessageID)
	}
	r.recent[d.MessageID] = d.Lane
	for len(r.recentFn) > r.maxKeep {
		evict := r.recentFn[0]
		r.recentFn = r.recentFn[1:]
		delete(r.recent, evict)
	}
}

// RecordOutcome feeds the actual outcome of a routed message back into
// the quality counters. Fire and forget: the update happens off the
// caller's path and unknown message IDs are ignored.
func (r *Router) RecordOutcome(messageID string, harmful bool) {
	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		lane, ok := r.recent[messageID]
		if !ok {
			return
		}
		if lane == contracts.LaneDeliberation && !harmful {
			r.stats.FalsePositives++
		}
		if lane == contracts.LaneFast && harmful {
			r.stats.FalseNegatives++
		}
	}()
}

// Stats returns a snapshot of routing quality counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	if s.Total > 0 {
		s.DeliberationRate = float64(s.DeliberationLane) / float64(s.Total)
	}
	return s
}
