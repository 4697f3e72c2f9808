package scoring

import (
	"context"
	"sync"
	"time"
)

// RateTracker observes one request per call and reports how many the
// agent made inside the rolling window, the new request included.
type RateTracker interface {
	Observe(ctx context.Context, agentID string) (int, error)
}

// MemoryRateTracker keeps per-agent timestamp rings in memory. It is
// the default tracker for single-process deployments; the Redis
// tracker in pkg/store replaces it when scoring runs on several nodes.
type MemoryRateTracker struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
	clock  func() time.Time
}

func NewMemoryRateTracker(window time.Duration) *MemoryRateTracker {
	return &MemoryRateTracker{
		window: window,
		events: make(map[string][]time.Time),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *MemoryRateTracker) WithClock(clock func() time.Time) *MemoryRateTracker {
	t.clock = clock
	return t
}

func (t *MemoryRateTracker) Observe(ctx context.Context, agentID string) (int, error) {
	_ = ctx
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	cutoff := now.Add(-t.window)

	kept := t.events[agentID][:0]
	for _, ts := range t.events[agentID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.events[agentID] = kept
	return len(kept), nil
}
