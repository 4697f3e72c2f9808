package scoring

import (
	"math"
	"sync"
)

// driftBaseline tracks a rolling history of per-agent raw scores and
// flags behavioral drift once the newest observation deviates from the
// rolling mean by more than the configured threshold.
type driftBaseline struct {
	mu        sync.Mutex
	history   map[string][]float64
	maxLen    int
	threshold float64
}

func newDriftBaseline(maxLen int, threshold float64) *driftBaseline {
	return &driftBaseline{
		history:   make(map[string][]float64),
		maxLen:    maxLen,
		threshold: threshold,
	}
}

// observe records the observation and returns the drift score in [0,1].
// With fewer than three observations there is no baseline to deviate
// from and the score is zero.
func (d *driftBaseline) observe(agentID string, value float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	hist := d.history[agentID]

	var drift float64
	if len(hist) >= 3 {
		var sum float64
		for _, v := range hist {
			sum += v
		}
		mean := sum / float64(len(hist))
		deviation := math.Abs(value - mean)
		if deviation > d.threshold {
			drift = clamp01(deviation / (d.threshold * 2))
		}
	}

	hist = append(hist, value)
	if len(hist) > d.maxLen {
		hist = hist[len(hist)-d.maxLen:]
	}
	d.history[agentID] = hist

	return drift
}
