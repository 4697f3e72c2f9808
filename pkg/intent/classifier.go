// Package intent classifies message text into a coarse taxonomy used
// by the router to bias its threshold. Classification is deterministic
// keyword matching; it must stay sub-millisecond because it runs on
// the fast path of every routing decision.
package intent

import (
	"context"
	"strings"
	"time"

	"github.com/conclavehq/conclave/pkg/contracts"
)

var reasoningMarkers = []string{
	"why", "explain", "analyze", "compare", "evaluate", "derive",
	"prove", "reason", "justify", "deduce",
}

var factualMarkers = []string{
	"what is", "what are", "who is", "who was", "when did", "when was",
	"where is", "how many", "how much", "define", "list the",
}

var creativeMarkers = []string{
	"write a", "compose", "imagine", "invent", "brainstorm",
	"story", "poem", "design a", "draft a",
}

// Classifier is the synchronous heuristic classifier.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify maps text to an intent. Precedence: reasoning markers win
// over factual patterns (an analytical question is reasoning even when
// phrased as "what is"), creative markers are checked last before the
// general fallback.
func (c *Classifier) Classify(text string) contracts.IntentType {
	lower := strings.ToLower(text)

	for _, m := range reasoningMarkers {
		if containsWord(lower, m) {
			return contracts.IntentReasoning
		}
	}
	for _, m := range factualMarkers {
		if strings.Contains(lower, m) {
			return contracts.IntentFactual
		}
	}
	for _, m := range creativeMarkers {
		if strings.Contains(lower, m) {
			return contracts.IntentCreative
		}
	}
	return contracts.IntentGeneral
}

func containsWord(text, word string) bool {
	idx := strings.Index(text, word)
	for idx >= 0 {
		before := idx == 0 || !isLetter(text[idx-1])
		afterIdx := idx + len(word)
		after := afterIdx >= len(text) || !isLetter(text[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], word)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// SlowClassifier is an optional higher-fidelity classifier consulted
// for ambiguous input, typically a remote model.
type SlowClassifier interface {
	Classify(ctx context.Context, text string) (contracts.IntentType, error)
}

// AsyncClassifier defers ambiguous (GENERAL) results to a slower
// classifier without ever blocking the routing decision beyond its
// deadline: on timeout or error it returns the heuristic result.
type AsyncClassifier struct {
	fast    *Classifier
	slow    SlowClassifier
	timeout time.Duration
}

func NewAsyncClassifier(slow SlowClassifier, timeout time.Duration) *AsyncClassifier {
	return &AsyncClassifier{
		fast:    NewClassifier(),
		slow:    slow,
		timeout: timeout,
	}
}

// Classify returns the heuristic intent immediately for unambiguous
// text, and otherwise races the slow classifier against the deadline.
func (a *AsyncClassifier) Classify(ctx context.Context, text string) contracts.IntentType {
	heuristic := a.fast.Classify(text)
	if heuristic != contracts.IntentGeneral || a.slow == nil {
		return heuristic
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		intent contracts.IntentType
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		intent, err := a.slow.Classify(ctx, text)
		ch <- result{intent, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return heuristic
		}
		return r.intent
	case <-ctx.Done():
		return heuristic
	}
}
