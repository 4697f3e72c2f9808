package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conclavehq/conclave/pkg/deliberation"
	"github.com/conclavehq/conclave/pkg/guard"
	"github.com/conclavehq/conclave/pkg/routing"
	"github.com/conclavehq/conclave/pkg/scoring"
)

// Profile is a YAML tuning profile for the deliberation pipeline:
// scorer weights, routing thresholds, guard configuration, and queue
// defaults.
type Profile struct {
	Name    string             `yaml:"name"`
	Weights scoring.Weights    `yaml:"weights"`
	Routing routing.Thresholds `yaml:"routing"`
	Guard   guard.Config       `yaml:"guard"`
	Queue   QueueDefaults      `yaml:"queue"`
}

// QueueDefaults configure tasks the router enqueues.
type QueueDefaults struct {
	RequiresHumanReview bool          `yaml:"requires_human_review"`
	RequiresVote        bool          `yaml:"requires_vote"`
	Timeout             time.Duration `yaml:"timeout"`
	RequiredVotes       int           `yaml:"required_votes"`
	ConsensusThreshold  float64       `yaml:"consensus_threshold"`
}

// EnqueueOptions converts the defaults to queue options.
func (q QueueDefaults) EnqueueOptions() deliberation.EnqueueOptions {
	return deliberation.EnqueueOptions{
		RequiresHumanReview: q.RequiresHumanReview,
		RequiresVote:        q.RequiresVote,
		Timeout:             q.Timeout,
		RequiredVotes:       q.RequiredVotes,
		ConsensusThreshold:  q.ConsensusThreshold,
	}
}

// DefaultProfile returns the production defaults used when no profile
// file is configured.
func DefaultProfile() *Profile {
	queueDefaults := deliberation.DefaultEnqueueOptions()
	return &Profile{
		Name:    "default",
		Weights: scoring.DefaultWeights(),
		Routing: routing.DefaultThresholds(),
		Guard:   guard.DefaultConfig(),
		Queue: QueueDefaults{
			RequiresVote:       queueDefaults.RequiresVote,
			Timeout:            queueDefaults.Timeout,
			RequiredVotes:      queueDefaults.RequiredVotes,
			ConsensusThreshold: queueDefaults.ConsensusThreshold,
		},
	}
}

// LoadProfile reads and validates a YAML profile. Missing sections
// fall back to defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	if err := profile.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	if err := profile.Routing.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return profile, nil
}
