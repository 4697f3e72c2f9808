package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultProfileIsValid(t *testing.T) {
	p := DefaultProfile()
	require.NoError(t, p.Weights.Validate())
	require.NoError(t, p.Routing.Validate())
	assert.Equal(t, "default", p.Name)
	assert.True(t, p.Queue.RequiresVote)
}

func TestLoadProfileOverrides(t *testing.T) {
	path := writeProfile(t, `
name: strict
routing:
  base: 0.7
  factual_ceiling: 0.5
  creative_floor: 0.85
queue:
  requires_vote: true
  requires_human_review: true
  timeout: 10m
  required_votes: 5
  consensus_threshold: 0.8
`)
	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "strict", p.Name)
	assert.Equal(t, 0.7, p.Routing.Base)
	assert.Equal(t, 5, p.Queue.RequiredVotes)
	assert.Equal(t, 10*time.Minute, p.Queue.Timeout)

	// Sections the file omits keep their defaults.
	assert.Equal(t, 0.25, p.Weights.Semantic)
	assert.Equal(t, 0.8, p.Guard.HighRiskThreshold)

	opts := p.Queue.EnqueueOptions()
	assert.True(t, opts.RequiresHumanReview)
	assert.Equal(t, 0.8, opts.ConsensusThreshold)
}

func TestLoadProfileRejectsBadWeights(t *testing.T) {
	path := writeProfile(t, `
weights:
  semantic: 0.9
  permission: 0.9
  volume: 0.1
  context: 0.1
  drift: 0.1
  priority: 0.1
  type: 0.1
`)
	_, err := LoadProfile(path)
	require.Error(t, err)
}

func TestLoadProfileRejectsBadThresholds(t *testing.T) {
	path := writeProfile(t, `
routing:
  base: 0.5
  factual_ceiling: 0.9
  creative_floor: 0.95
`)
	_, err := LoadProfile(path)
	require.Error(t, err)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TASK_STORE_PATH", "/tmp/tasks.db")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SERVICE_VERSION", "")

	cfg := Load()
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/tmp/tasks.db", cfg.TaskStorePath)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "dev", cfg.ServiceVersion)
}
