package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclavehq/conclave/pkg/contracts"
)

func openTestStore(t *testing.T) *SQLiteTaskStore {
	t.Helper()
	s, err := OpenSQLiteTaskStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storedTask(id string, status contracts.TaskStatus) *contracts.DeliberationTask {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	return &contracts.DeliberationTask{
		TaskID: id,
		Message: &contracts.Message{
			ID:       "msg-" + id,
			SenderID: "agent-1",
			Type:     contracts.TypeGovernance,
			Priority: contracts.PriorityHigh,
			Content:  map[string]any{"text": "rotate keys"},
		},
		Status:             status,
		RequiresVote:       true,
		RequiredVotes:      3,
		ConsensusThreshold: 0.66,
		CreatedAt:          now,
		UpdatedAt:          now,
		VotingDeadline:     now.Add(5 * time.Minute),
	}
}

func TestPersistAndLoadRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := storedTask("t1", contracts.TaskPending)
	task.Votes = []contracts.AgentVote{
		{AgentID: "agent-a", Vote: contracts.VoteApprove, Confidence: 0.9, Timestamp: task.CreatedAt},
	}
	require.NoError(t, s.PersistTask(ctx, task))

	loaded, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, contracts.TaskPending, got.Status)
	assert.Equal(t, "msg-t1", got.Message.ID)
	require.Len(t, got.Votes, 1)
	assert.Equal(t, contracts.VoteApprove, got.Votes[0].Vote)
	assert.True(t, got.VotingDeadline.Equal(task.VotingDeadline))
}

func TestPersistUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := storedTask("t1", contracts.TaskPending)
	require.NoError(t, s.PersistTask(ctx, task))

	task.Status = contracts.TaskApproved
	task.Resolution = "consensus reached: 3/3 approve"
	task.UpdatedAt = task.UpdatedAt.Add(time.Minute)
	require.NoError(t, s.PersistTask(ctx, task))

	loaded, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, contracts.TaskApproved, loaded[0].Status)
	assert.Equal(t, "consensus reached: 3/3 approve", loaded[0].Resolution)
}

func TestLoadTasksOrderedByCreation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := storedTask("older", contracts.TaskPending)
	newer := storedTask("newer", contracts.TaskPending)
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)

	require.NoError(t, s.PersistTask(ctx, newer))
	require.NoError(t, s.PersistTask(ctx, older))

	loaded, err := s.LoadTasks(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "older", loaded[0].TaskID)
	assert.Equal(t, "newer", loaded[1].TaskID)
}

func TestLoadEmptyStore(t *testing.T) {
	s := openTestStore(t)
	loaded, err := s.LoadTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
