package deliberation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclavehq/conclave/pkg/contracts"
)

type memoryStore struct {
	mu    sync.Mutex
	tasks map[string]*contracts.DeliberationTask
}

func newMemoryStore() *memoryStore {
	return &memoryStore{tasks: make(map[string]*contracts.DeliberationTask)}
}

func (m *memoryStore) PersistTask(ctx context.Context, task *contracts.DeliberationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *task
	m.tasks[task.TaskID] = &snapshot
	return nil
}

func (m *memoryStore) LoadTasks(ctx context.Context) ([]*contracts.DeliberationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*contracts.DeliberationTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		snapshot := *t
		out = append(out, &snapshot)
	}
	return out, nil
}

type memorySink struct {
	mu     sync.Mutex
	events []contracts.AuditEvent
}

func (m *memorySink) Record(ctx context.Context, event contracts.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func queueMessage(id string) *contracts.Message {
	return &contracts.Message{
		ID:       id,
		SenderID: "agent-1",
		Type:     contracts.TypeGovernance,
		Priority: contracts.PriorityHigh,
		Content:  map[string]any{"text": "rotate the signing keys"},
	}
}

func TestEnqueueDefaults(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{RequiresVote: true})
	require.NoError(t, err)

	task, err := q.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskPending, task.Status)
	assert.Equal(t, 3, task.RequiredVotes)
	assert.Equal(t, 0.66, task.ConsensusThreshold)
	assert.Equal(t, 5*time.Minute, task.VotingDeadline.Sub(task.CreatedAt))
}

func TestEnqueueNilMessage(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	_, err := q.Enqueue(context.Background(), nil, EnqueueOptions{})
	require.Error(t, err)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := NewQueue(nil)
	q.Close()

	_, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{})
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestUnknownTask(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	_, err := q.GetTaskStatus("no-such-task")
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, err = q.SubmitVote(context.Background(), "no-such-task", "agent-1", contracts.VoteApprove, "", 1)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestConsensusApproves(t *testing.T) {
	sink := &memorySink{}
	q := NewQueue(nil, WithAudit(sink))
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{RequiresVote: true})
	require.NoError(t, err)

	ctx := context.Background()
	for _, v := range []struct {
		agent string
		vote  contracts.VoteValue
	}{
		{"agent-a", contracts.VoteApprove},
		{"agent-b", contracts.VoteApprove},
		{"agent-c", contracts.VoteReject},
	} {
		accepted, err := q.SubmitVote(ctx, taskID, v.agent, v.vote, "reviewed", 0.9)
		require.NoError(t, err)
		assert.True(t, accepted)
	}

	status, err := q.GetTaskStatus(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskApproved, status)
	assert.Equal(t, 1, sink.count(), "exactly one verdict event")
}

func TestConsensusRejects(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{RequiresVote: true})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = q.SubmitVote(ctx, taskID, "agent-a", contracts.VoteApprove, "", 1)
	require.NoError(t, err)
	_, err = q.SubmitVote(ctx, taskID, "agent-b", contracts.VoteReject, "", 1)
	require.NoError(t, err)
	_, err = q.SubmitVote(ctx, taskID, "agent-c", contracts.VoteReject, "", 1)
	require.NoError(t, err)

	status, err := q.GetTaskStatus(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskRejected, status)
}

// With a high threshold a single rejection can make consensus
// mathematically unreachable; the task resolves without waiting for the
// remaining voters.
func TestConsensusEarlyTermination(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{
		RequiresVote:       true,
		RequiredVotes:      3,
		ConsensusThreshold: 0.9,
	})
	require.NoError(t, err)

	accepted, err := q.SubmitVote(context.Background(), taskID, "agent-a", contracts.VoteReject, "unsafe", 1)
	require.NoError(t, err)
	assert.True(t, accepted)

	status, err := q.GetTaskStatus(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskRejected, status)
}

func TestVoteAfterTerminalIsIgnored(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{
		RequiresVote:       true,
		RequiredVotes:      1,
		ConsensusThreshold: 0.5,
	})
	require.NoError(t, err)

	accepted, err := q.SubmitVote(context.Background(), taskID, "agent-a", contracts.VoteApprove, "", 1)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = q.SubmitVote(context.Background(), taskID, "agent-b", contracts.VoteReject, "", 1)
	require.NoError(t, err)
	assert.False(t, accepted, "terminal tasks reject further votes without error")
}

func TestRepeatVoteReplaces(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{RequiresVote: true})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = q.SubmitVote(ctx, taskID, "agent-a", contracts.VoteApprove, "first pass", 0.5)
	require.NoError(t, err)
	_, err = q.SubmitVote(ctx, taskID, "agent-a", contracts.VoteReject, "changed my mind", 0.8)
	require.NoError(t, err)

	task, err := q.GetTask(taskID)
	require.NoError(t, err)
	require.Len(t, task.Votes, 1)
	vote, ok := task.VoteFor("agent-a")
	require.True(t, ok)
	assert.Equal(t, contracts.VoteReject, vote.Vote)
	assert.Equal(t, 0.8, vote.Confidence)
}

func TestHumanDecision(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{RequiresHumanReview: true})
	require.NoError(t, err)

	accepted, err := q.SubmitHumanDecision(context.Background(), taskID, "alice", "approve", "looks safe")
	require.NoError(t, err)
	assert.True(t, accepted)

	task, err := q.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskApproved, task.Status)
	assert.Equal(t, "alice", task.HumanReviewer)

	// A second decision against the terminal task is a no-op.
	accepted, err = q.SubmitHumanDecision(context.Background(), taskID, "bob", "reject", "too late")
	require.NoError(t, err)
	assert.False(t, accepted)

	task, err = q.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskApproved, task.Status)
	assert.Equal(t, "alice", task.HumanReviewer)
}

func TestHumanRejection(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{RequiresHumanReview: true})
	require.NoError(t, err)

	accepted, err := q.SubmitHumanDecision(context.Background(), taskID, "alice", "reject", "out of policy")
	require.NoError(t, err)
	assert.True(t, accepted)

	status, err := q.GetTaskStatus(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskRejected, status)
}

func TestDeadlineExpiry(t *testing.T) {
	sink := &memorySink{}
	q := NewQueue(nil, WithAudit(sink))
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{
		RequiresVote: true,
		Timeout:      30 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		status, err := q.GetTaskStatus(taskID)
		return err == nil && status == contracts.TaskTimedOut
	}, 2*time.Second, 10*time.Millisecond)

	// Expiry is exactly-once: the audit trail carries a single verdict
	// and late votes bounce off the terminal state.
	assert.Equal(t, 1, sink.count())
	accepted, err := q.SubmitVote(context.Background(), taskID, "agent-a", contracts.VoteApprove, "", 1)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestResolutionBeatsDeadline(t *testing.T) {
	sink := &memorySink{}
	q := NewQueue(nil, WithAudit(sink))
	defer q.Close()

	taskID, err := q.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{
		RequiresVote:       true,
		RequiredVotes:      1,
		ConsensusThreshold: 0.5,
		Timeout:            50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = q.SubmitVote(context.Background(), taskID, "agent-a", contracts.VoteApprove, "", 1)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	status, err := q.GetTaskStatus(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskApproved, status, "expiry racing a resolved task is a no-op")
	assert.Equal(t, 1, sink.count())
}

func TestRestoreReloadsPersistedTasks(t *testing.T) {
	store := newMemoryStore()

	first := NewQueue(nil, WithStore(store))
	taskID, err := first.Enqueue(context.Background(), queueMessage("m1"), EnqueueOptions{RequiresVote: true})
	require.NoError(t, err)
	first.Close()

	second := NewQueue(nil, WithStore(store))
	defer second.Close()
	require.NoError(t, second.Restore(context.Background()))

	status, err := second.GetTaskStatus(taskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskPending, status)
}

func TestStats(t *testing.T) {
	q := NewQueue(nil)
	defer q.Close()

	ctx := context.Background()
	_, err := q.Enqueue(ctx, queueMessage("m1"), EnqueueOptions{RequiresVote: true})
	require.NoError(t, err)

	resolved, err := q.Enqueue(ctx, queueMessage("m2"), EnqueueOptions{RequiresHumanReview: true})
	require.NoError(t, err)
	_, err = q.SubmitHumanDecision(ctx, resolved, "alice", "approve", "")
	require.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[contracts.TaskPending])
	assert.Equal(t, 1, stats.ByStatus[contracts.TaskApproved])
}
