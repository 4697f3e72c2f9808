// Package voting runs standalone elections for consensus decisions
// that do not live inside the deliberation queue. An election carries
// its own participant set, strategy, and deadline; an election the
// deadline catches unresolved expires with no verdict.
package voting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conclavehq/conclave/pkg/contracts"
)

var (
	// ErrElectionNotFound is returned for an unknown election ID.
	ErrElectionNotFound = errors.New("election not found")
	// ErrNotParticipant is returned when a voter is not on the
	// participant list.
	ErrNotParticipant = errors.New("voter is not an election participant")
)

// Service owns the Election lifecycle.
type Service struct {
	mu        sync.Mutex
	elections map[string]*contracts.Election

	audit  contracts.AuditSink // optional
	logger *slog.Logger
	clock  func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// NewService constructs a voting service and starts its expiry sweeper.
func NewService(logger *slog.Logger, audit contracts.AuditSink) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		elections:  make(map[string]*contracts.Election),
		audit:      audit,
		logger:     logger,
		clock:      time.Now,
		sweepEvery: time.Second,
		done:       make(chan struct{}),
	}
	go s.sweep()
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Close stops the expiry sweeper.
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// CreateElection opens an election over the subject message.
func (s *Service) CreateElection(ctx context.Context, subjectMessageID string, participants []string, strategy contracts.ConsensusStrategy, timeout time.Duration) (string, error) {
	_ = ctx
	if len(participants) == 0 {
		return "", errors.New("election needs at least one participant")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	switch strategy {
	case contracts.StrategyQuorum, contracts.StrategyUnanimous, contracts.StrategySuperMajority:
	default:
		return "", fmt.Errorf("unknown consensus strategy %q", strategy)
	}

	now := s.clock()
	election := &contracts.Election{
		ElectionID:       uuid.New().String(),
		SubjectMessageID: subjectMessageID,
		Strategy:         strategy,
		Participants:     append([]string(nil), participants...),
		Votes:            make(map[string]contracts.VoteValue),
		Status:           contracts.ElectionOpen,
		CreatedAt:        now,
		ExpiresAt:        now.Add(timeout),
	}

	s.mu.Lock()
	s.elections[election.ElectionID] = election
	s.mu.Unlock()

	s.logger.Info("election created",
		"election_id", election.ElectionID,
		"subject", subjectMessageID,
		"strategy", strategy,
		"participants", len(participants))
	return election.ElectionID, nil
}

// CastVote records a participant's vote. Votes from non-participants
// and votes on a CLOSED or EXPIRED election are rejected with a false
// result. A participant may revise their vote while the election is
// open. After each vote the strategy is checked for early resolution.
func (s *Service) CastVote(ctx context.Context, electionID, participantID string, vote contracts.VoteValue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	election, ok := s.elections[electionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrElectionNotFound, electionID)
	}
	if election.Status != contracts.ElectionOpen {
		return false, nil
	}
	if s.clock().After(election.ExpiresAt) {
		s.expireLocked(ctx, election)
		return false, nil
	}
	if !isParticipant(election, participantID) {
		return false, fmt.Errorf("%w: %s", ErrNotParticipant, participantID)
	}

	election.Votes[participantID] = vote
	s.checkResolutionLocked(ctx, election)
	return true, nil
}

// GetElection returns a snapshot of the election.
func (s *Service) GetElection(electionID string) (*contracts.Election, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	election, ok := s.elections[electionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrElectionNotFound, electionID)
	}
	snapshot := *election
	snapshot.Votes = make(map[string]contracts.VoteValue, len(election.Votes))
	for k, v := range election.Votes {
		snapshot.Votes[k] = v
	}
	snapshot.Participants = append([]string(nil), election.Participants...)
	return &snapshot, nil
}

// checkResolutionLocked applies the strategy's early-resolution rule.
func (s *Service) checkResolutionLocked(ctx context.Context, e *contracts.Election) {
	total := len(e.Participants)
	cast := len(e.Votes)
	approve, reject := 0, 0
	for _, v := range e.Votes {
		switch v {
		case contracts.VoteApprove:
			approve++
		case contracts.VoteReject:
			reject++
		}
	}

	switch e.Strategy {
	case contracts.StrategyQuorum:
		// Strictly more than half must have voted, and a simple
		// majority of votes cast must agree.
		if cast*2 <= total {
			return
		}
		if approve*2 > cast {
			s.closeLocked(ctx, e, contracts.VoteApprove)
		} else if reject*2 > cast {
			s.closeLocked(ctx, e, contracts.VoteReject)
		}

	case contracts.StrategyUnanimous:
		// Disagreement makes unanimity unreachable; close early.
		if approve > 0 && reject > 0 {
			s.closeLocked(ctx, e, contracts.VoteReject)
			return
		}
		if cast == total {
			if approve == total {
				s.closeLocked(ctx, e, contracts.VoteApprove)
			} else {
				s.closeLocked(ctx, e, contracts.VoteReject)
			}
		}

	case contracts.StrategySuperMajority:
		// A side holding two thirds of the whole electorate cannot be
		// overturned by the outstanding votes.
		if approve*3 >= total*2 {
			s.closeLocked(ctx, e, contracts.VoteApprove)
			return
		}
		if reject*3 >= total*2 {
			s.closeLocked(ctx, e, contracts.VoteReject)
			return
		}
		if cast == total {
			if approve*3 >= cast*2 {
				s.closeLocked(ctx, e, contracts.VoteApprove)
			} else {
				s.closeLocked(ctx, e, contracts.VoteReject)
			}
		}
	}
}

func (s *Service) closeLocked(ctx context.Context, e *contracts.Election, verdict contracts.VoteValue) {
	e.Status = contracts.ElectionClosed
	e.Verdict = verdict
	s.logger.Info("election closed", "election_id", e.ElectionID, "verdict", verdict)
	s.recordLocked(ctx, e, "voting.closed")
}

func (s *Service) expireLocked(ctx context.Context, e *contracts.Election) {
	e.Status = contracts.ElectionExpired
	s.logger.Warn("election expired without verdict", "election_id", e.ElectionID)
	s.recordLocked(ctx, e, "voting.expired")
}

func (s *Service) recordLocked(ctx context.Context, e *contracts.Election, kind string) {
	if s.audit == nil {
		return
	}
	event := contracts.AuditEvent{
		EventID:   uuid.New().String(),
		Kind:      kind,
		SubjectID: e.ElectionID,
		Detail: map[string]any{
			"subject_message_id": e.SubjectMessageID,
			"strategy":           string(e.Strategy),
			"status":             string(e.Status),
			"verdict":            string(e.Verdict),
			"votes":              len(e.Votes),
		},
		Timestamp: s.clock(),
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("audit record failed", "election_id", e.ElectionID, "error", err)
	}
}

// sweep expires elections whose deadline passed with no resolution,
// independent of whether any caller is still watching.
func (s *Service) sweep() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := s.clock()
			s.mu.Lock()
			for _, e := range s.elections {
				if e.Status == contracts.ElectionOpen && now.After(e.ExpiresAt) {
					s.expireLocked(context.Background(), e)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

func isParticipant(e *contracts.Election, id string) bool {
	for _, p := range e.Participants {
		if p == id {
			return true
		}
	}
	return false
}
