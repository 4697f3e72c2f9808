package deliberation

import (
	"container/heap"
	"sync"
	"time"
)

// deadlineEntry is one scheduled expiry check.
type deadlineEntry struct {
	taskID string
	at     time.Time
	seq    uint64
}

// deadlineHeap orders entries by deadline, then by insertion sequence
// for stable ordering when deadlines collide.
type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x interface{}) {
	*h = append(*h, x.(*deadlineEntry))
}

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// deadlineSupervisor services a single time-ordered heap of task
// deadlines with one goroutine, instead of one watcher per task. Each
// entry fires exactly once; whether the expiry still matters is decided
// by the callback against the task's current state.
type deadlineSupervisor struct {
	mu        sync.Mutex
	entries   deadlineHeap
	nextSeq   uint64
	wake      chan struct{}
	done      chan struct{}
	closed    bool
	expire    func(taskID string)
	clock     func() time.Time
	timeAfter func(d time.Duration) <-chan time.Time
}

func newDeadlineSupervisor(expire func(taskID string), clock func() time.Time) *deadlineSupervisor {
	s := &deadlineSupervisor{
		entries:   make(deadlineHeap, 0),
		nextSeq:   1,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		expire:    expire,
		clock:     clock,
		timeAfter: time.After,
	}
	heap.Init(&s.entries)
	go s.run()
	return s
}

// schedule registers a deadline for the task and wakes the supervisor
// if this deadline is now the earliest.
func (s *deadlineSupervisor) schedule(taskID string, at time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	entry := &deadlineEntry{taskID: taskID, at: at, seq: s.nextSeq}
	s.nextSeq++
	heap.Push(&s.entries, entry)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *deadlineSupervisor) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *deadlineSupervisor) run() {
	for {
		s.mu.Lock()
		var wait <-chan time.Time
		for s.entries.Len() > 0 {
			next := s.entries[0]
			delay := next.at.Sub(s.clock())
			if delay > 0 {
				wait = s.timeAfter(delay)
				break
			}
			heap.Pop(&s.entries)
			s.mu.Unlock()
			s.expire(next.taskID)
			s.mu.Lock()
		}
		s.mu.Unlock()

		if wait == nil {
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}
		select {
		case <-wait:
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
