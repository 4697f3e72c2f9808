package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// DetachedSink decouples audit submission from the caller: Record
// enqueues and returns immediately, a single worker drains the queue
// with exponential-backoff retries against the wrapped sink. A full
// queue drops the oldest event rather than blocking the decision path.
type DetachedSink struct {
	inner  contracts.AuditSink
	logger *slog.Logger

	queue     chan contracts.AuditEvent
	maxTries  uint
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewDetachedSink wraps inner with an asynchronous retrying queue of
// the given depth.
func NewDetachedSink(inner contracts.AuditSink, depth int, logger *slog.Logger) *DetachedSink {
	if logger == nil {
		logger = slog.Default()
	}
	if depth <= 0 {
		depth = 1024
	}
	s := &DetachedSink{
		inner:    inner,
		logger:   logger,
		queue:    make(chan contracts.AuditEvent, depth),
		maxTries: 5,
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Record implements contracts.AuditSink. It never blocks: when the
// queue is full the oldest pending event is dropped and logged.
func (s *DetachedSink) Record(ctx context.Context, event contracts.AuditEvent) error {
	_ = ctx
	for {
		select {
		case s.queue <- event:
			return nil
		default:
		}
		select {
		case dropped := <-s.queue:
			s.logger.Error("audit queue full, dropping oldest event",
				"event_id", dropped.EventID, "kind", dropped.Kind)
		default:
		}
	}
}

// Close stops the worker after draining pending events.
func (s *DetachedSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *DetachedSink) drain() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.queue:
			s.deliver(event)
		case <-s.done:
			for {
				select {
				case event := <-s.queue:
					s.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (s *DetachedSink) deliver(event contracts.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			return struct{}{}, s.inner.Record(ctx, event)
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.maxTries))
	if err != nil {
		s.logger.Error("audit event dropped after retries",
			"event_id", event.EventID, "kind", event.Kind, "error", err)
	}
}
