// Package audit records every terminal verdict, signature outcome, and
// compensation event for the external audit collaborator. Events are
// canonicalized and content-hashed before they leave the process so the
// downstream ledger can verify integrity without trusting transport.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gowebpki/jcs"

	"github.com/conclavehq/conclave/pkg/contracts"
)

// WriterSink appends JSON-line audit events to a writer. It is the
// default sink for single-node deployments; the ledger-backed sink is
// an external collaborator behind the same interface.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink creates a sink writing to os.Stdout.
func NewWriterSink() *WriterSink {
	return NewWriterSinkWith(os.Stdout)
}

// NewWriterSinkWith creates a sink writing to the given writer. This
// allows injection for testing and custom sinks.
func NewWriterSinkWith(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

// Record implements contracts.AuditSink.
func (s *WriterSink) Record(ctx context.Context, event contracts.AuditEvent) error {
	_ = ctx
	stamped, err := Seal(event)
	if err != nil {
		return err
	}
	line, err := json.Marshal(stamped)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(line, '\n')...))
	return err
}

// Seal computes the canonical content hash of the event. The hash
// covers the event with its hash field empty, over the JCS (RFC 8785)
// form, so any two implementations agree byte-for-byte.
func Seal(event contracts.AuditEvent) (contracts.AuditEvent, error) {
	event.ContentHash = ""
	raw, err := json.Marshal(event)
	if err != nil {
		return event, fmt.Errorf("marshal audit event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return event, fmt.Errorf("canonicalize audit event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	event.ContentHash = "sha256:" + hex.EncodeToString(sum[:])
	return event, nil
}
