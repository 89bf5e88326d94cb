// Package audit persists one WorkerLog row per chunk-processing attempt
// (retries add rows, never overwrite) to whichever EventWriter the
// deployment configures — stdout, a file, an HTTP collector, or S3 for
// long-term archival.
//
// Adapted from the teacher's encrypt/decrypt audit trail: same
// in-memory ring buffer + pluggable EventWriter shape, repointed at
// worker-chunk events instead of object-level crypto operations.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kenneth/s3-encryption-gateway/internal/model"
)

// EventWriter is the narrow interface every sink implements.
type EventWriter interface {
	WriteEvent(entry model.WorkerLog) error
}

// BatchWriter is implemented by sinks that can write many entries in
// one round trip.
type BatchWriter interface {
	WriteBatch(entries []model.WorkerLog) error
}

// Sink is the recording interface worker handlers depend on: Record one
// entry, and Close to release whatever resource the implementation owns.
type Sink interface {
	Record(ctx Context, entry model.WorkerLog)
	Close() error
}

// Context avoids importing context directly into this narrow
// interface signature while still letting callers pass one through;
// sinks that need cancellation accept context.Context in their
// concrete Record implementation.
type Context = interface{ Done() <-chan struct{} }

// Logger is the audit trail: it appends to an in-memory ring buffer
// (bounded by maxEvents, for local introspection/testing) and forwards
// every entry to the configured writer.
type Logger struct {
	mu        sync.Mutex
	events    []model.WorkerLog
	maxEvents int
	writer    EventWriter
}

// NewLogger wraps writer (falling back to StdoutSink when nil) with a
// bounded in-memory trail of the most recent maxEvents entries.
func NewLogger(maxEvents int, writer EventWriter) *Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Logger{events: make([]model.WorkerLog, 0, maxEvents), maxEvents: maxEvents, writer: writer}
}

// Record appends entry to the in-memory trail and forwards it to the writer.
// Write failures are swallowed (audit is best-effort and must never fail
// the chunk it is recording): the writer's error is discarded, not logged.
func (l *Logger) Record(ctx interface{ Done() <-chan struct{} }, entry model.WorkerLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.writer.WriteEvent(entry)

	l.events = append(l.events, entry)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// Close releases the underlying writer's resources, if any.
func (l *Logger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Events returns a copy of the in-memory trail, most useful in tests.
func (l *Logger) Events() []model.WorkerLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.WorkerLog, len(l.events))
	copy(out, l.events)
	return out
}

// StdoutSink writes each entry as a JSON line to stdout.
type StdoutSink struct{}

func (s *StdoutSink) WriteEvent(entry model.WorkerLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
