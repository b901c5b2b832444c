package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/stocksage/logshipper/internal/logging"
)

// StubSink records every write and tracks attempts per batch sequence
// number, so tests can verify retry counts and idempotence. Outcomes are
// scripted per call: nil means success, and once the script is exhausted
// every write succeeds.
type StubSink struct {
	mu       sync.Mutex
	batches  []logging.Batch
	attempts map[uint64]int
	script   []error
	calls    int
	Delay    time.Duration
}

func NewStubSink(script ...error) *StubSink {
	return &StubSink{
		attempts: make(map[uint64]int),
		script:   script,
	}
}

func (s *StubSink) Write(ctx context.Context, batch logging.Batch) error {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return &logging.TransientError{Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	s.attempts[batch.Seq]++

	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return err
		}
	}

	// retried sequence numbers never persist twice
	for _, existing := range s.batches {
		if existing.Seq == batch.Seq {
			return nil
		}
	}

	s.batches = append(s.batches, batch)
	return nil
}

func (s *StubSink) Batches() []logging.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]logging.Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *StubSink) Attempts(seq uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[seq]
}

func (s *StubSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubSink) TotalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, b := range s.batches {
		total += len(b.Records)
	}
	return total
}

// StubFallback records batches routed to the local fallback.
type StubFallback struct {
	mu      sync.Mutex
	batches []logging.Batch
}

func (f *StubFallback) WriteFailed(batch logging.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batch)
	return nil
}

func (f *StubFallback) Batches() []logging.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]logging.Batch, len(f.batches))
	copy(out, f.batches)
	return out
}

// RecordingEmitter captures records handed to it by the file follower.
type RecordingEmitter struct {
	mu      sync.Mutex
	records []logging.LogRecord
}

func (e *RecordingEmitter) Log(level logging.Level, msg string, context map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, logging.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Context:   context,
	})
}

func (e *RecordingEmitter) Records() []logging.LogRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]logging.LogRecord, len(e.records))
	copy(out, e.records)
	return out
}
