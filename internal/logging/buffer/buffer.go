package buffer

import (
	"sync"
	"time"

	"github.com/stocksage/logshipper/internal/logging"
)

type Config struct {
	Capacity int
	Policy   logging.OverflowPolicy
	// BlockTimeout bounds how long Enqueue may wait for space under the
	// Block policy.
	BlockTimeout time.Duration
}

// Buffer is a bounded ordered queue of pending records. Any number of
// goroutines may enqueue; exactly one drains.
type Buffer struct {
	mu      sync.Mutex
	records []logging.LogRecord
	cfg     Config

	// signaled after a drain frees space, wakes one blocked enqueuer
	space chan struct{}

	onDrop func(n int)
}

// New creates a buffer. onDrop is called with the number of records lost
// whenever the overflow policy discards one; it may be nil.
func New(cfg Config, onDrop func(n int)) *Buffer {
	if onDrop == nil {
		onDrop = func(int) {}
	}
	return &Buffer{
		records: make([]logging.LogRecord, 0, cfg.Capacity),
		cfg:     cfg,
		space:   make(chan struct{}, 1),
		onDrop:  onDrop,
	}
}

// Enqueue appends the record, applying the overflow policy when the buffer
// is at capacity. It never blocks longer than the configured BlockTimeout.
func (b *Buffer) Enqueue(rec logging.LogRecord) logging.EnqueueResult {
	b.mu.Lock()

	if len(b.records) < b.cfg.Capacity {
		b.records = append(b.records, rec)
		b.mu.Unlock()
		return logging.Accepted
	}

	switch b.cfg.Policy {
	case logging.DropNewest:
		b.mu.Unlock()
		b.onDrop(1)
		return logging.Dropped

	case logging.DropOldest:
		copy(b.records, b.records[1:])
		b.records[len(b.records)-1] = rec
		b.mu.Unlock()
		b.onDrop(1)
		return logging.Accepted

	default: // logging.Block
		return b.enqueueBlocking(rec)
	}
}

// enqueueBlocking is entered with b.mu held and the buffer full.
func (b *Buffer) enqueueBlocking(rec logging.LogRecord) logging.EnqueueResult {
	deadline := time.Now().Add(b.cfg.BlockTimeout)

	for len(b.records) >= b.cfg.Capacity {
		b.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			b.onDrop(1)
			return logging.Dropped
		}

		timer := time.NewTimer(wait)
		select {
		case <-b.space:
			timer.Stop()
		case <-timer.C:
		}

		b.mu.Lock()
	}

	b.records = append(b.records, rec)
	if len(b.records) < b.cfg.Capacity {
		// more space may remain for other waiters
		b.signalSpace()
	}
	b.mu.Unlock()
	return logging.BlockedThenAccepted
}

// Drain atomically removes up to max of the oldest records. It never blocks
// and returns nil when the buffer is empty.
func (b *Buffer) Drain(max int) []logging.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 || max <= 0 {
		return nil
	}

	n := max
	if n > len(b.records) {
		n = len(b.records)
	}

	out := make([]logging.LogRecord, n)
	copy(out, b.records[:n])
	b.records = append(b.records[:0], b.records[n:]...)

	b.signalSpace()
	return out
}

// DrainAll removes every buffered record. Used for the final shutdown flush.
func (b *Buffer) DrainAll() []logging.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}

	out := make([]logging.LogRecord, len(b.records))
	copy(out, b.records)
	b.records = b.records[:0]

	b.signalSpace()
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *Buffer) signalSpace() {
	select {
	case b.space <- struct{}{}:
	default:
	}
}
