package logging

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a single log record.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = [...]string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelCritical {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL", "FATAL":
		return LevelCritical, nil
	}
	return LevelInfo, fmt.Errorf("unknown level %q", s)
}

// LogRecord is an immutable log entry, stamped at the call site.
// Context and Trace are optional.
type LogRecord struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Context   map[string]string
	Trace     string
}

// Batch is an ordered group of records drained together from the buffer.
// Seq is strictly increasing for the lifetime of the scheduler and is part
// of the destination key, so retrying the same batch is idempotent.
type Batch struct {
	Seq       uint64
	CreatedAt time.Time
	Records   []LogRecord
}

// Sink persists one batch per call. Errors must be classified with
// TransientError or PermanentError so the scheduler can decide on retries.
// Only the scheduler's worker goroutine may call Write.
type Sink interface {
	Write(ctx context.Context, batch Batch) error
}

// FallbackWriter receives batches that reached a terminal failure, so their
// content is recoverable locally.
type FallbackWriter interface {
	WriteFailed(batch Batch) error
}

// OverflowPolicy controls enqueue behavior when the buffer is at capacity.
type OverflowPolicy int

const (
	// DropNewest rejects the incoming record.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest buffered record to make room.
	DropOldest
	// Block waits up to the configured timeout for space, then drops.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	}
	return fmt.Sprintf("POLICY(%d)", int(p))
}

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-newest", "drop":
		return DropNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	case "block", "block-with-timeout":
		return Block, nil
	}
	return DropNewest, fmt.Errorf("unknown overflow policy %q", s)
}

// EnqueueResult reports what happened to a record handed to the buffer.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	BlockedThenAccepted
	Dropped
)
