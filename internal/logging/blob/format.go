package blob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stocksage/logshipper/internal/logging"
)

// timestampLayout keeps sub-second precision and a fixed width so lines
// stay sortable as plain text.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Formatter turns a batch into the payload written to the object store.
type Formatter interface {
	Format(batch logging.Batch) ([]byte, error)
	ContentType() string
}

func NewFormatter(name string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "text":
		return TextFormatter{}, nil
	case "json":
		return JSONFormatter{}, nil
	}
	return nil, fmt.Errorf("unknown serialization format %q", name)
}

// TextFormatter writes one line per record:
//
//	TIMESTAMP LEVEL "message" key="value" ... trace="..."
//
// Context keys are emitted in sorted order so output is deterministic. The
// key "trace" is reserved for the captured failure trace.
type TextFormatter struct{}

func (TextFormatter) ContentType() string { return "text/plain; charset=utf-8" }

func (TextFormatter) Format(batch logging.Batch) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range batch.Records {
		line, err := FormatRecord(rec)
		if err != nil {
			return nil, &logging.SerializationError{Err: err}
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// FormatRecord renders a single record in the reference text format.
func FormatRecord(rec logging.LogRecord) (string, error) {
	var b strings.Builder
	b.WriteString(rec.Timestamp.UTC().Format(timestampLayout))
	b.WriteByte(' ')
	b.WriteString(rec.Level.String())
	b.WriteByte(' ')
	b.WriteString(strconv.Quote(rec.Message))

	keys := make([]string, 0, len(rec.Context))
	for k := range rec.Context {
		if !validKey(k) || k == "trace" {
			return "", fmt.Errorf("invalid context key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(rec.Context[k]))
	}

	if rec.Trace != "" {
		b.WriteString(" trace=")
		b.WriteString(strconv.Quote(rec.Trace))
	}

	return b.String(), nil
}

// ParseRecord is the inverse of FormatRecord.
func ParseRecord(line string) (logging.LogRecord, error) {
	var rec logging.LogRecord

	ts, rest, ok := strings.Cut(line, " ")
	if !ok {
		return rec, fmt.Errorf("malformed line: missing level")
	}
	t, err := time.Parse(timestampLayout, ts)
	if err != nil {
		return rec, fmt.Errorf("malformed timestamp: %w", err)
	}
	rec.Timestamp = t

	lvl, rest, ok := strings.Cut(rest, " ")
	if !ok {
		return rec, fmt.Errorf("malformed line: missing message")
	}
	rec.Level, err = logging.ParseLevel(lvl)
	if err != nil {
		return rec, err
	}

	quoted, err := strconv.QuotedPrefix(rest)
	if err != nil {
		return rec, fmt.Errorf("malformed message: %w", err)
	}
	rec.Message, _ = strconv.Unquote(quoted)
	rest = rest[len(quoted):]

	for rest != "" {
		rest = strings.TrimPrefix(rest, " ")
		key, after, ok := strings.Cut(rest, "=")
		if !ok {
			return rec, fmt.Errorf("malformed field %q", rest)
		}
		quoted, err := strconv.QuotedPrefix(after)
		if err != nil {
			return rec, fmt.Errorf("malformed value for %q: %w", key, err)
		}
		val, _ := strconv.Unquote(quoted)
		if key == "trace" {
			rec.Trace = val
		} else {
			if rec.Context == nil {
				rec.Context = make(map[string]string)
			}
			rec.Context[key] = val
		}
		rest = after[len(quoted):]
	}

	return rec, nil
}

func validKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		if r == ' ' || r == '=' || r == '"' || r == '\n' {
			return false
		}
	}
	return true
}

// JSONFormatter writes one JSON object per line (NDJSON).
type JSONFormatter struct{}

type jsonRecord struct {
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Trace     string            `json:"trace,omitempty"`
}

func (JSONFormatter) ContentType() string { return "application/x-ndjson" }

func (JSONFormatter) Format(batch logging.Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch.Records {
		row := jsonRecord{
			Timestamp: rec.Timestamp.UTC().Format(timestampLayout),
			Level:     rec.Level.String(),
			Message:   rec.Message,
			Context:   rec.Context,
			Trace:     rec.Trace,
		}
		if err := enc.Encode(row); err != nil {
			return nil, &logging.SerializationError{Err: err}
		}
	}
	return buf.Bytes(), nil
}
