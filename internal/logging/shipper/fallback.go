package shipper

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stocksage/logshipper/internal/logging"
	"github.com/stocksage/logshipper/internal/logging/blob"
)

// FileFallback appends terminally failed batches to a local file so their
// content is recoverable by an operator. An empty path writes to stderr.
type FileFallback struct {
	mu   sync.Mutex
	path string
	log  *logrus.Entry
}

func NewFileFallback(path string) *FileFallback {
	return &FileFallback{
		path: path,
		log:  logrus.WithField("component", "fallback"),
	}
}

func (f *FileFallback) WriteFailed(batch logging.Batch) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# batch %d (%d records) not persisted remotely\n", batch.Seq, len(batch.Records))

	for _, rec := range batch.Records {
		line, err := blob.FormatRecord(rec)
		if err != nil {
			// unformattable context keys must not lose the message
			line = fmt.Sprintf("%s %s %q", rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z07:00"), rec.Level, rec.Message)
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.path == "" {
		_, err := os.Stderr.Write(buf.Bytes())
		return err
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write fallback file: %w", err)
	}

	f.log.WithFields(logrus.Fields{
		"batch": batch.Seq,
		"path":  f.path,
	}).Warn("Failed batch written to local fallback")

	return nil
}
