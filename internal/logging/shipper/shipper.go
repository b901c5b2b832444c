package shipper

import (
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/stocksage/logshipper/internal/logging"
	"github.com/stocksage/logshipper/internal/logging/buffer"
)

type Config struct {
	BufferCapacity int
	OverflowPolicy logging.OverflowPolicy
	// EnqueueTimeout bounds the wait under the Block policy.
	EnqueueTimeout time.Duration

	FlushInterval time.Duration
	// FlushThreshold triggers an immediate flush and caps batch size.
	FlushThreshold int

	RetryMaxAttempts  int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
	BackoffJitter     bool

	ShutdownTimeout time.Duration

	// MinLevel filters records below it at the facade.
	MinLevel logging.Level
	// MirrorConsole echoes accepted records to the local logger.
	MirrorConsole bool
}

func (c Config) withDefaults() Config {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 10000
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 500
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Shipper is the logging entry point for application code. Log calls only
// stamp, copy and enqueue; all network I/O happens on the scheduler's
// worker. Safe for concurrent use; initialize once at process start and
// Stop once at process end.
type Shipper struct {
	cfg      Config
	buf      *buffer.Buffer
	sched    *Scheduler
	counters *Counters
	log      *logrus.Entry
}

func New(cfg Config, sink logging.Sink, fallback logging.FallbackWriter) *Shipper {
	cfg = cfg.withDefaults()

	counters := &Counters{}
	buf := buffer.New(buffer.Config{
		Capacity:     cfg.BufferCapacity,
		Policy:       cfg.OverflowPolicy,
		BlockTimeout: cfg.EnqueueTimeout,
	}, counters.AddRecordsDropped)

	return &Shipper{
		cfg:      cfg,
		buf:      buf,
		sched:    NewScheduler(cfg, buf, sink, fallback, counters),
		counters: counters,
		log:      logrus.WithField("component", "shipper"),
	}
}

func (s *Shipper) Start() {
	s.log.WithFields(logrus.Fields{
		"capacity":  s.cfg.BufferCapacity,
		"policy":    s.cfg.OverflowPolicy.String(),
		"interval":  s.cfg.FlushInterval,
		"threshold": s.cfg.FlushThreshold,
	}).Info("Shipper started")
	s.sched.Start()
}

// Stop flushes whatever remains and terminates the background worker.
func (s *Shipper) Stop() {
	s.sched.Stop()
	snap := s.counters.Snapshot()
	s.log.WithFields(logrus.Fields{
		"persisted": snap.RecordsPersisted,
		"dropped":   snap.RecordsDropped,
		"failed":    snap.RecordsFailed,
	}).Info("Shipper stopped")
}

// Log enqueues one record stamped at call time. It never raises on buffer
// overflow; drops only move a counter.
func (s *Shipper) Log(level logging.Level, msg string, context map[string]string) {
	s.emit(logging.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Context:   copyContext(context),
	})
}

func (s *Shipper) Debug(msg string, context map[string]string) {
	s.Log(logging.LevelDebug, msg, context)
}

func (s *Shipper) Info(msg string, context map[string]string) {
	s.Log(logging.LevelInfo, msg, context)
}

func (s *Shipper) Warning(msg string, context map[string]string) {
	s.Log(logging.LevelWarning, msg, context)
}

func (s *Shipper) Error(msg string, context map[string]string) {
	s.Log(logging.LevelError, msg, context)
}

func (s *Shipper) Critical(msg string, context map[string]string) {
	s.Log(logging.LevelCritical, msg, context)
}

// CaptureError records an error with the current stack as the failure trace.
func (s *Shipper) CaptureError(msg string, err error, context map[string]string) {
	trace := ""
	if err != nil {
		trace = err.Error() + "\n"
	}
	trace += string(debug.Stack())

	s.emit(logging.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     logging.LevelError,
		Message:   msg,
		Context:   copyContext(context),
		Trace:     trace,
	})
}

// Counters returns a snapshot of the shipper's counters.
func (s *Shipper) Counters() Counters {
	return s.counters.Snapshot()
}

// Collector exposes the counters for a Prometheus registry.
func (s *Shipper) Collector() prometheus.Collector {
	return NewCollector(s.counters)
}

func (s *Shipper) emit(rec logging.LogRecord) {
	if rec.Level < s.cfg.MinLevel {
		return
	}

	if s.cfg.MirrorConsole {
		s.mirror(rec)
	}

	switch s.buf.Enqueue(rec) {
	case logging.Dropped:
		// counted by the buffer's drop callback
		return
	case logging.BlockedThenAccepted:
		s.counters.IncEnqueueBlocked()
		s.counters.IncRecordsEnqueued()
	case logging.Accepted:
		s.counters.IncRecordsEnqueued()
	}

	if s.buf.Len() >= s.cfg.FlushThreshold {
		s.sched.Notify()
	}
}

func (s *Shipper) mirror(rec logging.LogRecord) {
	entry := s.log
	if len(rec.Context) > 0 {
		fields := make(logrus.Fields, len(rec.Context))
		for k, v := range rec.Context {
			fields[k] = v
		}
		entry = entry.WithFields(fields)
	}

	switch rec.Level {
	case logging.LevelDebug:
		entry.Debug(rec.Message)
	case logging.LevelInfo:
		entry.Info(rec.Message)
	case logging.LevelWarning:
		entry.Warn(rec.Message)
	default:
		entry.Error(rec.Message)
	}
}

func copyContext(context map[string]string) map[string]string {
	if len(context) == 0 {
		return nil
	}
	out := make(map[string]string, len(context))
	for k, v := range context {
		out[k] = v
	}
	return out
}
