package shipper

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stocksage/logshipper/internal/logging"
	"github.com/stocksage/logshipper/internal/logging/buffer"
)

// batchState tracks a pending batch through the flush state machine:
// drained -> writing -> {persisted | retry-wait -> writing | failed}.
type batchState int

const (
	stateDrained batchState = iota
	stateWriting
	stateRetryWait
	statePersisted
	stateFailed
)

func (s batchState) String() string {
	switch s {
	case stateDrained:
		return "DRAINED"
	case stateWriting:
		return "WRITING"
	case stateRetryWait:
		return "RETRY_WAIT"
	case statePersisted:
		return "PERSISTED"
	case stateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Scheduler is the single consumer of the buffer. It drains on a timer or a
// size threshold, writes batches through the sink, retries transient
// failures with exponential backoff, and routes terminally failed batches
// to the local fallback. It alone touches the sink, so the sink needs no
// internal locking.
type Scheduler struct {
	cfg      Config
	buf      *buffer.Buffer
	sink     logging.Sink
	fallback logging.FallbackWriter
	counters *Counters

	flushCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	seq     uint64
	log     *logrus.Entry
}

func NewScheduler(cfg Config, buf *buffer.Buffer, sink logging.Sink, fallback logging.FallbackWriter, counters *Counters) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		buf:      buf,
		sink:     sink,
		fallback: fallback,
		counters: counters,
		flushCh:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		log:      logrus.WithField("component", "flush-scheduler"),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop shuts the worker down and performs one final best-effort
// drain-and-write, bounded by the shutdown timeout.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.finalFlush()
}

// Notify signals that the buffer reached the flush threshold. Non-blocking;
// coalesced signals are fine because the drain loop re-checks the buffer.
func (s *Scheduler) Notify() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainPending(false)
		case <-s.flushCh:
			s.drainPending(true)
		case <-s.ctx.Done():
			return
		}
	}
}

// drainPending drains and writes batches of up to FlushThreshold records.
// With thresholdOnly set (size trigger) it takes only full batches, leaving
// the remainder for the timer, so steady load yields uniform batch sizes.
func (s *Scheduler) drainPending(thresholdOnly bool) {
	for s.ctx.Err() == nil {
		if thresholdOnly && s.buf.Len() < s.cfg.FlushThreshold {
			return
		}

		records := s.buf.Drain(s.cfg.FlushThreshold)
		if len(records) == 0 {
			return
		}

		s.process(s.newBatch(records))
	}
}

func (s *Scheduler) newBatch(records []logging.LogRecord) logging.Batch {
	s.seq++
	return logging.Batch{
		Seq:       s.seq,
		CreatedAt: time.Now().UTC(),
		Records:   records,
	}
}

// process drives one batch to a terminal state. Failed batches go to the
// fallback and their records are not re-buffered: delivery to storage is
// at-most-once.
func (s *Scheduler) process(b logging.Batch) {
	log := s.log.WithFields(logrus.Fields{
		"batch":   b.Seq,
		"records": len(b.Records),
	})

	state := stateDrained
	log.WithField("state", state).Debug("Batch drained")

	var lastErr error
	attempts := 0

	for {
		attempts++
		state = stateWriting

		err := s.sink.Write(s.ctx, b)
		if err == nil {
			state = statePersisted
			s.counters.BatchPersisted(len(b.Records))
			log.WithFields(logrus.Fields{"state": state, "attempts": attempts}).Debug("Batch persisted")
			return
		}
		lastErr = err

		if logging.IsPermanent(err) {
			log.WithFields(logrus.Fields{"state": state, "attempts": attempts}).WithError(err).Error("Permanent write failure")
			break
		}
		if attempts >= s.cfg.RetryMaxAttempts {
			log.WithFields(logrus.Fields{"state": state, "attempts": attempts}).WithError(err).Error("Retry attempts exhausted")
			break
		}

		state = stateRetryWait
		s.counters.IncWriteRetries()
		wait := s.backoff(attempts)
		log.WithFields(logrus.Fields{"state": state, "attempt": attempts, "wait": wait}).WithError(err).Warn("Transient write failure")

		if !s.sleep(wait) {
			// shutting down; abandon remaining retries
			break
		}
	}

	state = stateFailed
	s.counters.BatchFailed(len(b.Records))
	log.WithFields(logrus.Fields{"state": state, "attempts": attempts}).WithError(lastErr).Error("Batch not persisted, writing to local fallback")

	if err := s.fallback.WriteFailed(b); err != nil {
		log.WithError(err).Error("Local fallback write failed")
	}
}

// sleep waits for d unless the scheduler is stopped first. Reports whether
// the full wait elapsed.
func (s *Scheduler) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// backoff computes the wait before retry number attempt+1: base doubled (or
// whatever the multiplier says) per attempt, capped, with optional jitter
// shaving up to 25% to avoid synchronized retries.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := float64(s.cfg.BackoffBase)
	for i := 1; i < attempt; i++ {
		d *= s.cfg.BackoffMultiplier
		if d >= float64(s.cfg.BackoffCap) {
			break
		}
	}
	if d > float64(s.cfg.BackoffCap) {
		d = float64(s.cfg.BackoffCap)
	}
	if s.cfg.BackoffJitter {
		d -= rand.Float64() * d * 0.25
	}
	return time.Duration(d)
}

// finalFlush drains whatever is left into one batch and makes exactly one
// write attempt bounded by the shutdown timeout.
func (s *Scheduler) finalFlush() {
	records := s.buf.DrainAll()
	if len(records) == 0 {
		s.log.Debug("Nothing buffered at shutdown")
		return
	}

	b := s.newBatch(records)
	log := s.log.WithFields(logrus.Fields{"batch": b.Seq, "records": len(b.Records)})
	log.Info("Final flush")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.sink.Write(ctx, b); err != nil {
		s.counters.BatchFailed(len(b.Records))
		log.WithError(err).Error("Final flush failed, writing to local fallback")
		if fbErr := s.fallback.WriteFailed(b); fbErr != nil {
			log.WithError(fbErr).Error("Local fallback write failed")
		}
		return
	}

	s.counters.BatchPersisted(len(b.Records))
}
