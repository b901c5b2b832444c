package shipper

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters tracks what the shipper did with every record it saw. The
// dropped and failed counts are the only caller-visible signal of sustained
// storage unavailability.
type Counters struct {
	RecordsEnqueued  uint64
	RecordsDropped   uint64
	RecordsPersisted uint64
	RecordsFailed    uint64
	BatchesPersisted uint64
	BatchesFailed    uint64
	WriteRetries     uint64
	EnqueueBlocked   uint64
	mu               sync.RWMutex
}

func (c *Counters) IncRecordsEnqueued() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordsEnqueued++
}

func (c *Counters) AddRecordsDropped(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordsDropped += uint64(n)
}

func (c *Counters) IncEnqueueBlocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EnqueueBlocked++
}

func (c *Counters) IncWriteRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WriteRetries++
}

func (c *Counters) BatchPersisted(records int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BatchesPersisted++
	c.RecordsPersisted += uint64(records)
}

func (c *Counters) BatchFailed(records int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BatchesFailed++
	c.RecordsFailed += uint64(records)
}

func (c *Counters) Snapshot() Counters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Counters{
		RecordsEnqueued:  c.RecordsEnqueued,
		RecordsDropped:   c.RecordsDropped,
		RecordsPersisted: c.RecordsPersisted,
		RecordsFailed:    c.RecordsFailed,
		BatchesPersisted: c.BatchesPersisted,
		BatchesFailed:    c.BatchesFailed,
		WriteRetries:     c.WriteRetries,
		EnqueueBlocked:   c.EnqueueBlocked,
	}
}

type promCollector struct {
	counters *Counters
	descs    map[string]*prometheus.Desc
}

// NewCollector exposes the counters as Prometheus const metrics.
func NewCollector(counters *Counters) prometheus.Collector {
	names := map[string]string{
		"records_enqueued_total":  "Records accepted into the buffer",
		"records_dropped_total":   "Records lost to the overflow policy",
		"records_persisted_total": "Records durably written to the object store",
		"records_failed_total":    "Records in batches that reached terminal failure",
		"batches_persisted_total": "Batches durably written to the object store",
		"batches_failed_total":    "Batches that reached terminal failure",
		"write_retries_total":     "Write attempts repeated after transient failures",
		"enqueue_blocked_total":   "Enqueues that waited for buffer space",
	}

	descs := make(map[string]*prometheus.Desc, len(names))
	for name, help := range names {
		descs[name] = prometheus.NewDesc("logshipper_"+name, help, nil, nil)
	}

	return &promCollector{counters: counters, descs: descs}
}

func (pc *promCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range pc.descs {
		ch <- d
	}
}

func (pc *promCollector) Collect(ch chan<- prometheus.Metric) {
	snap := pc.counters.Snapshot()

	values := map[string]uint64{
		"records_enqueued_total":  snap.RecordsEnqueued,
		"records_dropped_total":   snap.RecordsDropped,
		"records_persisted_total": snap.RecordsPersisted,
		"records_failed_total":    snap.RecordsFailed,
		"batches_persisted_total": snap.BatchesPersisted,
		"batches_failed_total":    snap.BatchesFailed,
		"write_retries_total":     snap.WriteRetries,
		"enqueue_blocked_total":   snap.EnqueueBlocked,
	}

	for name, v := range values {
		ch <- prometheus.MustNewConstMetric(pc.descs[name], prometheus.CounterValue, float64(v))
	}
}
