package shipper

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocksage/logshipper/internal/logging"
	"github.com/stocksage/logshipper/internal/testutils"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestShipper_EveryRecordInExactlyOneBatchInOrder(t *testing.T) {
	sink := testutils.NewStubSink()
	ship := New(Config{
		BufferCapacity: 100,
		FlushThreshold: 10,
		FlushInterval:  time.Hour, // only size-triggered flushes
	}, sink, &testutils.StubFallback{})
	ship.Start()

	for i := 0; i < 50; i++ {
		ship.Info(fmt.Sprintf("msg-%d", i), nil)
	}

	waitFor(t, 2*time.Second, func() bool { return sink.TotalRecords() == 50 })
	ship.Stop()

	batches := sink.Batches()
	require.Len(t, batches, 5)

	i := 0
	for _, b := range batches {
		assert.Len(t, b.Records, 10)
		for _, rec := range b.Records {
			assert.Equal(t, fmt.Sprintf("msg-%d", i), rec.Message)
			i++
		}
	}
	assert.Equal(t, 50, i)

	snap := ship.Counters()
	assert.Equal(t, uint64(50), snap.RecordsEnqueued)
	assert.Equal(t, uint64(50), snap.RecordsPersisted)
	assert.Equal(t, uint64(0), snap.RecordsDropped)
}

func TestShipper_TenConcurrentCallersYieldFullBatches(t *testing.T) {
	const callers = 10
	const perCaller = 100

	sink := testutils.NewStubSink()
	ship := New(Config{
		BufferCapacity: callers * perCaller,
		FlushThreshold: 100,
		FlushInterval:  5 * time.Second,
	}, sink, &testutils.StubFallback{})
	ship.Start()

	var wg sync.WaitGroup
	wg.Add(callers)
	for c := 0; c < callers; c++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				ship.Info(strconv.Itoa(i), map[string]string{"caller": strconv.Itoa(id)})
			}
		}(c)
	}
	wg.Wait()

	waitFor(t, 3*time.Second, func() bool { return sink.TotalRecords() == callers*perCaller })
	ship.Stop()

	batches := sink.Batches()
	require.Len(t, batches, 10)
	for _, b := range batches {
		assert.Len(t, b.Records, 100)
	}

	// per-caller order is preserved across the concatenated batches
	lastSeen := make(map[string]int)
	for _, b := range batches {
		for _, rec := range b.Records {
			caller := rec.Context["caller"]
			seq, err := strconv.Atoi(rec.Message)
			require.NoError(t, err)
			if prev, ok := lastSeen[caller]; ok {
				assert.Greater(t, seq, prev)
			}
			lastSeen[caller] = seq
		}
	}
	assert.Len(t, lastSeen, callers)
}

func TestShipper_ShutdownFlushesRemainingRecordsInOneWrite(t *testing.T) {
	sink := testutils.NewStubSink()
	ship := New(Config{
		BufferCapacity: 1000,
		FlushThreshold: 100,
		FlushInterval:  time.Hour,
	}, sink, &testutils.StubFallback{})
	ship.Start()

	for i := 0; i < 37; i++ {
		ship.Info(fmt.Sprintf("msg-%d", i), nil)
	}

	ship.Stop()

	assert.Equal(t, 1, sink.Calls(), "exactly one final write attempt")
	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Records, 37)
}

func TestShipper_TimerFlushDrainsPartialBatch(t *testing.T) {
	sink := testutils.NewStubSink()
	ship := New(Config{
		BufferCapacity: 100,
		FlushThreshold: 50,
		FlushInterval:  100 * time.Millisecond,
	}, sink, &testutils.StubFallback{})
	ship.Start()
	defer ship.Stop()

	ship.Info("lonely record", nil)

	waitFor(t, 2*time.Second, func() bool { return sink.TotalRecords() == 1 })
	require.Len(t, sink.Batches(), 1)
	assert.Equal(t, "lonely record", sink.Batches()[0].Records[0].Message)
}

func TestShipper_DropNewestCountsDrops(t *testing.T) {
	sink := testutils.NewStubSink()
	// no Start: nothing drains, so the buffer fills up
	ship := New(Config{
		BufferCapacity: 5,
		FlushThreshold: 5,
		OverflowPolicy: logging.DropNewest,
	}, sink, &testutils.StubFallback{})

	for i := 0; i < 8; i++ {
		ship.Info(fmt.Sprintf("msg-%d", i), nil)
	}

	snap := ship.Counters()
	assert.Equal(t, uint64(5), snap.RecordsEnqueued)
	assert.Equal(t, uint64(3), snap.RecordsDropped)
}

func TestShipper_MinLevelFilters(t *testing.T) {
	sink := testutils.NewStubSink()
	ship := New(Config{
		BufferCapacity: 10,
		FlushThreshold: 10,
		MinLevel:       logging.LevelWarning,
	}, sink, &testutils.StubFallback{})

	ship.Debug("skipped", nil)
	ship.Info("skipped", nil)
	ship.Warning("kept", nil)
	ship.Error("kept", nil)
	ship.Critical("kept", nil)

	snap := ship.Counters()
	assert.Equal(t, uint64(3), snap.RecordsEnqueued)
	assert.Equal(t, uint64(0), snap.RecordsDropped)
}

func TestShipper_CaptureErrorRecordsTrace(t *testing.T) {
	sink := testutils.NewStubSink()
	ship := New(Config{
		BufferCapacity: 10,
		FlushThreshold: 10,
		FlushInterval:  time.Hour,
	}, sink, &testutils.StubFallback{})
	ship.Start()

	ship.CaptureError("order placement failed", errors.New("kite: connection refused"), map[string]string{"symbol": "NIFTY"})
	ship.Stop()

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Records, 1)

	rec := batches[0].Records[0]
	assert.Equal(t, logging.LevelError, rec.Level)
	assert.Equal(t, "order placement failed", rec.Message)
	assert.Equal(t, "NIFTY", rec.Context["symbol"])
	assert.Contains(t, rec.Trace, "kite: connection refused")
	assert.Contains(t, rec.Trace, "goroutine")
}

func TestShipper_ContextIsCopiedAtCallTime(t *testing.T) {
	sink := testutils.NewStubSink()
	ship := New(Config{
		BufferCapacity: 10,
		FlushThreshold: 10,
		FlushInterval:  time.Hour,
	}, sink, &testutils.StubFallback{})
	ship.Start()

	context := map[string]string{"leg": "CE"}
	ship.Info("entry", context)
	context["leg"] = "PE" // caller mutates after the call

	ship.Stop()

	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, "CE", batches[0].Records[0].Context["leg"])
}

func TestShipper_FailedFinalFlushGoesToFallback(t *testing.T) {
	sink := testutils.NewStubSink(permanentErr("no such bucket"))
	fallback := &testutils.StubFallback{}
	ship := New(Config{
		BufferCapacity:  10,
		FlushThreshold:  10,
		FlushInterval:   time.Hour,
		ShutdownTimeout: time.Second,
	}, sink, fallback)
	ship.Start()

	ship.Info("last words", nil)
	ship.Stop()

	require.Len(t, fallback.Batches(), 1)
	assert.Equal(t, "last words", fallback.Batches()[0].Records[0].Message)

	snap := ship.Counters()
	assert.Equal(t, uint64(1), snap.RecordsFailed)
}
