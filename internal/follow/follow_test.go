package follow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hpcloud/tail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocksage/logshipper/internal/logging"
	"github.com/stocksage/logshipper/internal/testutils"
)

func makeTestConfig(dir string) Config {
	return Config{
		Dir:          dir,
		ScanInterval: 50 * time.Millisecond,
		Workers:      2,
		QueueSize:    10,
	}
}

func createTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"api/access.log":      "GET /health 200\n",
		"api/error.log":       "ERROR upstream timed out\n",
		"worker/worker.log":   "worker started\n",
		"worker/metrics.json": "{}\n",
		"README.txt":          "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}

func TestDiscoverLogFiles_OnlyLogSuffix(t *testing.T) {
	root := createTempLogStructure(t)
	f := New(context.TODO(), makeTestConfig(root), &testutils.RecordingEmitter{})

	files, err := f.discoverLogFiles()
	assert.NoError(t, err)
	assert.Len(t, files, 3)
	for _, file := range files {
		assert.True(t, filepath.Ext(file) == ".log", "unexpected file %s", file)
	}
}

func TestScanFiles_EnqueuesEachFileOnce(t *testing.T) {
	root := createTempLogStructure(t)
	f := New(context.TODO(), makeTestConfig(root), &testutils.RecordingEmitter{})

	f.scanFiles()
	assert.Len(t, f.fileQueue, 3)

	// a second scan finds only already-seen files
	f.scanFiles()
	assert.Len(t, f.fileQueue, 3)

	f.forget(filepath.Join(root, "api", "error.log"))
	f.scanFiles()
	assert.Len(t, f.fileQueue, 4)
}

func TestScanFiles_FullQueueIsRetriedNextScan(t *testing.T) {
	root := createTempLogStructure(t)
	cfg := makeTestConfig(root)
	cfg.QueueSize = 1
	f := New(context.TODO(), cfg, &testutils.RecordingEmitter{})

	f.scanFiles()
	assert.Len(t, f.fileQueue, 1)

	// skipped files were forgotten, so draining the queue lets the
	// next scan enqueue another one
	<-f.fileQueue
	f.scanFiles()
	assert.Len(t, f.fileQueue, 1)
}

func TestFollower_TailsAppendedLines(t *testing.T) {
	tempDir := t.TempDir()
	file := filepath.Join(tempDir, "app.log")
	require.NoError(t, os.WriteFile(file, []byte("pre-existing line\n"), 0644))

	emitter := &testutils.RecordingEmitter{}
	f := New(context.Background(), makeTestConfig(tempDir), emitter)
	f.Start()
	defer f.Stop()

	// let the worker attach to the file before appending
	time.Sleep(300 * time.Millisecond)

	fh, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = fh.WriteString("2026-08-26 10:00:00 - INFO - strategy armed\n")
	_, _ = fh.WriteString("2026-08-26 10:00:01 - ERROR - order rejected\n")
	_ = fh.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(emitter.Records()) >= 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	records := emitter.Records()
	require.GreaterOrEqual(t, len(records), 2)

	// tailing starts at EOF, so the pre-existing line never shows up
	for _, rec := range records {
		assert.NotContains(t, rec.Message, "pre-existing")
		assert.Equal(t, "app.log", rec.Context["file"])
		assert.Equal(t, "follow", rec.Context["source"])
	}
	assert.Equal(t, logging.LevelInfo, records[0].Level)
	assert.Equal(t, logging.LevelError, records[1].Level)
}

func TestFollower_StopTerminatesWorkers(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "a.log"), []byte("x\n"), 0644))

	f := New(context.Background(), makeTestConfig(tempDir), &testutils.RecordingEmitter{})
	f.Start()
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestConsumeLines_ReturnsWhenTailEnds(t *testing.T) {
	emitter := &testutils.RecordingEmitter{}
	f := New(context.Background(), makeTestConfig(t.TempDir()), emitter)

	lines := make(chan *tail.Line, 2)
	lines <- &tail.Line{Text: "INFO still alive"}
	close(lines)

	done := make(chan struct{})
	go func() {
		f.consumeLines("/var/log/app.log", lines)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumeLines did not return after the line channel closed")
	}

	records := emitter.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "INFO still alive", records[0].Message)
}

func TestDetectLevel(t *testing.T) {
	cases := []struct {
		line string
		want logging.Level
	}{
		{"2026-08-26 10:00:00 - ERROR - order rejected", logging.LevelError},
		{"2026-08-26 10:00:00 [WARNING] margin low", logging.LevelWarning},
		{"WARN: legacy formatter", logging.LevelWarning},
		{"DEBUG tick received", logging.LevelDebug},
		{"CRITICAL: kill switch engaged", logging.LevelCritical},
		{"FATAL: broker session lost", logging.LevelCritical},
		{"plain line with no level token", logging.LevelInfo},
		{"Error in lowercase-ish casing is not a token", logging.LevelInfo},
		{"when a line buries the token deep enough it stays ERROR free", logging.LevelInfo},
		{"", logging.LevelInfo},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, detectLevel(tc.line), "line: %q", tc.line)
	}
}
