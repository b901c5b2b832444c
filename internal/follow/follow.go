package follow

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/sirupsen/logrus"

	"github.com/stocksage/logshipper/internal/logging"
)

// Emitter receives records parsed from followed files. Satisfied by the
// shipper facade.
type Emitter interface {
	Log(level logging.Level, msg string, context map[string]string)
}

type Config struct {
	// Dir is scanned recursively for *.log files.
	Dir          string
	ScanInterval time.Duration
	Workers      int
	QueueSize    int
	// If > 0, stop tailing a file after this period without new lines.
	// The next scan picks it up again.
	IdleTimeout time.Duration
}

// Follower bridges pre-existing local log files into the shipper: it scans
// a directory on an interval and tails every discovered log file with a
// bounded worker pool, feeding each line to the emitter.
type Follower struct {
	cfg     Config
	emitter Emitter

	fileQueue chan string
	seenMu    sync.Mutex
	seenFiles map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	scannerWg sync.WaitGroup
	workersWg sync.WaitGroup
	log       *logrus.Entry
}

func New(ctx context.Context, cfg Config, emitter Emitter) *Follower {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}

	nCtx, cancel := context.WithCancel(ctx)
	return &Follower{
		cfg:       cfg,
		emitter:   emitter,
		fileQueue: make(chan string, cfg.QueueSize),
		seenFiles: make(map[string]struct{}),
		ctx:       nCtx,
		cancel:    cancel,
		log:       logrus.WithField("component", "follower"),
	}
}

func (f *Follower) Start() {
	f.log.WithFields(logrus.Fields{
		"dir":     f.cfg.Dir,
		"workers": f.cfg.Workers,
	}).Info("Follower started")

	for i := 0; i < f.cfg.Workers; i++ {
		f.workersWg.Add(1)
		go f.worker(i)
	}

	f.scannerWg.Add(1)
	go f.scanner()
}

func (f *Follower) Stop() {
	f.cancel()
	f.scannerWg.Wait()
	close(f.fileQueue)
	f.workersWg.Wait()
	f.log.Info("Follower stopped")
}

func (f *Follower) scanner() {
	defer f.scannerWg.Done()

	f.scanFiles()

	ticker := time.NewTicker(f.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.scanFiles()
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Follower) scanFiles() {
	files, err := f.discoverLogFiles()
	if err != nil {
		f.log.WithError(err).Error("Log file discovery failed")
		return
	}

	for _, file := range files {
		if !f.markSeen(file) {
			continue
		}
		select {
		case f.fileQueue <- file:
		case <-f.ctx.Done():
			return
		default:
			f.log.WithField("file", file).Warn("File queue full, skipping until next scan")
			f.forget(file)
		}
	}
}

func (f *Follower) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(f.cfg.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			f.log.WithField("path", path).WithError(err).Warn("Path not accessible")
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

func (f *Follower) markSeen(file string) bool {
	f.seenMu.Lock()
	defer f.seenMu.Unlock()
	if _, ok := f.seenFiles[file]; ok {
		return false
	}
	f.seenFiles[file] = struct{}{}
	return true
}

func (f *Follower) forget(file string) {
	f.seenMu.Lock()
	defer f.seenMu.Unlock()
	delete(f.seenFiles, file)
}

func (f *Follower) worker(id int) {
	defer f.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			f.log.WithField("worker", id).Errorf("Worker panicked: %v", r)
		}
	}()

	for {
		select {
		case filePath, ok := <-f.fileQueue:
			if !ok {
				return
			}
			f.followFile(filePath)
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Follower) followFile(filePath string) {
	// idle-timed-out files are rediscovered on the next scan
	defer f.forget(filePath)

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		f.log.WithField("file", filePath).WithError(err).Error("Tail failed")
		return
	}
	defer t.Cleanup()

	f.consumeLines(filePath, t.Lines)
}

func (f *Follower) consumeLines(filePath string, lines <-chan *tail.Line) {
	context := map[string]string{
		"file":   filepath.Base(filePath),
		"source": "follow",
	}

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// tail died; the next scan rediscovers the file
				f.log.WithField("file", filePath).Debug("Tail ended")
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				f.log.WithField("file", filePath).WithError(line.Err).Warn("Read error")
				continue
			}
			f.emitter.Log(detectLevel(line.Text), line.Text, context)
			lastActivity = time.Now()

		case <-checkTicker.C:
			// waking up from blocking line reading to check context status and idle timeout
			if f.cfg.IdleTimeout > 0 && time.Since(lastActivity) > f.cfg.IdleTimeout {
				return
			}
		case <-f.ctx.Done():
			return
		}
	}
}

// detectLevel looks for a severity token near the start of the line, the
// way stdlib-style formatters emit one ("2026-01-02 ... - ERROR - msg").
// Lines without a recognizable token default to INFO.
func detectLevel(line string) logging.Level {
	fields := strings.Fields(line)
	limit := len(fields)
	if limit > 6 {
		limit = 6
	}
	for _, tok := range fields[:limit] {
		tok = strings.Trim(tok, "[]():,-")
		if tok == "" || tok != strings.ToUpper(tok) {
			continue
		}
		if lvl, err := logging.ParseLevel(tok); err == nil {
			return lvl
		}
	}
	return logging.LevelInfo
}
