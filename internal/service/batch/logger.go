// Package batch provides the per-run metrics logger training callbacks
// write through. Recording never waits on the tracking store: points are
// buffered locally and handed to the shared flush queue at a bounded cadence.
package batch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/service/flush"
)

const (
	defaultFlushEvery    = 10
	defaultFlushInterval = time.Second
)

// Options configures the push cadence of a Logger.
type Options struct {
	FlushEvery    int           // Push to the queue every N RecordMetrics calls.
	FlushInterval time.Duration // Push when this much time passed since the last push.
}

// Logger buffers metric points for one run.
type Logger struct {
	runID     string
	scheduler *flush.Scheduler
	logger    *slog.Logger

	mu     sync.Mutex
	buf    []model.MetricQueueEntry
	step   int64
	closed bool

	cadence *rate.Sometimes
}

// New creates a logger for runID feeding scheduler's queue.
func New(runID string, scheduler *flush.Scheduler, logger *slog.Logger, opts Options) *Logger {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = defaultFlushEvery
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	return &Logger{
		runID:     runID,
		scheduler: scheduler,
		logger:    logger,
		cadence:   &rate.Sometimes{First: 1, Every: opts.FlushEvery, Interval: opts.FlushInterval},
	}
}

// RunID returns the run this logger records into.
func (l *Logger) RunID() string { return l.runID }

// RecordMetrics buffers one point per entry of metrics, all at the same
// step. A nil step uses the logger's own counter, which advances once per
// such call.
func (l *Logger) RecordMetrics(metrics map[string]float64, step *int64) {
	if len(metrics) == 0 {
		return
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := model.NowMillis()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug("batch: metrics recorded after flush, ignoring", "run_id", l.runID, "count", len(metrics))
		return
	}
	s := l.step
	if step != nil {
		s = *step
	} else {
		l.step++
	}
	for _, k := range keys {
		l.buf = append(l.buf, model.MetricQueueEntry{
			RunID:  l.runID,
			Metric: model.Metric{Key: k, Value: metrics[k], Step: s, Timestamp: now},
		})
	}
	l.mu.Unlock()

	l.cadence.Do(l.push)
}

// Buffered returns the number of points not yet handed to the queue.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// push hands the local buffer to the queue and asks for an async flush.
func (l *Logger) push() {
	l.mu.Lock()
	n := len(l.buf)
	// Enqueue under l.mu so two pushes of one run cannot interleave.
	l.scheduler.Queue().Enqueue(l.buf...)
	l.buf = nil
	l.mu.Unlock()
	if n > 0 {
		l.scheduler.Trigger()
	}
}

// Flush pushes every buffered point and blocks until the queue has been
// transmitted. Calling it more than once is safe.
func (l *Logger) Flush(ctx context.Context) {
	l.push()
	l.scheduler.FlushSync(ctx)
}

// Close flushes and rejects further points.
func (l *Logger) Close(ctx context.Context) {
	l.Flush(ctx)
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
