package flush

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/telemetry"
	"github.com/ashita-ai/autolog/internal/tracking"
)

const (
	// DefaultMaxBatch matches the tracking server's per-request metric limit.
	DefaultMaxBatch      = 1000
	defaultInterval      = time.Second
	defaultFinalDeadline = 10 * time.Second
)

// Options configures a Scheduler.
type Options struct {
	Interval time.Duration // Background flush period. Default 1s.
	MaxBatch int           // Metrics per LogBatch call. Default 1000.
	Spool    *Spool        // Dead-letter spool for failed batches. Nil means drop.
}

// Scheduler drains a Queue into a tracking client, either periodically in
// the background, on Trigger, or synchronously through FlushSync.
type Scheduler struct {
	queue    *Queue
	client   tracking.Client
	logger   *slog.Logger
	interval time.Duration
	maxBatch int
	spool    *Spool

	// sendMu spans swap and transmission so batches reach the client in
	// queue order even when a forced flush races the background loop.
	sendMu sync.Mutex

	sent    atomic.Int64
	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context

	flushDuration metric.Float64Histogram
}

// NewScheduler creates a scheduler. Call Start to run the background loop.
func NewScheduler(queue *Queue, client tracking.Client, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	return &Scheduler{
		queue:    queue,
		client:   client,
		logger:   logger,
		interval: opts.Interval,
		maxBatch: opts.MaxBatch,
		spool:    opts.Spool,
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Queue returns the queue this scheduler drains.
func (s *Scheduler) Queue() *Queue { return s.queue }

// Start registers OTEL metrics, re-enqueues spooled entries and begins the
// background flush loop. A second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("flush: scheduler already started")
		return
	}
	s.registerMetrics()
	s.recoverSpool()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.flushLoop(loopCtx)
}

// Trigger requests an asynchronous flush. It never blocks; triggers that
// arrive while one is pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Flush transmits every queued entry unless another flush holds the lock,
// in which case it returns false immediately without touching the queue.
func (s *Scheduler) Flush(ctx context.Context) bool {
	if !s.sendMu.TryLock() {
		return false
	}
	defer s.sendMu.Unlock()

	batch, ok := s.queue.TrySwap()
	if !ok {
		return false
	}
	s.send(ctx, batch)
	return true
}

// FlushSync waits for any in-flight flush, then transmits every queued entry.
func (s *Scheduler) FlushSync(ctx context.Context) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.send(ctx, s.queue.Swap())
}

func (s *Scheduler) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.drainCtx != nil {
				s.FlushSync(s.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), defaultFinalDeadline)
				s.FlushSync(fallbackCtx)
				cancel()
			}
			close(s.done)
			return
		case <-ticker.C:
			s.Flush(ctx)
		case <-s.flushCh:
			s.Flush(ctx)
		}
	}
}

// send groups entries by run and transmits them in chunks of at most
// maxBatch. A failed chunk is spooled or dropped; later chunks still go out.
func (s *Scheduler) send(ctx context.Context, batch []model.MetricQueueEntry) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	order, byRun := groupByRun(batch)
	for _, runID := range order {
		metrics := byRun[runID]
		for len(metrics) > 0 {
			n := min(len(metrics), s.maxBatch)
			chunk := metrics[:n]
			metrics = metrics[n:]

			if err := tracking.LogMetrics(ctx, s.client, runID, chunk); err != nil {
				s.handleFailure(&model.TransmissionError{RunID: runID, Count: len(chunk), Err: err}, chunk)
				continue
			}
			s.sent.Add(int64(len(chunk)))
		}
	}

	duration := time.Since(start)
	if s.flushDuration != nil {
		s.flushDuration.Record(ctx, duration.Seconds())
	}
	s.logger.Debug("flush: batch flushed",
		"batch_size", len(batch),
		"runs", len(order),
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// handleFailure spools a rejected chunk or counts it as dropped. Spool
// writes are all-or-nothing, so the chunk is never split between the two.
func (s *Scheduler) handleFailure(terr *model.TransmissionError, chunk []model.Metric) {
	if s.spool != nil {
		entries := make([]model.MetricQueueEntry, len(chunk))
		for i, m := range chunk {
			entries[i] = model.MetricQueueEntry{RunID: terr.RunID, Metric: m}
		}
		err := s.spool.Write(entries)
		if err == nil {
			s.logger.Warn("flush: transmission failed, metrics spooled", "error", terr, "run_id", terr.RunID, "count", terr.Count)
			return
		}
		s.logger.Error("flush: spool write failed", "error", err)
	}
	s.dropped.Add(int64(len(chunk)))
	s.logger.Warn("flush: transmission failed, dropping metrics", "error", terr, "run_id", terr.RunID, "count", terr.Count)
}

func (s *Scheduler) recoverSpool() {
	if s.spool == nil {
		return
	}
	entries, err := s.spool.Recover()
	if err != nil {
		s.logger.Warn("flush: spool recovery failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	s.queue.Enqueue(entries...)
	if err := s.spool.Purge(); err != nil && !errors.Is(err, errSpoolClosed) {
		s.logger.Warn("flush: spool purge failed", "error", err)
	}
	s.logger.Info("flush: re-enqueued spooled metrics", "count", len(entries))
}

// Drain stops the background loop after a final synchronous flush. The ctx
// bounds both the wait and the final flush. Without Start, Drain flushes
// inline.
func (s *Scheduler) Drain(ctx context.Context) {
	if !s.started.Load() {
		s.FlushSync(ctx)
		return
	}
	s.drainCtx = ctx
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("flush: drain timed out waiting for flush loop")
	}
}

func (s *Scheduler) registerMetrics() {
	meter := telemetry.Meter("autolog/flush")

	_, _ = meter.Int64ObservableGauge("autolog.queue.depth",
		metric.WithDescription("Current number of metric points waiting in the queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.queue.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("autolog.queue.dropped_total",
		metric.WithDescription("Total metric points dropped after a failed transmission"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.Dropped())
			return nil
		}),
	)

	h, err := meter.Float64Histogram("autolog.flush.duration",
		metric.WithDescription("Duration of queue flushes"),
		metric.WithUnit("s"),
	)
	if err == nil {
		s.flushDuration = h
	}
}

// Sent returns the number of metric points the client accepted.
func (s *Scheduler) Sent() int64 {
	return s.sent.Load()
}

// Dropped returns the number of metric points lost to transmission failures.
// A non-zero value indicates data loss.
func (s *Scheduler) Dropped() int64 {
	return s.dropped.Load()
}
