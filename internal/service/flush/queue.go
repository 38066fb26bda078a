// Package flush moves buffered metric points from training code to the
// tracking store. A Queue collects run-tagged points from every model
// training in the process; a Scheduler drains it in the background without
// ever blocking the training loop.
package flush

import (
	"slices"
	"sync"

	"github.com/ashita-ai/autolog/internal/model"
)

// Queue is a FIFO of run-tagged metric points shared by every training
// invocation of one Autologger. Arrival order is preserved across runs.
type Queue struct {
	mu      sync.Mutex
	entries []model.MetricQueueEntry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends entries. It only holds the lock for the append, never for
// transmission.
func (q *Queue) Enqueue(entries ...model.MetricQueueEntry) {
	if len(entries) == 0 {
		return
	}
	q.mu.Lock()
	q.entries = append(q.entries, entries...)
	q.mu.Unlock()
}

// TrySwap takes every queued entry if the queue lock is free. When the lock
// is held (a concurrent flush or enqueue), it returns false immediately and
// leaves the queue untouched.
func (q *Queue) TrySwap() ([]model.MetricQueueEntry, bool) {
	if !q.mu.TryLock() {
		return nil, false
	}
	batch := q.entries
	q.entries = nil
	q.mu.Unlock()
	return batch, true
}

// Swap takes every queued entry, waiting for the lock.
func (q *Queue) Swap() []model.MetricQueueEntry {
	q.mu.Lock()
	batch := q.entries
	q.entries = nil
	q.mu.Unlock()
	return batch
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queued entries.
func (q *Queue) Snapshot() []model.MetricQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// Lock acquires the queue lock. Tests use it to simulate a concurrent flush.
func (q *Queue) Lock() { q.mu.Lock() }

// Unlock releases the queue lock.
func (q *Queue) Unlock() { q.mu.Unlock() }

// groupByRun splits entries into per-run metric lists, keeping the order of
// first appearance of each run and the arrival order within it.
func groupByRun(entries []model.MetricQueueEntry) (order []string, byRun map[string][]model.Metric) {
	byRun = make(map[string][]model.Metric)
	for _, e := range entries {
		if _, seen := byRun[e.RunID]; !seen {
			order = append(order, e.RunID)
		}
		byRun[e.RunID] = append(byRun[e.RunID], e.Metric)
	}
	return order, byRun
}
