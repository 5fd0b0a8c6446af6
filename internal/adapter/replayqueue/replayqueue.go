// Package replayqueue implements the Replay Queue (C9): a bounded FIFO of
// exhausted requests, indexed by trace id, supporting guarded replay and
// periodic retention cleanup. Grounded on the trace store's single-lock,
// bounded-ring discipline, generalised from overwrite-on-Finish to an
// explicit FIFO with status transitions.
package replayqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/ports"
)

// Queue implements ports.ReplayQueue.
type Queue struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // of *domain.ReplayEntry, oldest at Front
	byID     map[string]*list.Element
}

// New creates a Queue bounded at capacity entries.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		order:    list.New(),
		byID:     make(map[string]*list.Element),
	}
}

// Enqueue adds entry, evicting the oldest entry if the queue is full.
func (q *Queue) Enqueue(entry *domain.ReplayEntry) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := q.byID[entry.TraceID]; ok {
		q.order.Remove(el)
	} else if q.order.Len() >= q.capacity {
		oldest := q.order.Front()
		if oldest != nil {
			old := oldest.Value.(*domain.ReplayEntry)
			delete(q.byID, old.TraceID)
			q.order.Remove(oldest)
			evicted = true
		}
	}

	el := q.order.PushBack(entry)
	q.byID[entry.TraceID] = el
	return evicted
}

// Dequeue returns the oldest pending entry without removing it; callers
// drive replay explicitly via Replay.
func (q *Queue) Dequeue() *domain.ReplayEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	for el := q.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*domain.ReplayEntry)
		if entry.Status == domain.ReplayPending {
			return entry
		}
	}
	return nil
}

// Get returns the entry for traceID, if present.
func (q *Queue) Get(traceID string) (*domain.ReplayEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.byID[traceID]
	if !ok {
		return nil, false
	}
	return el.Value.(*domain.ReplayEntry), true
}

// List returns every queued entry, oldest first.
func (q *Queue) List() []*domain.ReplayEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.ReplayEntry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*domain.ReplayEntry))
	}
	return out
}

// Size returns the number of entries currently queued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

// Replay drives one replay attempt for traceID: it guards against a
// concurrent replay of the same entry, executes via executor, then
// transitions status - succeeded, back to pending (if retries remain),
// or failed (after the last attempt). DryRun validates the guard/retry
// bookkeeping without invoking executor.
func (q *Queue) Replay(traceID string, executor ports.ReplayExecutor, opts ports.ReplayOptions) error {
	q.mu.Lock()
	el, ok := q.byID[traceID]
	if !ok {
		q.mu.Unlock()
		return domain.ErrReplayNotFound
	}
	entry := el.Value.(*domain.ReplayEntry)
	if entry.Status == domain.ReplayReplaying {
		q.mu.Unlock()
		return domain.ErrAlreadyReplaying
	}
	entry.Status = domain.ReplayReplaying
	entry.LastRetryAt = time.Now()
	q.mu.Unlock()

	if opts.DryRun {
		q.mu.Lock()
		entry.Status = domain.ReplayPending
		q.mu.Unlock()
		return nil
	}

	err := executor.Replay(entry)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		entry.Status = domain.ReplaySucceeded
		return nil
	}

	entry.RetryCount++
	entry.OriginalError = err.Error()
	if entry.RetryCount >= opts.MaxRetries {
		entry.Status = domain.ReplayFailed
	} else {
		entry.Status = domain.ReplayPending
	}
	return err
}

// Cleanup evicts entries older than retentionSeconds, returning how many
// were expired. The application calls it from a periodic background ticker.
func (q *Queue) Cleanup(retentionSeconds int64) (expired int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(retentionSeconds) * time.Second)

	var next *list.Element
	for el := q.order.Front(); el != nil; el = next {
		next = el.Next()
		entry := el.Value.(*domain.ReplayEntry)
		if entry.Timestamp.Before(cutoff) {
			delete(q.byID, entry.TraceID)
			q.order.Remove(el)
			expired++
		}
	}
	return expired
}
