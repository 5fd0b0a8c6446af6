package ports

import "github.com/thushan/olla/internal/core/domain"

// ReplayOptions tunes a single replay attempt.
type ReplayOptions struct {
	DryRun     bool
	MaxRetries int
}

// ReplayExecutor performs the actual re-dispatch of a replay entry;
// implemented by the request handler so the queue stays decoupled from
// dispatch mechanics.
type ReplayExecutor interface {
	Replay(entry *domain.ReplayEntry) error
}

// ReplayQueue is the bounded, durable at-least-once retry store (C9).
type ReplayQueue interface {
	Enqueue(entry *domain.ReplayEntry) (evicted bool)
	Dequeue() *domain.ReplayEntry
	Replay(traceID string, executor ReplayExecutor, opts ReplayOptions) error
	Get(traceID string) (*domain.ReplayEntry, bool)
	List() []*domain.ReplayEntry
	Size() int
	Cleanup(retentionSeconds int64) (expired int)
}
