package ports

import "github.com/thushan/olla/internal/core/domain"

// CircuitBreaker is the per-key 3-state failure gate (C2): CLOSED, OPEN,
// HALF_OPEN. One instance is shared across all keys, keyed by key index.
type CircuitBreaker interface {
	CanAttempt(keyIndex int) bool
	RecordSuccess(keyIndex int)
	RecordFailure(keyIndex int, kind domain.ErrorKind)
	State(keyIndex int) string
	Reset(keyIndex int)
}
