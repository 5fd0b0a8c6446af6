// Package tracestore implements the Request Trace Store (C8): a bounded
// ring of the most recently finished traces, queryable by a linear scan
// since N is small. Grounded on the reference stats collector's single
// struct-lock discipline (one mutex guarding a bounded map/slice rather
// than per-entry locks, since entries here are replaced wholesale on
// Finish rather than mutated field-by-field).
package tracestore

import (
	"sync"

	"github.com/thushan/olla/internal/core/domain"
)

// Store is a TraceStore holding up to capacity recent traces, plus an
// index of in-flight (started but not finished) traces by id.
type Store struct {
	mu       sync.Mutex
	capacity int
	finished []*domain.Trace // ring, oldest overwritten first
	next     int
	full     bool
	inFlight map[string]*domain.Trace
	byID     map[string]*domain.Trace // finished traces, for O(1) Get
}

// New creates a Store holding up to capacity finished traces. A
// non-positive capacity is treated as 1.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		finished: make([]*domain.Trace, capacity),
		inFlight: make(map[string]*domain.Trace),
		byID:     make(map[string]*domain.Trace),
	}
}

// Start begins tracing a fresh request and registers it as in-flight so
// Get can find it before it finishes.
func (s *Store) Start(traceID, originalModel string) *domain.Trace {
	t := domain.NewTrace(traceID, originalModel)

	s.mu.Lock()
	s.inFlight[traceID] = t
	s.mu.Unlock()

	return t
}

// Finish finalises t and moves it from in-flight into the bounded ring,
// evicting the oldest finished trace once full.
func (s *Store) Finish(t *domain.Trace, success bool) {
	t.Finish(success)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, t.TraceID)

	if evicted := s.finished[s.next]; evicted != nil {
		delete(s.byID, evicted.TraceID)
	}
	s.finished[s.next] = t
	s.byID[t.TraceID] = t
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
}

// Get returns a trace by id, whether finished or still in-flight.
func (s *Store) Get(traceID string) (*domain.Trace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.byID[traceID]; ok {
		return t, true
	}
	if t, ok := s.inFlight[traceID]; ok {
		return t, true
	}
	return nil, false
}

// Query returns every finished trace matching filter, most recent first.
func (s *Store) Query(filter domain.TraceFilter) []*domain.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.len()
	out := make([]*domain.Trace, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + s.capacity) % s.capacity
		t := s.finished[idx]
		if t == nil {
			continue
		}
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of finished traces currently retained.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.len()
}

func (s *Store) len() int {
	if s.full {
		return s.capacity
	}
	return s.next
}
