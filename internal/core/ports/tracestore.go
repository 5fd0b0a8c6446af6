package ports

import "github.com/thushan/olla/internal/core/domain"

// TraceStore is the bounded ring of the most recent N request traces (C8).
type TraceStore interface {
	Start(traceID, originalModel string) *domain.Trace
	Finish(t *domain.Trace, success bool)
	Get(traceID string) (*domain.Trace, bool)
	Query(filter domain.TraceFilter) []*domain.Trace
	Len() int
}
