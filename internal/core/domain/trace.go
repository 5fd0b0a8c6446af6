package domain

import "time"

// Attempt is one dispatch to one upstream model with one key. A Trace
// holds between 1 and maxAttempts of these.
type Attempt struct {
	StartedAt       time.Time
	Error           string
	KeyID           string
	Model           string
	Status          string
	SelectionReason SelectionReason
	RetryReason     ErrorKind
	Duration        time.Duration
	KeyIndex        int
	Success         bool
}

// Trace is the durable record of one client request: its routing, every
// attempt made, and how it finished. The trace store keeps a bounded
// window of the most recent ones for the admin/dashboard surface.
type Trace struct {
	StartTime      time.Time
	EndTime        time.Time
	TraceID        string
	OriginalModel  string
	MappedModel    string
	Attempts       []Attempt
	QueueDuration  time.Duration
	TotalDuration  time.Duration
	Success        bool
	Finished       bool
}

// NewTrace starts a trace for a freshly arrived request.
func NewTrace(traceID, originalModel string) *Trace {
	return &Trace{
		TraceID:       traceID,
		OriginalModel: originalModel,
		StartTime:     time.Now(),
		Attempts:      make([]Attempt, 0, 2),
	}
}

// AddAttempt appends a completed attempt to the trace.
func (t *Trace) AddAttempt(a Attempt) {
	t.Attempts = append(t.Attempts, a)
}

// Finish finalises the trace's outcome and total duration. Once Finished
// is true the trace is immutable and safe to hand to the trace store.
func (t *Trace) Finish(success bool) {
	t.EndTime = time.Now()
	t.Success = success
	t.TotalDuration = t.EndTime.Sub(t.StartTime)
	t.Finished = true
}

// HasRetries reports whether the request needed more than one attempt,
// used by the trace store's {hasRetries} query filter.
func (t *Trace) HasRetries() bool {
	return len(t.Attempts) > 1
}

// TraceFilter narrows a trace-store query. Zero values are "don't filter
// on this field".
type TraceFilter struct {
	Since       time.Time
	Model       string
	MinDuration time.Duration
	Success     *bool
	HasRetries  *bool
}

// Matches reports whether a trace satisfies the filter.
func (f TraceFilter) Matches(t *Trace) bool {
	if !f.Since.IsZero() && t.StartTime.Before(f.Since) {
		return false
	}
	if f.Model != "" && t.OriginalModel != f.Model && t.MappedModel != f.Model {
		return false
	}
	if f.MinDuration > 0 && t.TotalDuration < f.MinDuration {
		return false
	}
	if f.Success != nil && t.Success != *f.Success {
		return false
	}
	if f.HasRetries != nil && t.HasRetries() != *f.HasRetries {
		return false
	}
	return true
}
