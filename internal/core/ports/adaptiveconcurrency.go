package ports

// ConcurrencyMode toggles whether the adaptive controller's computed
// limit is merely published (observe_only) or actually enforced by the
// request handler's admission check (enforce).
type ConcurrencyMode string

const (
	ConcurrencyObserveOnly ConcurrencyMode = "observe_only"
	ConcurrencyEnforce     ConcurrencyMode = "enforce"
)

// AdaptiveConcurrency is the AIMD controller producing a current
// concurrency limit per physical model, ticked periodically and
// decreased immediately on 429 observation.
type AdaptiveConcurrency interface {
	Limit(modelID string) int64
	Mode() ConcurrencyMode
	OnRateLimited(modelID string)
	// Tick advances the controller by one period; called by a background
	// ticker goroutine, exposed here so tests can drive it deterministically.
	Tick()
}
