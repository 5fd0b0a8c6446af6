package ports

import (
	"context"

	"github.com/thushan/olla/internal/core/domain"
)

// AcquireOptions narrows which key the scheduler is allowed to return.
type AcquireOptions struct {
	Tenant        string
	Tier          domain.TierName
	AttemptedKeys map[int]struct{}
}

// ReleaseOutcome tells the key manager how to update counters, the
// latency ring and the circuit breaker when an in-flight dispatch ends.
type ReleaseOutcome struct {
	Latency            int64 // milliseconds, 0 if not applicable (e.g. client disconnect before first byte)
	ErrorKind          domain.ErrorKind
	Success            bool
	ClientDisconnect   bool // non-failure release: no circuit impact
	AccountLevel429    bool
}

// KeySnapshot is an immutable point-in-time view of one key, safe to hand
// to the dashboard or the router without exposing the mutable Key.
type KeySnapshot struct {
	ID              string
	ExcludedReason  domain.ExcludedReason
	CircuitState    string
	InFlight        int64
	Total           int64
	Successes       int64
	Failures        int64
	RateLimited     int64
	P95LatencyMs    int64
	CooldownRemainingMs int64
}

// KeyManager owns the credential pool for a tenant: selection, in-flight
// accounting, cooldowns and hot-reload.
type KeyManager interface {
	Acquire(ctx context.Context, opts AcquireOptions) (keyIndex int, reason domain.SelectionReason, err error)
	Release(keyIndex int, outcome ReleaseOutcome)
	Snapshot() []KeySnapshot
	Reload(tenant string, secrets []string) error
	KeyID(keyIndex int) string
}

// KeyManagerResolver returns the KeyManager owning tenant's credential
// pool, creating one lazily (independent circuit/cooldown/in-flight state,
// same underlying credentials) the first time a tenant id is seen. Called
// once per request with the x-tenant-id header's value (empty string for
// the default tenant).
type KeyManagerResolver func(tenant string) KeyManager

// KeyScheduler picks one key among the candidates, using the composite
// health scores that KeyManager computes and passes in; split out as its
// own port so it can be swapped (e.g. for strict round-robin) independent
// of pool bookkeeping.
type KeyScheduler interface {
	// Select returns the index, within candidates, of the chosen key.
	Select(candidates []int, scores func(keyIndex int) float64, inFlight func(keyIndex int) int64) int
	Name() string
}
