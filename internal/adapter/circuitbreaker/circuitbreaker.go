// Package circuitbreaker implements the per-key 3-state failure gate
// (CLOSED/OPEN/HALF_OPEN) described in the dispatch core's spec. It is
// grounded on the reference health.CircuitBreaker (atomic counters behind
// a concurrent map, auto-recovery after a timeout) but tracks a sliding
// error-ratio window instead of a raw failure count, adds an explicit
// HALF_OPEN probe state, and keys off a fixed key index rather than an
// endpoint URL.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/domain"
)

// State names the 3 circuit states.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes the breaker's sensitivity.
type Config struct {
	ErrorThreshold   float64       // error ratio in [0,1] that trips CLOSED -> OPEN
	WindowSize       int           // number of recent outcomes considered for the ratio
	OpenDuration     time.Duration // how long OPEN lasts before allowing a HALF_OPEN probe
	MaxOpenDuration  time.Duration // cap on OpenDuration after repeated HALF_OPEN failures
}

// DefaultConfig mirrors the reference's DefaultCircuitBreakerThreshold/Timeout
// defaults, translated from an absolute failure count to an error ratio
// over a small sliding window.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:  0.5,
		WindowSize:      10,
		OpenDuration:    30 * time.Second,
		MaxOpenDuration: 5 * time.Minute,
	}
}

type keyState struct {
	mu            sync.Mutex
	outcomes      []bool // true = failure; ring of up to WindowSize entries
	next          int
	filled        int
	state         State
	openedAt      time.Time
	openDuration  time.Duration
	probeInFlight bool
}

// Breaker is a CircuitBreaker keyed by a fixed key index (0..N-1), sized
// for the credential pool's lifetime.
type Breaker struct {
	cfg   Config
	keys  []keyState
	mu    sync.RWMutex // guards growth of keys on Reload
}

// New creates a breaker with room for n keys.
func New(cfg Config, n int) *Breaker {
	b := &Breaker{cfg: cfg}
	b.grow(n)
	return b
}

func (b *Breaker) grow(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.keys) < n {
		b.keys = append(b.keys, keyState{outcomes: make([]bool, b.cfg.WindowSize), openDuration: b.cfg.OpenDuration})
	}
}

// Grow extends the breaker to cover newly added keys after a hot-reload.
func (b *Breaker) Grow(n int) {
	b.grow(n)
}

func (b *Breaker) state(keyIndex int) *keyState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if keyIndex < 0 || keyIndex >= len(b.keys) {
		return nil
	}
	return &b.keys[keyIndex]
}

// CanAttempt reports whether a dispatch may be made for this key: true
// when CLOSED, true for exactly one concurrent HALF_OPEN probe, false
// otherwise. Calling it when OPEN checks whether the open timeout has
// elapsed and, if so, flips the key to HALF_OPEN and admits the probe.
func (b *Breaker) CanAttempt(keyIndex int) bool {
	ks := b.state(keyIndex)
	if ks == nil {
		return true
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	switch ks.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if ks.probeInFlight {
			return false
		}
		ks.probeInFlight = true
		return true
	case StateOpen:
		if time.Since(ks.openedAt) >= ks.openDuration {
			ks.state = StateHalfOpen
			ks.probeInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit (resetting its error window) whether
// it was CLOSED already or recovering from a HALF_OPEN probe.
func (b *Breaker) RecordSuccess(keyIndex int) {
	ks := b.state(keyIndex)
	if ks == nil {
		return
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.state = StateClosed
	ks.probeInFlight = false
	ks.openDuration = b.cfg.OpenDuration
	ks.next = 0
	ks.filled = 0
	for i := range ks.outcomes {
		ks.outcomes[i] = false
	}
}

// RecordFailure records a failure of kind against the key's sliding
// window. auth_error and rate_limited never open the breaker - they have
// dedicated handling (key cooldown / exclusion) per the error taxonomy.
func (b *Breaker) RecordFailure(keyIndex int, kind domain.ErrorKind) {
	if !kind.OpensCircuit() {
		return
	}

	ks := b.state(keyIndex)
	if ks == nil {
		return
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.state == StateHalfOpen {
		// probe failed: reopen with doubled (capped) duration
		ks.state = StateOpen
		ks.openedAt = time.Now()
		ks.probeInFlight = false
		ks.openDuration *= 2
		if ks.openDuration > b.cfg.MaxOpenDuration {
			ks.openDuration = b.cfg.MaxOpenDuration
		}
		return
	}

	ks.outcomes[ks.next] = true
	ks.next = (ks.next + 1) % len(ks.outcomes)
	if ks.filled < len(ks.outcomes) {
		ks.filled++
	}

	if ks.state == StateClosed && ks.errorRatio() >= b.cfg.ErrorThreshold {
		ks.state = StateOpen
		ks.openedAt = time.Now()
	}
}

func (ks *keyState) errorRatio() float64 {
	if len(ks.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, failed := range ks.outcomes {
		if failed {
			failures++
		}
	}
	return float64(failures) / float64(len(ks.outcomes))
}

// State returns the current state name, for snapshots and tracing.
func (b *Breaker) State(keyIndex int) string {
	ks := b.state(keyIndex)
	if ks == nil {
		return StateClosed.String()
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state.String()
}

// Reset forces a key back to CLOSED and clears its error window.
func (b *Breaker) Reset(keyIndex int) {
	b.RecordSuccess(keyIndex)
}
