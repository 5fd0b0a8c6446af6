// Package poolmanager tracks per-physical-model rate-limit state: 429
// cooldown with exponential backoff plus jitter, a decaying consecutive-hit
// counter, and a pacing delay derived from upstream rate-limit headers.
// Grounded on util.CalculateExponentialBackoff for the backoff curve and on
// the reference stats collector's xsync.Map-per-key pattern for lock-free
// per-model state.
package poolmanager

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/atomic"

	"github.com/thushan/olla/internal/core/ports"
	"github.com/thushan/olla/internal/util"
)

// globalKey addresses the account-wide pool used for account-level 429s.
const globalKey = ""

// Config tunes the backoff curve and decay window shared by all models.
type Config struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent float64
	DecayWindow   time.Duration
}

// DefaultConfig provides a 1s base / 60s cap / 20% jitter backoff curve
// with a 30s decay window for the consecutive-hit counter.
func DefaultConfig() Config {
	return Config{
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		JitterPercent: 0.2,
		DecayWindow:   30 * time.Second,
	}
}

type modelState struct {
	mu              sync.Mutex
	cooldownUntil   time.Time
	lastHitAt       time.Time
	consecutiveHits int64
	pacingDelayMs   int64
	inFlight        atomic.Int64
}

// Manager implements ports.PoolManager.
type Manager struct {
	cfg    Config
	states *xsync.Map[string, *modelState]
}

// New creates a Manager using cfg for the backoff/decay curve.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg,
		states: xsync.NewMap[string, *modelState](),
	}
}

func (m *Manager) state(modelID string) *modelState {
	st, _ := m.states.LoadOrStore(modelID, &modelState{})
	return st
}

// SetCooldown pushes modelID's cooldownUntil to now + backoff(attempt).
func (m *Manager) SetCooldown(modelID string, attempt int) {
	st := m.state(modelID)
	delay := util.BackoffWithJitter(m.cfg.BaseDelay, m.cfg.MaxDelay, attempt, m.cfg.JitterPercent)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.cooldownUntil = time.Now().Add(delay)
}

// RecordRateLimitHit decays the consecutive-hit counter for modelID if the
// decay window has elapsed since the last hit, increments it, sets the
// cooldown from the new count, and returns the resulting count.
func (m *Manager) RecordRateLimitHit(modelID string) int64 {
	st := m.state(modelID)
	now := time.Now()

	st.mu.Lock()
	if !st.lastHitAt.IsZero() && now.Sub(st.lastHitAt) > m.cfg.DecayWindow {
		st.consecutiveHits = 0
	}
	st.consecutiveHits++
	st.lastHitAt = now
	attempt := st.consecutiveHits
	st.mu.Unlock()

	m.SetCooldown(modelID, int(attempt))
	return attempt
}

// RecordRateLimitHeaders reads cfg.RemainingHeader off headers and, when
// the remaining count is at or below cfg.RemainingThreshold, sets a
// pacing delay; otherwise it clears any existing pacing delay.
func (m *Manager) RecordRateLimitHeaders(modelID string, headers http.Header, cfg ports.RateLimitHeaderConfig) {
	if cfg.RemainingHeader == "" {
		return
	}
	raw := headers.Get(cfg.RemainingHeader)
	if raw == "" {
		return
	}
	remaining, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}

	st := m.state(modelID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if remaining <= cfg.RemainingThreshold {
		st.pacingDelayMs = cfg.PacingDelayMs
	} else {
		st.pacingDelayMs = 0
	}
}

// CooldownRemainingMs returns the milliseconds left on modelID's cooldown,
// 0 once it has expired.
func (m *Manager) CooldownRemainingMs(modelID string) int64 {
	st := m.state(modelID)
	st.mu.Lock()
	defer st.mu.Unlock()
	remaining := time.Until(st.cooldownUntil)
	if remaining <= 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// PacingDelayMs returns the current inter-dispatch pacing delay for modelID.
func (m *Manager) PacingDelayMs(modelID string) int64 {
	st := m.state(modelID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pacingDelayMs
}

// IsAvailable reports whether modelID's cooldown has expired.
func (m *Manager) IsAvailable(modelID string) bool {
	return m.CooldownRemainingMs(modelID) == 0
}

// InFlight returns the current in-flight dispatch count for modelID.
func (m *Manager) InFlight(modelID string) int64 {
	return m.state(modelID).inFlight.Load()
}

// IncInFlight increments modelID's in-flight count.
func (m *Manager) IncInFlight(modelID string) {
	m.state(modelID).inFlight.Inc()
}

// DecInFlight decrements modelID's in-flight count, floored at 0.
func (m *Manager) DecInFlight(modelID string) {
	st := m.state(modelID)
	for {
		cur := st.inFlight.Load()
		if cur <= 0 {
			return
		}
		if st.inFlight.CAS(cur, cur-1) {
			return
		}
	}
}
