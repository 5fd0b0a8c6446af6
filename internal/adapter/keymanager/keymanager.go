// Package keymanager implements the Key Manager (C3): the credential pool
// for a tenant, selection eligibility, in-flight accounting, per-key 429
// cooldown and hot-reload. It delegates state gating to the circuit
// breaker adapter and final pick to a KeyScheduler, mirroring how the
// reference balancer package splits "which endpoints are routable" from
// "which selector chooses among them".
package keymanager

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/thushan/olla/internal/adapter/circuitbreaker"
	"github.com/thushan/olla/internal/adapter/ringbuffer"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/ports"
	"github.com/thushan/olla/internal/util"
)

// Config tunes scoring weights and the 429 cooldown curve.
type Config struct {
	LatencyWeight        float64
	SuccessWeight        float64
	RecencyWeight        float64
	MaxAcceptableLatency time.Duration
	RecencyHalfLife      time.Duration
	LatencyRingSize      int
	CooldownBase         time.Duration
	CooldownMax          time.Duration
	CooldownJitter       float64
	UseWeightedSelection bool
}

// DefaultConfig matches the 40/40/20 weighting named in the scoring model.
func DefaultConfig() Config {
	return Config{
		LatencyWeight:        40,
		SuccessWeight:        40,
		RecencyWeight:        20,
		MaxAcceptableLatency: 10 * time.Second,
		RecencyHalfLife:      time.Minute,
		LatencyRingSize:      128,
		CooldownBase:         time.Second,
		CooldownMax:          60 * time.Second,
		CooldownJitter:       0.2,
		UseWeightedSelection: true,
	}
}

type keyRecord struct {
	mu               sync.Mutex
	key              domain.Key
	latency          *ringbuffer.RingBuffer
	consecutive429   int64
}

// Manager implements ports.KeyManager for one tenant's credential pool.
type Manager struct {
	cfg      Config
	breaker  *circuitbreaker.Breaker
	weighted ports.KeyScheduler
	roundRob ports.KeyScheduler

	mu   sync.RWMutex
	keys []*keyRecord
}

// New creates a Manager for the given secrets, all belonging to tenant.
func New(cfg Config, breakerCfg circuitbreaker.Config, tenant string, secrets []string, weighted, roundRobin ports.KeyScheduler) *Manager {
	m := &Manager{
		cfg:      cfg,
		breaker:  circuitbreaker.New(breakerCfg, len(secrets)),
		weighted: weighted,
		roundRob: roundRobin,
	}
	m.keys = make([]*keyRecord, len(secrets))
	for i, secret := range secrets {
		m.keys[i] = newKeyRecord(cfg, tenant, secret)
	}
	return m
}

func newKeyRecord(cfg Config, tenant, secret string) *keyRecord {
	return &keyRecord{
		latency: ringbuffer.New(cfg.LatencyRingSize),
		key: domain.Key{
			ID:             domain.PublicID(secret),
			Secret:         secret,
			Tenant:         tenant,
			ExcludedReason: domain.ExcludedNone,
		},
	}
}

// Acquire picks one eligible key and increments its in-flight counter.
func (m *Manager) Acquire(ctx context.Context, opts ports.AcquireOptions) (int, domain.SelectionReason, error) {
	select {
	case <-ctx.Done():
		return -1, domain.SelectionForced, ctx.Err()
	default:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	candidates := make([]int, 0, len(m.keys))
	for i, rec := range m.keys {
		if _, attempted := opts.AttemptedKeys[i]; attempted {
			continue
		}
		if opts.Tenant != "" && rec.key.Tenant != opts.Tenant {
			continue
		}
		if !m.breaker.CanAttempt(i) {
			continue
		}

		rec.mu.Lock()
		eligible := rec.key.ExcludedReason == domain.ExcludedNone && rec.key.CooldownExpired(now)
		rec.mu.Unlock()
		if !eligible {
			continue
		}

		candidates = append(candidates, i)
	}

	if len(candidates) == 0 {
		return -1, domain.SelectionForced, domain.ErrNoHealthyKey
	}

	scheduler := m.weighted
	reason := domain.SelectionWeighted
	if !m.cfg.UseWeightedSelection {
		scheduler = m.roundRob
		reason = domain.SelectionRoundRobin
	}

	picked := scheduler.Select(candidates, m.scoreOf, m.inFlightOf)
	if picked < 0 {
		return -1, domain.SelectionForced, domain.ErrNoHealthyKey
	}
	keyIndex := candidates[picked]

	rec := m.keys[keyIndex]
	rec.mu.Lock()
	rec.key.InFlight++
	rec.mu.Unlock()

	return keyIndex, reason, nil
}

// Release decrements in-flight and folds outcome into the key's counters,
// latency ring, circuit breaker and 429 cooldown.
func (m *Manager) Release(keyIndex int, outcome ports.ReleaseOutcome) {
	m.mu.RLock()
	if keyIndex < 0 || keyIndex >= len(m.keys) {
		m.mu.RUnlock()
		return
	}
	rec := m.keys[keyIndex]
	m.mu.RUnlock()

	now := time.Now()

	rec.mu.Lock()
	if rec.key.InFlight > 0 {
		rec.key.InFlight--
	}
	rec.key.Counters.Total++
	if outcome.Success {
		rec.key.Counters.Successes++
		rec.key.Counters.LastSuccessAt = now
		rec.consecutive429 = 0
	} else if !outcome.ClientDisconnect {
		rec.key.Counters.Failures++
		rec.key.Counters.LastFailureAt = now
		rec.key.Counters.LastErrorKind = outcome.ErrorKind
	}

	if outcome.ErrorKind == domain.ErrorKindRateLimitedKey {
		rec.key.Counters.RateLimited++
		rec.consecutive429++
		rec.key.CooldownUntil = now.Add(util.BackoffWithJitter(m.cfg.CooldownBase, m.cfg.CooldownMax, int(rec.consecutive429), m.cfg.CooldownJitter))
		if outcome.AccountLevel429 {
			rec.key.ExcludedReason = domain.ExcludedAccountLevel429
		}
	} else if outcome.ErrorKind == domain.ErrorKindAuthError {
		// No dedicated auth-exclusion reason exists: an invalid credential
		// needs operator rotation, so it is treated the same as a manual
		// exclusion until the key file is replaced.
		rec.key.ExcludedReason = domain.ExcludedManual
	} else if rec.key.ExcludedReason == domain.ExcludedAccountLevel429 && rec.key.CooldownExpired(now) {
		rec.key.ExcludedReason = domain.ExcludedNone
	}

	if outcome.Latency > 0 {
		rec.latency.Push(time.Duration(outcome.Latency) * time.Millisecond)
	}
	rec.mu.Unlock()

	if outcome.ClientDisconnect {
		return
	}
	if outcome.Success {
		m.breaker.RecordSuccess(keyIndex)
	} else {
		m.breaker.RecordFailure(keyIndex, outcome.ErrorKind)
		if outcome.ErrorKind.OpensCircuit() {
			rec.mu.Lock()
			rec.key.LastCircuitTrip = now
			rec.mu.Unlock()
		}
	}
}

// Snapshot returns an immutable view of every key for tracing/dashboards.
func (m *Manager) Snapshot() []ports.KeySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ports.KeySnapshot, len(m.keys))
	now := time.Now()
	for i, rec := range m.keys {
		rec.mu.Lock()
		cooldownRemaining := int64(0)
		if r := rec.key.CooldownUntil.Sub(now); r > 0 {
			cooldownRemaining = r.Milliseconds()
		}
		out[i] = ports.KeySnapshot{
			ID:                  rec.key.ID,
			ExcludedReason:      rec.key.ExcludedReason,
			CircuitState:        m.breaker.State(i),
			InFlight:            rec.key.InFlight,
			Total:               rec.key.Counters.Total,
			Successes:           rec.key.Counters.Successes,
			Failures:            rec.key.Counters.Failures,
			RateLimited:         rec.key.Counters.RateLimited,
			P95LatencyMs:        rec.latency.Percentile(0.95).Milliseconds(),
			CooldownRemainingMs: cooldownRemaining,
		}
		rec.mu.Unlock()
	}
	return out
}

// Reload hot-replaces the pool: keys whose secret is still present keep
// their counters and state; keys removed from secrets are kept around
// (excluded from selection) until their in-flight count drains to 0, then
// dropped on a subsequent Reload.
func (m *Manager) Reload(tenant string, secrets []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := make(map[string]*keyRecord, len(m.keys))
	for _, rec := range m.keys {
		rec.mu.Lock()
		byID[rec.key.ID] = rec
		rec.mu.Unlock()
	}

	next := make([]*keyRecord, 0, len(secrets))
	seen := make(map[string]struct{}, len(secrets))
	for _, secret := range secrets {
		id := domain.PublicID(secret)
		if _, dup := seen[id]; dup {
			continue
		}
		if rec, ok := byID[id]; ok {
			rec.mu.Lock()
			rec.key.ExcludedReason = domain.ExcludedNone
			rec.mu.Unlock()
			next = append(next, rec)
		} else {
			next = append(next, newKeyRecord(m.cfg, tenant, secret))
		}
		seen[id] = struct{}{}
	}

	for id, rec := range byID {
		if _, ok := seen[id]; ok {
			continue
		}
		rec.mu.Lock()
		draining := rec.key.InFlight > 0
		rec.key.ExcludedReason = domain.ExcludedManual
		rec.mu.Unlock()
		if draining {
			next = append(next, rec)
		}
	}

	m.keys = next
	m.breaker.Grow(len(next))
	return nil
}

// KeyID returns the public, non-reversible identifier for keyIndex.
func (m *Manager) KeyID(keyIndex int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if keyIndex < 0 || keyIndex >= len(m.keys) {
		return ""
	}
	return m.keys[keyIndex].key.ID
}

// scoreOf computes the composite health score in [0,100] for keyIndex,
// per the latency/success/recency weighting.
func (m *Manager) scoreOf(keyIndex int) float64 {
	m.mu.RLock()
	if keyIndex < 0 || keyIndex >= len(m.keys) {
		m.mu.RUnlock()
		return 0
	}
	rec := m.keys[keyIndex]
	m.mu.RUnlock()

	rec.mu.Lock()
	p95 := rec.latency.Percentile(0.95)
	total := rec.key.Counters.Total
	successes := rec.key.Counters.Successes
	lastFailure := rec.key.Counters.LastFailureAt
	rec.mu.Unlock()

	latencyScore := 1 - normalise(float64(p95), float64(m.cfg.MaxAcceptableLatency))
	successScore := float64(successes) / math.Max(1, float64(total))

	recencyScore := 1.0
	if !lastFailure.IsZero() {
		recencyScore = decay(time.Since(lastFailure), m.cfg.RecencyHalfLife)
	}

	return m.cfg.LatencyWeight*latencyScore + m.cfg.SuccessWeight*successScore + m.cfg.RecencyWeight*recencyScore
}

func (m *Manager) inFlightOf(keyIndex int) int64 {
	m.mu.RLock()
	if keyIndex < 0 || keyIndex >= len(m.keys) {
		m.mu.RUnlock()
		return 0
	}
	rec := m.keys[keyIndex]
	m.mu.RUnlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.key.InFlight
}

func normalise(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	n := v / max
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// decay grows from 0 right after a failure back toward 1 with the given
// half-life: decay(t) = 1 - 0.5^(t/halfLife).
func decay(elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	return 1 - math.Pow(0.5, float64(elapsed)/float64(halfLife))
}
