// Package adaptiveconcurrency implements the AIMD concurrency controller
// (C5): one limit per physical model, decreased multiplicatively the
// instant a 429 is observed and grown additively on a periodic tick when
// utilisation stays high. The periodic-tick shape mirrors the reference
// health scheduler's external ticker loop with a Tick method exposed
// separately so tests can drive it without sleeping; per-model state
// lives in an xsync.Map as in the reference stats collector.
package adaptiveconcurrency

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thushan/olla/internal/core/ports"
)

// Config tunes the AIMD curve. Field names mirror the dispatch core spec.
type Config struct {
	MinLimit        int64
	MaxLimit        int64
	InitialLimit    int64
	DecreaseFactor  float64
	GrowthThreshold float64
	IncreaseStep    int64
	RecoveryDelay   time.Duration
	TickInterval    time.Duration
	Mode            ports.ConcurrencyMode
}

// DefaultConfig provides a conservative curve: halve on 429, grow by 1
// every 2s once in-flight utilisation is at or above 80% and no 429 has
// been seen in the last 10s.
func DefaultConfig() Config {
	return Config{
		MinLimit:        1,
		MaxLimit:        64,
		InitialLimit:    8,
		DecreaseFactor:  0.5,
		GrowthThreshold: 0.8,
		IncreaseStep:    1,
		RecoveryDelay:   10 * time.Second,
		TickInterval:    2 * time.Second,
		Mode:            ports.ConcurrencyEnforce,
	}
}

type modelState struct {
	mu              sync.Mutex
	limit           int64
	lastDecreaseAt  time.Time
}

// Controller implements ports.AdaptiveConcurrency.
type Controller struct {
	cfg      Config
	states   *xsync.Map[string, *modelState]
	inFlight func(modelID string) int64
}

// New creates a Controller. inFlight reports the current in-flight count
// for a model, used on Tick to decide whether utilisation justifies
// growing the limit; typically wired to the Pool Manager's InFlight.
func New(cfg Config, inFlight func(modelID string) int64) *Controller {
	return &Controller{
		cfg:      cfg,
		states:   xsync.NewMap[string, *modelState](),
		inFlight: inFlight,
	}
}

func (c *Controller) state(modelID string) *modelState {
	st, _ := c.states.LoadOrStore(modelID, &modelState{limit: c.cfg.InitialLimit})
	return st
}

// Limit returns the current concurrency limit for modelID.
func (c *Controller) Limit(modelID string) int64 {
	st := c.state(modelID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.limit
}

// Mode returns the configured enforcement mode.
func (c *Controller) Mode() ports.ConcurrencyMode {
	return c.cfg.Mode
}

// OnRateLimited multiplicatively decreases modelID's limit, floored at
// MinLimit, and resets its recovery window.
func (c *Controller) OnRateLimited(modelID string) {
	st := c.state(modelID)
	st.mu.Lock()
	defer st.mu.Unlock()

	reduced := int64(float64(st.limit) * c.cfg.DecreaseFactor)
	if reduced < c.cfg.MinLimit {
		reduced = c.cfg.MinLimit
	}
	st.limit = reduced
	st.lastDecreaseAt = time.Now()
}

// Tick advances every tracked model by one AIMD period: grows the limit
// additively when there has been no recent decrease and utilisation is
// at or above the growth threshold.
func (c *Controller) Tick() {
	now := time.Now()
	c.states.Range(func(modelID string, st *modelState) bool {
		st.mu.Lock()
		defer st.mu.Unlock()

		if !st.lastDecreaseAt.IsZero() && now.Sub(st.lastDecreaseAt) < c.cfg.RecoveryDelay {
			return true
		}

		inFlight := float64(c.inFlight(modelID))
		if st.limit <= 0 || inFlight/float64(st.limit) < c.cfg.GrowthThreshold {
			return true
		}

		grown := st.limit + c.cfg.IncreaseStep
		if grown > c.cfg.MaxLimit {
			grown = c.cfg.MaxLimit
		}
		st.limit = grown
		return true
	})
}

// Run ticks the controller every TickInterval until done is closed.
// Mirrors the reference health scheduler's background ticker goroutine.
func (c *Controller) Run(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}
