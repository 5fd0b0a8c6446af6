package app

import (
	"time"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/ports"
)

// ModelSnapshot is a point-in-time view of one physical model's pool and
// concurrency state, cheap enough to build every tick.
type ModelSnapshot struct {
	Model             string `json:"model"`
	Available         bool   `json:"available"`
	InFlight          int64  `json:"inFlight"`
	ConcurrencyLimit  int64  `json:"concurrencyLimit"`
	CooldownRemaining int64  `json:"cooldownRemainingMs"`
}

// DashboardSnapshot is the payload published to GET /dashboard/stream
// subscribers every tick. Every field is a plain value copied out of the
// core components' own Snapshot methods, never a reference into mutable
// state.
type DashboardSnapshot struct {
	Timestamp  time.Time            `json:"timestamp"`
	Keys       []ports.KeySnapshot  `json:"keys"`
	Models     []ModelSnapshot      `json:"models"`
	ReplaySize int                  `json:"replayQueueSize"`
	TraceCount int                  `json:"traceCount"`
}

// snapshot aggregates the Key Manager, Pool Manager, Adaptive Concurrency
// Controller and Replay Queue into one DashboardSnapshot. Read-only: it
// never mutates any of the components it reads from.
func (a *Application) snapshot() DashboardSnapshot {
	var keys []ports.KeySnapshot
	if mgr, ok := a.tenantKeys.Load(""); ok {
		keys = mgr.Snapshot()
	}

	models := a.modelSnapshots()

	return DashboardSnapshot{
		Timestamp:  time.Now(),
		Keys:       keys,
		Models:     models,
		ReplaySize: a.replay.Size(),
		TraceCount: a.traces.Len(),
	}
}

// modelSnapshots walks every model named by the current routing config's
// tiers, since the pool and concurrency controller track state per model
// lazily and have no list-all method of their own.
func (a *Application) modelSnapshots() []ModelSnapshot {
	cfg := a.routerC.Config()
	if cfg == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []ModelSnapshot
	for _, tier := range cfg.Tiers {
		for _, model := range tier.Models {
			if _, ok := seen[model]; ok {
				continue
			}
			seen[model] = struct{}{}
			out = append(out, ModelSnapshot{
				Model:             model,
				Available:         a.pool.IsAvailable(model),
				InFlight:          a.pool.InFlight(model),
				ConcurrencyLimit:  a.concurrency.Limit(model),
				CooldownRemaining: a.pool.CooldownRemainingMs(model),
			})
		}
	}
	return out
}

// recentTraces returns traces matching filter, newest first (Query's own
// order), capped at limit.
func (a *Application) recentTraces(filter domain.TraceFilter, limit int) []*domain.Trace {
	matches := a.traces.Query(filter)
	if limit <= 0 || len(matches) <= limit {
		return matches
	}
	return matches[:limit]
}
