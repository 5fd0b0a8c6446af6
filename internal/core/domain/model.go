package domain

import "time"

// ModelState is the Pool Manager's view of one physical upstream model:
// admission accounting, 429 cooldown and pacing. It is distinct from a
// Key's state - many keys can dispatch to the same model concurrently.
type ModelState struct {
	CooldownUntil      time.Time
	LastRateLimitAt     time.Time
	ID                  string
	InFlight            int64
	MaxConcurrency      int64
	Consecutive429Count int64
	PacingDelayMs       int64
}

// IsAvailable reports whether the model is currently routable: no active
// cooldown. Concurrency-limit admission is checked separately by the
// adaptive concurrency controller since it depends on the controller's
// mode (observe_only vs enforce).
func (m *ModelState) IsAvailable(now time.Time) bool {
	return !now.Before(m.CooldownUntil)
}

// TierStrategy names how a tier picks one physical model among its
// candidates once cooled/over-limit members have been filtered out.
type TierStrategy string

const (
	TierStrategyRoundRobin     TierStrategy = "round_robin"
	TierStrategyBalanced       TierStrategy = "balanced"
	TierStrategyFirstAvailable TierStrategy = "first_available"
)

// TierName groups physical models into equivalence classes the router can
// target from a routing rule.
type TierName string

const (
	TierLight  TierName = "light"
	TierMedium TierName = "medium"
	TierHeavy  TierName = "heavy"
)

// Tier is a named group of physical models sharing a selection strategy
// and an optional concurrency cap applied on top of each model's own
// adaptive limit.
type Tier struct {
	Name           TierName
	Strategy       TierStrategy
	Models         []string
	MaxConcurrency int64 // 0 = unbounded (defer entirely to per-model limits)
}

// TokenRange bounds a routing rule match by estimated prompt size; either
// bound may be zero to mean unbounded in that direction.
type TokenRange struct {
	Min int
	Max int
}

// Contains reports whether tokens falls within the range. A zero-value
// range (Min==0, Max==0) matches everything, since it means the rule did
// not specify a token constraint.
func (r TokenRange) Contains(tokens int) bool {
	if r.Min == 0 && r.Max == 0 {
		return true
	}
	if r.Min > 0 && tokens < r.Min {
		return false
	}
	if r.Max > 0 && tokens > r.Max {
		return false
	}
	return true
}

// RoutingRuleMatch is the left-hand side of a RoutingRule: a model pattern
// (exact, or "*"/prefix-glob wildcard) plus an optional token range.
type RoutingRuleMatch struct {
	Model      string
	TokenRange TokenRange
}

// RoutingRule maps requests whose Match clause is satisfied to a Tier.
// Rules are evaluated in order; the caller is expected to append exactly
// one catch-all rule ({Model: "*"}, Tier: medium) at the end.
type RoutingRule struct {
	Match RoutingRuleMatch
	Tier  TierName
}

// RoutingSource records which mechanism produced a routing decision, for
// tracing and for the shadow-mode rollout mechanism.
type RoutingSource string

const (
	RoutingSourceOverride RoutingSource = "override"
	RoutingSourceTier     RoutingSource = "tier"
	RoutingSourceCatchAll RoutingSource = "catch-all"
	RoutingSourceRule     RoutingSource = "rule"
)

// RoutingDecision is what the Model Router hands back to the request
// handler: the physical model to dispatch to, the tier it came from, and
// why it was chosen.
type RoutingDecision struct {
	Model  string
	Tier   TierName
	Source RoutingSource
	Reason string
}

// RoutingConfig is the full, swappable routing configuration: the ordered
// rule list (catch-all included), the tier definitions, and the shadow
// rollout switch. The router holds a copy-on-write pointer to one of
// these; readers never block on writers.
type RoutingConfig struct {
	Tiers  map[TierName]Tier
	Rules  []RoutingRule
	Shadow bool
}
