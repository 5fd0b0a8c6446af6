// Package modelrouter implements the Model Router (C6): resolves a
// logical, client-facing model name to a physical upstream model via
// ordered rules and named tiers, respecting the Pool Manager's cooldowns
// and the Adaptive Concurrency controller's admission limit. Grounded on
// util/pattern.MatchesGlob for rule matching and on the copy-on-write
// config-pointer swap used elsewhere in the module for lock-free reads
// of hot-reloadable configuration.
package modelrouter

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/ports"
	"github.com/thushan/olla/internal/util/pattern"
)

// Router implements ports.ModelRouter.
type Router struct {
	cfg         atomic.Pointer[domain.RoutingConfig]
	pool        ports.PoolManager
	concurrency ports.AdaptiveConcurrency
	rrCounters  *xsync.Map[domain.TierName, *uint64]
	log         *slog.Logger
}

// New creates a Router with an empty configuration; call SetConfig before
// routing any request.
func New(pool ports.PoolManager, concurrency ports.AdaptiveConcurrency, log *slog.Logger) *Router {
	return &Router{
		pool:        pool,
		concurrency: concurrency,
		rrCounters:  xsync.NewMap[domain.TierName, *uint64](),
		log:         log,
	}
}

// SetConfig atomically swaps the routing configuration; in-flight
// SelectModel calls see either the old or the new config, never a mix.
func (r *Router) SetConfig(cfg *domain.RoutingConfig) {
	r.cfg.Store(cfg)
}

// Config returns the active routing configuration, or nil if none is set.
func (r *Router) Config() *domain.RoutingConfig {
	return r.cfg.Load()
}

// SelectModel resolves req per the router algorithm: override header,
// then ordered rule match, then tier strategy, then the automatic
// medium-tier fallback. Returns nil, nil when nothing routable was
// found, including when shadow mode suppresses an otherwise valid
// decision - the caller should pass the original model through.
func (r *Router) SelectModel(ctx context.Context, req ports.RouteRequest) (*domain.RoutingDecision, error) {
	cfg := r.cfg.Load()
	if cfg == nil {
		return nil, nil
	}

	if req.OverrideModel != "" {
		return &domain.RoutingDecision{
			Model:  req.OverrideModel,
			Source: domain.RoutingSourceOverride,
			Reason: "x-model-override",
		}, nil
	}

	decision := r.route(cfg, req)
	if decision == nil {
		return nil, nil
	}

	if cfg.Shadow {
		r.logShadow(decision, req)
		return nil, nil
	}
	return decision, nil
}

func (r *Router) route(cfg *domain.RoutingConfig, req ports.RouteRequest) *domain.RoutingDecision {
	for _, rule := range cfg.Rules {
		if !r.ruleMatches(rule.Match, req) {
			continue
		}
		tier, ok := cfg.Tiers[rule.Tier]
		if !ok {
			continue
		}
		model, ok := r.pickFromTier(tier, req.AttemptedModels)
		if !ok {
			continue
		}

		source := domain.RoutingSourceRule
		reason := "matched routing rule"
		if rule.Match.Model == "*" {
			source = domain.RoutingSourceCatchAll
			reason = "catch-all rule"
		}
		return &domain.RoutingDecision{Model: model, Tier: rule.Tier, Source: source, Reason: reason}
	}

	// every matching rule's tier was exhausted (or none matched): fall
	// back automatically to the medium tier rather than a rule match.
	if tier, ok := cfg.Tiers[domain.TierMedium]; ok {
		if model, ok := r.pickFromTier(tier, req.AttemptedModels); ok {
			return &domain.RoutingDecision{Model: model, Tier: domain.TierMedium, Source: domain.RoutingSourceTier, Reason: "default medium tier"}
		}
	}

	return nil
}

func (r *Router) ruleMatches(match domain.RoutingRuleMatch, req ports.RouteRequest) bool {
	if !pattern.MatchesGlob(req.OriginalModel, match.Model) {
		return false
	}
	return match.TokenRange.Contains(req.TokenEstimate)
}

// pickFromTier filters the tier's models by attempted-set membership,
// pool cooldown and (in enforce mode) the adaptive concurrency limit,
// then applies the tier's strategy.
func (r *Router) pickFromTier(tier domain.Tier, attempted map[string]struct{}) (string, bool) {
	candidates := make([]string, 0, len(tier.Models))
	for _, model := range tier.Models {
		if _, done := attempted[model]; done {
			continue
		}
		if !r.pool.IsAvailable(model) {
			continue
		}
		if r.concurrency != nil && r.concurrency.Mode() == ports.ConcurrencyEnforce {
			if r.pool.InFlight(model) >= r.concurrency.Limit(model) {
				continue
			}
		}
		candidates = append(candidates, model)
	}

	if len(candidates) == 0 {
		return "", false
	}

	switch tier.Strategy {
	case domain.TierStrategyRoundRobin:
		return candidates[r.nextRoundRobin(tier.Name, len(candidates))], true
	case domain.TierStrategyBalanced:
		return r.leastLoaded(candidates), true
	default: // first_available
		return candidates[0], true
	}
}

func (r *Router) nextRoundRobin(tier domain.TierName, n int) int {
	counter, _ := r.rrCounters.LoadOrStore(tier, new(uint64))
	v := atomic.AddUint64(counter, 1)
	return int(v-1) % n
}

func (r *Router) leastLoaded(candidates []string) string {
	best := candidates[0]
	bestInFlight := r.pool.InFlight(best)
	for _, c := range candidates[1:] {
		if f := r.pool.InFlight(c); f < bestInFlight {
			bestInFlight = f
			best = c
		}
	}
	return best
}

func (r *Router) logShadow(decision *domain.RoutingDecision, req ports.RouteRequest) {
	if r.log == nil {
		return
	}
	r.log.Debug("shadow routing decision",
		"original_model", req.OriginalModel,
		"would_route_to", decision.Model,
		"tier", decision.Tier,
		"source", decision.Source,
	)
}
