package ports

import (
	"context"

	"github.com/thushan/olla/internal/core/domain"
)

// RouteRequest is the input to the Model Router's selection decision.
type RouteRequest struct {
	OriginalModel    string
	TokenEstimate    int
	AttemptedModels  map[string]struct{}
	OverrideModel    string // from a trusted x-model-override header, empty if absent/untrusted
}

// ModelRouter resolves a logical (client-facing) model to a physical
// (upstream) model via tiers and ordered rules, respecting the pool
// manager's cooldowns and the adaptive concurrency controller's limits.
type ModelRouter interface {
	// SelectModel returns nil, nil when no rule produced a routable
	// candidate (including shadow mode) - the caller should pass the
	// original model through unmodified.
	SelectModel(ctx context.Context, req RouteRequest) (*domain.RoutingDecision, error)
	SetConfig(cfg *domain.RoutingConfig)
	Config() *domain.RoutingConfig
}
