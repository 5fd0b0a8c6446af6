package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thushan/olla/internal/config"
	"github.com/thushan/olla/internal/core/domain"
)

// routingFile is the on-disk shape of the hot-reloadable tier/rule policy,
// loaded independently of the main config so operators can push routing
// changes (via file or PUT /model-routing) without a full restart.
type routingFile struct {
	Tiers  map[string]config.TierConfig     `yaml:"tiers"`
	Rules  []config.RoutingRuleConfig       `yaml:"rules"`
	Shadow bool                             `yaml:"shadow"`
}

func loadRoutingFile(path string) (*domain.RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routing rules file %s: %w", path, err)
	}
	var rf routingFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing routing rules file %s: %w", path, err)
	}
	return toRoutingConfig(rf.Tiers, rf.Rules, rf.Shadow), nil
}

// toRoutingConfig translates the on-disk shape 1:1 into the domain type
// the Model Router consumes.
func toRoutingConfig(tiers map[string]config.TierConfig, rules []config.RoutingRuleConfig, shadow bool) *domain.RoutingConfig {
	out := &domain.RoutingConfig{
		Tiers:  make(map[domain.TierName]domain.Tier, len(tiers)),
		Rules:  make([]domain.RoutingRule, 0, len(rules)),
		Shadow: shadow,
	}
	for name, t := range tiers {
		out.Tiers[domain.TierName(name)] = domain.Tier{
			Name:           domain.TierName(name),
			Strategy:       domain.TierStrategy(t.Strategy),
			Models:         t.Models,
			MaxConcurrency: t.MaxConcurrency,
		}
	}
	for _, r := range rules {
		out.Rules = append(out.Rules, domain.RoutingRule{
			Match: domain.RoutingRuleMatch{
				Model:      r.Model,
				TokenRange: domain.TokenRange{Min: r.MinTokens, Max: r.MaxTokens},
			},
			Tier: domain.TierName(r.Tier),
		})
	}
	return out
}

// defaultRoutingConfig gives the router something runnable when no rules
// file is configured: a single medium tier and a catch-all rule, mirroring
// DefaultConfig()'s zero-configuration philosophy.
func defaultRoutingConfig(cfg config.RouterConfig) *domain.RoutingConfig {
	if len(cfg.Tiers) > 0 || len(cfg.Rules) > 0 {
		return toRoutingConfig(cfg.Tiers, cfg.Rules, cfg.Shadow)
	}
	return &domain.RoutingConfig{
		Tiers: map[domain.TierName]domain.Tier{
			domain.TierMedium: {
				Name:     domain.TierMedium,
				Strategy: domain.TierStrategyFirstAvailable,
			},
		},
		Rules: []domain.RoutingRule{
			{Match: domain.RoutingRuleMatch{Model: "*"}, Tier: domain.TierMedium},
		},
	}
}
