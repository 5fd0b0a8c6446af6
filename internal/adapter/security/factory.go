package security

import (
	"net/http"

	"github.com/thushan/olla/internal/config"
	"github.com/thushan/olla/internal/core/ports"
	"github.com/thushan/olla/internal/logger"
)

type Services struct {
	Chain   *ports.SecurityChain
	Metrics ports.SecurityMetricsService
}

type Adapters struct {
	RateLimit *RateLimitValidator
	Metrics   *MetricsAdapter
	Chain     *ports.SecurityChain
}

// NewSecurityServices creates and wires the rate limit validator so it's
// easy to chain and consume. Request size limiting lives on the server's
// own middleware stack (internal/app.RequestSizeLimiter) instead of this
// chain, since that's the copy app.Start actually wires.
func NewSecurityServices(cfg *config.Config, logger *logger.StyledLogger) (*Services, *Adapters) {
	metricsAdapter := NewSecurityMetricsAdapter(logger)
	rateLimitValidator := NewRateLimitValidator(cfg.Server.RateLimits, metricsAdapter, *logger)

	chain := ports.NewSecurityChain(rateLimitValidator)

	services := &Services{
		Chain:   chain,
		Metrics: metricsAdapter,
	}

	adapters := &Adapters{
		RateLimit: rateLimitValidator,
		Metrics:   metricsAdapter,
		Chain:     chain,
	}

	return services, adapters
}

func (sa *Adapters) Stop() {
	if sa.RateLimit != nil {
		sa.RateLimit.Stop()
	}
}

func (sa *Adapters) CreateChainMiddleware() func(http.Handler) http.Handler {
	return sa.RateLimit.CreateMiddleware()
}

func (sa *Adapters) CreateRateLimitMiddleware() func(http.Handler) http.Handler {
	if sa.RateLimit != nil {
		return sa.RateLimit.CreateMiddleware()
	}
	return func(next http.Handler) http.Handler {
		return next
	}
}
