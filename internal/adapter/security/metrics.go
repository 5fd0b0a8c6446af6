package security

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/atomic"

	"github.com/thushan/olla/internal/core/ports"
	"github.com/thushan/olla/internal/logger"
)

// MetricsAdapter is the in-memory ports.SecurityMetricsService backing the
// admin /stats surface: counts rate-limit and size-limit violations and
// tracks the set of client IDs that have ever been rate limited.
type MetricsAdapter struct {
	logger *logger.StyledLogger

	rateLimitViolations atomic.Int64
	sizeLimitViolations atomic.Int64
	rateLimitedIDs       *xsync.Map[string, struct{}]
}

// NewSecurityMetricsAdapter concise way to capture security metrics for now
func NewSecurityMetricsAdapter(logger *logger.StyledLogger) *MetricsAdapter {
	return &MetricsAdapter{
		logger:         logger,
		rateLimitedIDs: xsync.NewMap[string, struct{}](),
	}
}

func (sma *MetricsAdapter) RecordViolation(ctx context.Context, violation ports.SecurityViolation) error {
	switch violation.ViolationType {
	case "rate_limit":
		sma.rateLimitViolations.Inc()
		sma.rateLimitedIDs.Store(violation.ClientID, struct{}{})
	case "size_limit":
		sma.sizeLimitViolations.Inc()
		if violation.Size > 50*1024*1024 {
			sma.logger.Warn("Large request blocked",
				"client_id", violation.ClientID,
				"size", violation.Size,
				"endpoint", violation.Endpoint)
		}
	}

	return nil
}

func (sma *MetricsAdapter) GetMetrics(ctx context.Context) (ports.SecurityMetrics, error) {
	return ports.SecurityMetrics{
		RateLimitViolations:  sma.rateLimitViolations.Load(),
		SizeLimitViolations:  sma.sizeLimitViolations.Load(),
		UniqueRateLimitedIPs: sma.rateLimitedIDs.Size(),
	}, nil
}
