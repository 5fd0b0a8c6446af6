package util

import (
	"math"
	"math/rand"
	"time"

	"github.com/thushan/olla/internal/core/constants"
)

// CalculateExponentialBackoff computes exponential backoff with optional jitter.
// Formula: baseDelay * 2^(attempt-1), capped at maxDelay
func CalculateExponentialBackoff(attempt int, baseDelay time.Duration, maxDelay time.Duration, jitterPercent float64) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := float64(baseDelay) * math.Pow(2, float64(attempt-1))

	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	if jitterPercent > 0 {
		// Time-based pseudo-random jitter, derived from the clock rather than math/rand
		pseudoRandom := float64(time.Now().UnixNano()%1000) / 1000.0
		jitter := backoff * jitterPercent * (pseudoRandom - 0.5)
		backoff += jitter
	}

	return time.Duration(backoff)
}

// CalculateEndpointBackoff computes backoff interval for endpoint health checks.
// Uses exponential multiplier for proper backoff progression
func CalculateEndpointBackoff(checkInterval time.Duration, backoffMultiplier int) time.Duration {
	if backoffMultiplier <= 0 {
		return checkInterval
	}

	// Use the provided multiplier directly (already exponential: 1, 2, 4, 8...)
	backoffInterval := checkInterval * time.Duration(backoffMultiplier)

	if backoffInterval > constants.DefaultMaxBackoffSeconds {
		backoffInterval = constants.DefaultMaxBackoffSeconds
	}

	return backoffInterval
}

// BackoffWithJitter computes raw = min(base*2^(attempt-1), maxDelay), then
// applies a uniform +/-jitter spread: raw * (1 + U(-jitter, +jitter)). Used
// for 429 cooldowns, where the caller needs the jitter sampled fresh on
// every call rather than CalculateExponentialBackoff's time-derived jitter.
func BackoffWithJitter(base, maxDelay time.Duration, attempt int, jitter float64) time.Duration {
	if attempt <= 0 {
		return 0
	}

	raw := float64(base) * math.Pow(2, float64(attempt-1))
	if raw > float64(maxDelay) {
		raw = float64(maxDelay)
	}

	if jitter > 0 {
		spread := (rand.Float64()*2 - 1) * jitter
		raw *= 1 + spread
	}

	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

// CalculateConnectionRetryBackoff computes backoff for connection retry attempts.
// Linear progression: consecutiveFailures * ConnectionRetryBackoffMultiplier seconds, capped at MaxBackoffSeconds
func CalculateConnectionRetryBackoff(consecutiveFailures int) time.Duration {
	backoffDuration := time.Duration(consecutiveFailures*constants.ConnectionRetryBackoffMultiplier) * time.Second
	if backoffDuration > constants.DefaultMaxBackoffSeconds {
		backoffDuration = constants.DefaultMaxBackoffSeconds
	}
	return backoffDuration
}
