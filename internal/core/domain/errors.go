package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the dispatch core. Components wrap these with
// errors.As/errors.Is-friendly context rather than returning bare strings.
var (
	ErrNoHealthyKey    = errors.New("no healthy key available")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrModelCooldown   = errors.New("model is cooling down")
	ErrConcurrencyFull = errors.New("adaptive concurrency limit reached")
	ErrQueueFull       = errors.New("replay queue is full")
	ErrReplayNotFound  = errors.New("replay entry not found")
	ErrAlreadyReplaying = errors.New("replay already in progress")
)

// ProxyError wraps a failed upstream dispatch with enough context to log
// and trace it without re-deriving the attempt from scratch.
type ProxyError struct {
	Err        error
	TraceID    string
	Model      string
	KeyID      string
	Method     string
	Path       string
	StatusCode int
	Latency    time.Duration
}

func (e *ProxyError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("proxy request failed [%s] %s %s -> %s (key %s): HTTP %d after %v: %v",
			e.TraceID, e.Method, e.Path, e.Model, e.KeyID, e.StatusCode, e.Latency, e.Err)
	}
	return fmt.Sprintf("proxy request failed [%s] %s %s -> %s (key %s): %v after %v",
		e.TraceID, e.Method, e.Path, e.Model, e.KeyID, e.Err, e.Latency)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

func NewProxyError(traceID, method, path, model, keyID string, statusCode int, latency time.Duration, err error) *ProxyError {
	return &ProxyError{
		TraceID:    traceID,
		Method:     method,
		Path:       path,
		Model:      model,
		KeyID:      keyID,
		StatusCode: statusCode,
		Latency:    latency,
		Err:        err,
	}
}

// ConfigValidationError flags a malformed configuration value at startup
// or reload time.
type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s=%v: %s", e.Field, e.Value, e.Reason)
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigValidationError {
	return &ConfigValidationError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}
