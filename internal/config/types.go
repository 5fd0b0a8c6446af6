package config

import (
	"net"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Server         ServerConfig         `yaml:"server"`
	Engineering    EngineeringConfig    `yaml:"engineering"`
	KeyManager     KeyManagerConfig     `yaml:"key_manager"`
	Pool           PoolConfig           `yaml:"pool"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
	Router         RouterConfig         `yaml:"router"`
	Replay         ReplayConfig         `yaml:"replay"`
	RequestHandler RequestHandlerConfig `yaml:"request_handler"`
	Admin          AdminConfig          `yaml:"admin"`
	Pricing        map[string]ModelPricing `yaml:"pricing"`
}

// ModelPricing is the per-1k-token cost used by the stats/traces payloads
// to report an estimated spend alongside token counts.
type ModelPricing struct {
	InputPer1k  float64 `yaml:"input_per_1k"`
	OutputPer1k float64 `yaml:"output_per_1k"`
}

// KeyManagerConfig points at the on-disk api-keys file and tunes health
// scoring and circuit-breaker behaviour shared across all tenants.
type KeyManagerConfig struct {
	KeysFile             string        `yaml:"keys_file"`
	WatchKeysFile        bool          `yaml:"watch_keys_file"`
	CircuitErrorThreshold float64      `yaml:"circuit_error_threshold"`
	CircuitWindowSize    int           `yaml:"circuit_window_size"`
	CircuitOpenDuration  time.Duration `yaml:"circuit_open_duration"`
	CircuitMaxOpenDuration time.Duration `yaml:"circuit_max_open_duration"`
	CooldownBase         time.Duration `yaml:"cooldown_base"`
	CooldownMax          time.Duration `yaml:"cooldown_max"`
	CooldownJitter       float64       `yaml:"cooldown_jitter"`
}

// PoolConfig tunes the per-model 429 backoff curve and pacing delay.
type PoolConfig struct {
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	JitterPercent      float64       `yaml:"jitter_percent"`
	DecayWindow        time.Duration `yaml:"decay_window"`
	RemainingHeader    string        `yaml:"remaining_header"`
	RemainingThreshold int64         `yaml:"remaining_threshold"`
	PacingDelayMs      int64         `yaml:"pacing_delay_ms"`
}

// ConcurrencyConfig tunes the AIMD controller shared by all models.
type ConcurrencyConfig struct {
	Mode            string        `yaml:"mode"` // "observe_only" or "enforce"
	MinLimit        int64         `yaml:"min_limit"`
	MaxLimit        int64         `yaml:"max_limit"`
	InitialLimit    int64         `yaml:"initial_limit"`
	DecreaseFactor  float64       `yaml:"decrease_factor"`
	GrowthThreshold float64       `yaml:"growth_threshold"`
	IncreaseStep    int64         `yaml:"increase_step"`
	RecoveryDelay   time.Duration `yaml:"recovery_delay"`
	TickInterval    time.Duration `yaml:"tick_interval"`
}

// RouterConfig is the hot-reloadable model routing policy: named tiers and
// ordered rules, plus an optional shadow mode that logs the decision a rule
// would have made without acting on it. Field shapes mirror domain.Tier
// and domain.RoutingRule directly so the app wiring layer can translate
// the loaded file 1:1 into a domain.RoutingConfig.
type RouterConfig struct {
	RulesFile string                `yaml:"rules_file"`
	Tiers     map[string]TierConfig `yaml:"tiers"`
	Rules     []RoutingRuleConfig   `yaml:"rules"`
	Shadow    bool                  `yaml:"shadow"`
}

// TierConfig is the on-disk shape of one domain.Tier.
type TierConfig struct {
	Strategy       string   `yaml:"strategy"` // round_robin | balanced | first_available
	Models         []string `yaml:"models"`
	MaxConcurrency int64    `yaml:"max_concurrency"`
}

// RoutingRuleConfig is the on-disk shape of one domain.RoutingRule.
type RoutingRuleConfig struct {
	Model    string `yaml:"model"` // "*" for the catch-all rule
	Tier     string `yaml:"tier"`
	MinTokens int   `yaml:"min_tokens"`
	MaxTokens int   `yaml:"max_tokens"`
}

// ReplayConfig tunes the replay queue's capacity and retry policy.
type ReplayConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	EntryTTL      time.Duration `yaml:"entry_ttl"`
}

// RequestHandlerConfig tunes the attempt loop: retry count, backoff and
// per-attempt timeout strategy.
type RequestHandlerConfig struct {
	BaseURL              string        `yaml:"base_url"`
	MaxAttempts          int           `yaml:"max_attempts"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffCap           time.Duration `yaml:"backoff_cap"`
	BackoffJitter        float64       `yaml:"backoff_jitter"`
	TimeoutMode          string        `yaml:"timeout_mode"` // "fixed" or "adaptive"
	FixedTimeout         time.Duration `yaml:"fixed_timeout"`
	MinTimeout           time.Duration `yaml:"min_timeout"`
	MaxTimeout           time.Duration `yaml:"max_timeout"`
	TimeoutK             float64       `yaml:"timeout_k"`
	AccountScopeHeader   string        `yaml:"account_scope_header"`
	AccountScopeValue    string        `yaml:"account_scope_value"`
}

// AdminConfig gates the admin surface (stats/traces/routing/replay) behind
// a bearer token and tunes its own rate limiting independent of the proxy
// path.
type AdminConfig struct {
	BearerToken string           `yaml:"bearer_token"`
	RateLimits  ServerRateLimits `yaml:"rate_limits"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string              `yaml:"host"`
	Port            int                 `yaml:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	RequestLimits   ServerRequestLimits `yaml:"request_limits"`
	RateLimits      ServerRateLimits    `yaml:"rate_limits"`
}

// ServerRequestLimits defines request size and validation limits
type ServerRequestLimits struct {
	MaxBodySize   int64 `yaml:"max_body_size"`
	MaxHeaderSize int64 `yaml:"max_header_size"`
}

// ServerRateLimits defines rate limiting configuration shared by the proxy
// path's request limiter and the admin surface's own limiter.
type ServerRateLimits struct {
	GlobalRequestsPerMinute int           `yaml:"global_requests_per_minute"`
	PerIPRequestsPerMinute  int           `yaml:"per_ip_requests_per_minute"`
	BurstSize               int           `yaml:"burst_size"`
	HealthRequestsPerMinute int           `yaml:"health_requests_per_minute"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
	IPExtractionTrustProxy  bool          `yaml:"ip_extraction_trust_proxy"`
	TrustProxyHeaders       bool          `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs       []string      `yaml:"trusted_proxy_cidrs"`
	TrustedProxyCIDRsParsed []*net.IPNet  `yaml:"-"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// EngineeringConfig holds development/debugging configuration
type EngineeringConfig struct {
	ShowNerdStats bool `yaml:"show_nerdstats"`
	EnablePprof   bool `yaml:"enable_pprof"`
}
