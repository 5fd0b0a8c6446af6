package config

import (
	"fmt"
	"github.com/fsnotify/fsnotify"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort = 19841
	DefaultHost = "localhost"

	DefaultFileWriteDelay = 150 * time.Millisecond // Small delay to ensure file write is complete
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLimits: ServerRequestLimits{
				MaxBodySize:   10 * 1024 * 1024,
				MaxHeaderSize: 64 * 1024,
			},
			RateLimits: ServerRateLimits{
				GlobalRequestsPerMinute: 6000,
				PerIPRequestsPerMinute:  300,
				BurstSize:               50,
				HealthRequestsPerMinute: 1000,
				CleanupInterval:         5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Engineering: EngineeringConfig{
			ShowNerdStats: false,
			EnablePprof:   false,
		},
		KeyManager: KeyManagerConfig{
			KeysFile:               "./api-keys.json",
			WatchKeysFile:          true,
			CircuitErrorThreshold:  0.5,
			CircuitWindowSize:      20,
			CircuitOpenDuration:    30 * time.Second,
			CircuitMaxOpenDuration: 5 * time.Minute,
			CooldownBase:           time.Second,
			CooldownMax:            60 * time.Second,
			CooldownJitter:         0.2,
		},
		Pool: PoolConfig{
			BaseDelay:          time.Second,
			MaxDelay:           60 * time.Second,
			JitterPercent:      0.2,
			DecayWindow:        5 * time.Minute,
			RemainingHeader:    "anthropic-ratelimit-requests-remaining",
			RemainingThreshold: 5,
			PacingDelayMs:      250,
		},
		Concurrency: ConcurrencyConfig{
			Mode:            "observe_only",
			MinLimit:        1,
			MaxLimit:        64,
			InitialLimit:    8,
			DecreaseFactor:  0.5,
			GrowthThreshold: 0.95,
			IncreaseStep:    1,
			RecoveryDelay:   10 * time.Second,
			TickInterval:    2 * time.Second,
		},
		Router: RouterConfig{
			Tiers: map[string]TierConfig{
				"medium": {Strategy: "first_available"},
			},
			Rules: []RoutingRuleConfig{
				{Model: "*", Tier: "medium"},
			},
		},
		Replay: ReplayConfig{
			Enabled:       true,
			MaxQueueSize:  256,
			MaxRetries:    3,
			RetryInterval: 30 * time.Second,
			EntryTTL:      24 * time.Hour,
		},
		RequestHandler: RequestHandlerConfig{
			MaxAttempts:        3,
			BackoffBase:        200 * time.Millisecond,
			BackoffCap:         5 * time.Second,
			BackoffJitter:      0.2,
			TimeoutMode:        "adaptive",
			FixedTimeout:       60 * time.Second,
			MinTimeout:         5 * time.Second,
			MaxTimeout:         120 * time.Second,
			TimeoutK:           4,
			AccountScopeHeader: "anthropic-ratelimit-scope",
			AccountScopeValue:  "account",
		},
		Admin: AdminConfig{
			RateLimits: ServerRateLimits{
				GlobalRequestsPerMinute: 600,
				PerIPRequestsPerMinute:  60,
				BurstSize:               10,
				HealthRequestsPerMinute: 600,
				CleanupInterval:         5 * time.Minute,
			},
		},
	}
}

// Load loads configuration from file and environment variables
func Load(onConfigChange func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("OLLA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, check if we have OLLA_CONFIG_FILE env var
		if configFile := os.Getenv("OLLA_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			// lame debounce to avoid rapid-fire reloads
			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // Ignore miultiple rapid changes
			}
			lastReload = now

			// looks like on windows this event is triggered
			// before the file is fully written, not sure why
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return config, nil
}
