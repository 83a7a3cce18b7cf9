// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis, Postgres and ClickHouse are optional in development: without them the
// gateway runs with an empty registry seed, a permissive credit guard and a
// log-only request sink.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// OpenAI-compatible providers.
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Together   ProviderConfig
	Perplexity ProviderConfig
	Cerebras   ProviderConfig

	// Database holds the Postgres connection settings for users, credits and
	// the model catalog.
	Database DatabaseConfig

	// Redis holds the connection URL for the catalog cache, rate limiter and
	// health-probe leases. Optional; everything degrades to in-process.
	Redis RedisConfig

	// ClickHouse holds the DSN for the request accounting sink. Optional;
	// empty means rows are emitted as structured log lines.
	ClickHouse ClickHouseConfig

	// Catalog controls the catalog cache TTLs and the registry sync job.
	Catalog CatalogConfig

	// CircuitBreaker controls per-pair circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls per-API-key token bucket limits.
	RateLimit RateLimitConfig

	// Health controls the tiered model health tracker.
	Health HealthConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	// URL is the primary postgres:// DSN. Required for billing; empty runs
	// the gateway in unbilled development mode.
	URL string

	// ReadReplicaURL, when set, serves catalog and balance reads.
	ReadReplicaURL string

	// MaxOpenConns caps the pool size. Default: 20.
	MaxOpenConns int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics sink configuration.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Empty disables the sink.
	URL string
}

// CatalogConfig controls catalog caching and the registry sync job.
type CatalogConfig struct {
	// FreshTTL is how long a cached catalog entry serves without any refresh.
	// Default: 30m.
	FreshTTL time.Duration

	// StaleTTL is the window after FreshTTL during which stale data is served
	// while a background refresh runs. Default: 2h.
	StaleTTL time.Duration

	// SyncEnabled starts the periodic registry rebuild. Default: true.
	SyncEnabled bool

	// SyncInterval is the period between registry rebuilds. Default: 1h.
	SyncInterval time.Duration

	// SyncProviders filters the sync to specific provider slugs. Empty means
	// all providers.
	SyncProviders []string
}

// CircuitBreakerConfig controls per-pair circuit breaker settings.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive provider-side failures that
	// trip a (provider, model) pair. Default: 5.
	Threshold int

	// Cooldown is how long a tripped pair stays open before a single probe
	// request is allowed. Default: 5m.
	Cooldown time.Duration

	// ProviderPairThreshold is the number of simultaneously open pairs that
	// marks a whole provider unavailable. Default: 3.
	ProviderPairThreshold int
}

// RateLimitConfig controls the per-key token buckets. 0 disables a window.
type RateLimitConfig struct {
	PerSecond int
	PerMinute int
	PerDay    int
}

// HealthConfig controls the tiered health tracker.
type HealthConfig struct {
	// Enabled starts the probe scheduler. Default: true when Redis and a
	// database are configured.
	Enabled bool
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("DB_MAX_OPEN_CONNS", 20)

	// Catalog cache + sync defaults.
	v.SetDefault("CACHE_FRESH_TTL_MINUTES", 30)
	v.SetDefault("CACHE_STALE_TTL_MINUTES", 120)
	v.SetDefault("SYNC_ENABLED", true)
	v.SetDefault("SYNC_INTERVAL_HOURS", 1)

	// Circuit breaker defaults.
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN_SECONDS", 300)
	v.SetDefault("BREAKER_PROVIDER_PAIRS", 3)

	// Rate limits: 0 = window disabled.
	v.SetDefault("RATE_LIMIT_PER_SECOND", 0)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 0)
	v.SetDefault("RATE_LIMIT_PER_DAY", 0)

	v.SetDefault("HEALTH_TRACKER_ENABLED", true)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY"), BaseURL: v.GetString("XAI_BASE_URL")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY"), BaseURL: v.GetString("DEEPSEEK_BASE_URL")},
		Groq:       ProviderConfig{APIKey: v.GetString("GROQ_API_KEY"), BaseURL: v.GetString("GROQ_BASE_URL")},
		Together:   ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY"), BaseURL: v.GetString("TOGETHER_BASE_URL")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY"), BaseURL: v.GetString("PERPLEXITY_BASE_URL")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY"), BaseURL: v.GetString("CEREBRAS_BASE_URL")},

		Database: DatabaseConfig{
			URL:            v.GetString("DATABASE_URL"),
			ReadReplicaURL: v.GetString("READ_REPLICA_URL"),
			MaxOpenConns:   v.GetInt("DB_MAX_OPEN_CONNS"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{URL: v.GetString("CLICKHOUSE_URL")},

		Catalog: CatalogConfig{
			FreshTTL:      time.Duration(v.GetInt("CACHE_FRESH_TTL_MINUTES")) * time.Minute,
			StaleTTL:      time.Duration(v.GetInt("CACHE_STALE_TTL_MINUTES")) * time.Minute,
			SyncEnabled:   v.GetBool("SYNC_ENABLED"),
			SyncInterval:  time.Duration(v.GetInt("SYNC_INTERVAL_HOURS")) * time.Hour,
			SyncProviders: v.GetStringSlice("SYNC_PROVIDERS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			Threshold:             v.GetInt("BREAKER_THRESHOLD"),
			Cooldown:              time.Duration(v.GetInt("BREAKER_COOLDOWN_SECONDS")) * time.Second,
			ProviderPairThreshold: v.GetInt("BREAKER_PROVIDER_PAIRS"),
		},

		RateLimit: RateLimitConfig{
			PerSecond: v.GetInt("RATE_LIMIT_PER_SECOND"),
			PerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
			PerDay:    v.GetInt("RATE_LIMIT_PER_DAY"),
		},

		Health: HealthConfig{
			Enabled: v.GetBool("HEALTH_TRACKER_ENABLED"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, XAI_API_KEY, " +
				"DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, or CEREBRAS_API_KEY)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.Threshold < 1 {
		return fmt.Errorf("config: BREAKER_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.Threshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: BREAKER_COOLDOWN_SECONDS must be positive")
	}
	if c.Catalog.FreshTTL <= 0 || c.Catalog.StaleTTL <= 0 {
		return fmt.Errorf("config: cache TTLs must be positive durations")
	}
	if c.Catalog.StaleTTL < c.Catalog.FreshTTL {
		return fmt.Errorf("config: CACHE_STALE_TTL_MINUTES must be ≥ CACHE_FRESH_TTL_MINUTES")
	}
	if c.Catalog.SyncEnabled && c.Catalog.SyncInterval <= 0 {
		return fmt.Errorf("config: SYNC_INTERVAL_HOURS must be ≥ 1 when SYNC_ENABLED=true")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Perplexity.APIKey != "" ||
		c.Cerebras.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
