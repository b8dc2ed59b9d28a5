// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage (both optional; in-memory stores are used when unset)
	DatabaseURL string
	RedisURL    string

	// Security
	AdminSecret  string
	RateLimitRPS int
	CORSOrigins  []string // browser origins allowed to call the API; "*" for any

	// Pattern matcher
	PatternsFile    string // YAML pattern set; embedded default when empty
	PatternsWatch   bool   // hot-reload PatternsFile on change
	MaxMessageChars int

	// Risk score policy
	RiskWarnAt           int
	RiskRestrictAt       int
	RiskBlockAt          int
	RiskDecayPerDay      int
	RiskFailClosedStatus string
	StoreRetryAttempts   int
	StoreRetryBaseDelay  time.Duration

	// Rollup
	RollupInterval    time.Duration
	RollupLookback    int
	RollupParallelism int

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultRateLimit            = 50
	DefaultMaxMessageChars      = 10000
	DefaultRiskWarnAt           = 30
	DefaultRiskRestrictAt       = 60
	DefaultRiskBlockAt          = 80
	DefaultRiskDecayPerDay      = 5
	DefaultRiskFailClosedStatus = "RESTRICTED"
	DefaultStoreRetryAttempts   = 3
	DefaultStoreRetryBaseDelay  = 50 * time.Millisecond
	DefaultRollupInterval       = 5 * time.Minute
	DefaultRollupLookback       = 3
	DefaultRollupParallelism    = 4
	DefaultTraceSampleRatio     = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:         getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
		CORSOrigins:          getEnvList("CORS_ALLOWED_ORIGINS"),
		PatternsFile:         os.Getenv("PATTERNS_FILE"),
		PatternsWatch:        getEnvBool("PATTERNS_WATCH", false),
		MaxMessageChars:      getEnvInt("MAX_MESSAGE_CHARS", DefaultMaxMessageChars),
		RiskWarnAt:           getEnvInt("RISK_WARN_AT", DefaultRiskWarnAt),
		RiskRestrictAt:       getEnvInt("RISK_RESTRICT_AT", DefaultRiskRestrictAt),
		RiskBlockAt:          getEnvInt("RISK_BLOCK_AT", DefaultRiskBlockAt),
		RiskDecayPerDay:      getEnvInt("RISK_DECAY_PER_DAY", DefaultRiskDecayPerDay),
		RiskFailClosedStatus: strings.ToUpper(getEnv("RISK_FAIL_CLOSED_STATUS", DefaultRiskFailClosedStatus)),
		StoreRetryAttempts:   getEnvInt("STORE_RETRY_ATTEMPTS", DefaultStoreRetryAttempts),
		StoreRetryBaseDelay:  getEnvDuration("STORE_RETRY_BASE_DELAY", DefaultStoreRetryBaseDelay),
		RollupInterval:       getEnvDuration("ROLLUP_INTERVAL", DefaultRollupInterval),
		RollupLookback:       getEnvInt("ROLLUP_LOOKBACK", DefaultRollupLookback),
		RollupParallelism:    getEnvInt("ROLLUP_PARALLELISM", DefaultRollupParallelism),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency. Bad thresholds stop startup
// rather than silently mis-classifying users.
func (c *Config) Validate() error {
	if c.MaxMessageChars <= 0 {
		return fmt.Errorf("MAX_MESSAGE_CHARS must be positive")
	}
	if c.RiskWarnAt <= 0 || c.RiskWarnAt > c.RiskRestrictAt || c.RiskRestrictAt > c.RiskBlockAt || c.RiskBlockAt > 100 {
		return fmt.Errorf("risk thresholds must satisfy 0 < RISK_WARN_AT <= RISK_RESTRICT_AT <= RISK_BLOCK_AT <= 100 (got %d/%d/%d)",
			c.RiskWarnAt, c.RiskRestrictAt, c.RiskBlockAt)
	}
	if c.RiskDecayPerDay < 0 {
		return fmt.Errorf("RISK_DECAY_PER_DAY must not be negative")
	}
	switch c.RiskFailClosedStatus {
	case "WARNED", "RESTRICTED", "BLOCKED":
	default:
		return fmt.Errorf("RISK_FAIL_CLOSED_STATUS must be WARNED, RESTRICTED or BLOCKED")
	}
	if c.StoreRetryAttempts <= 0 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be positive")
	}
	if c.RollupInterval <= 0 {
		return fmt.Errorf("ROLLUP_INTERVAL must be positive")
	}
	if c.RollupParallelism <= 0 {
		return fmt.Errorf("ROLLUP_PARALLELISM must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.PatternsWatch && c.PatternsFile == "" {
		return fmt.Errorf("PATTERNS_WATCH requires PATTERNS_FILE")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
