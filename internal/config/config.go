// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/giftescrow/internal/escrowmode"
	"github.com/mbd888/giftescrow/internal/retry"
)

// Ledger backends.
const (
	LedgerHTTP     = "http"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Invalidation buses.
const (
	BusLocal    = "local"
	BusRedis    = "redis"
	BusPostgres = "postgres"
	BusAMQP     = "amqp"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"; empty picks by Env

	// Backing services
	DatabaseURL string
	RedisURL    string
	AMQPURL     string

	// Ledger
	LedgerMode   string
	LedgerURL    string
	LedgerAPIKey string

	// Transfer engine
	Thresholds      escrowmode.Thresholds
	DefaultCurrency string
	Retry           retry.Policy
	TransferTimeout time.Duration

	// Caching and idempotency
	BalanceCacheTTL time.Duration
	IdempotencyTTL  time.Duration
	InvalidationBus string
	InstanceID      string

	// Security
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	RateLimitRPS float64
	CORSOrigins  []string

	// Circuit breaker around ledger RPCs
	BreakerThreshold int
	BreakerOpenFor   time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCurrency        = "USD"
	DefaultTransferTimeout = 30 * time.Second
	DefaultBalanceCacheTTL = 5 * time.Minute
	DefaultIdempotencyTTL  = 24 * time.Hour
	DefaultRateLimit       = 5.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []error
	th := escrowmode.Thresholds{
		Direct:    getEnvDecimal("ESCROW_DIRECT_THRESHOLD", decimal.NewFromInt(30), &errs),
		Mandatory: getEnvDecimal("ESCROW_MANDATORY_THRESHOLD", decimal.NewFromInt(100), &errs),
	}

	hostname, _ := os.Hostname()
	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       os.Getenv("LOG_FORMAT"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		AMQPURL:         os.Getenv("AMQP_URL"),
		LedgerMode:      getEnv("LEDGER_MODE", LedgerMemory),
		LedgerURL:       os.Getenv("LEDGER_URL"),
		LedgerAPIKey:    os.Getenv("LEDGER_API_KEY"),
		Thresholds:      th,
		DefaultCurrency: getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		Retry: retry.Policy{
			MaxRetries: int(getEnvInt64("RETRY_MAX_RETRIES", 3, &errs)),
			BaseDelay:  getEnvDuration("RETRY_BASE_DELAY", time.Second, &errs),
		},
		TransferTimeout:  getEnvDuration("TRANSFER_TIMEOUT", DefaultTransferTimeout, &errs),
		BalanceCacheTTL:  getEnvDuration("BALANCE_CACHE_TTL", DefaultBalanceCacheTTL, &errs),
		IdempotencyTTL:   getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL, &errs),
		InvalidationBus:  getEnv("INVALIDATION_BUS", BusLocal),
		InstanceID:       getEnv("INSTANCE_ID", hostname),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		JWTAudience:      os.Getenv("JWT_AUDIENCE"),
		RateLimitRPS:     getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimit, &errs),
		CORSOrigins:      getEnvList("CORS_ORIGINS", []string{"*"}),
		BreakerThreshold: int(getEnvInt64("BREAKER_THRESHOLD", 5, &errs)),
		BreakerOpenFor:   getEnvDuration("BREAKER_OPEN_FOR", 30*time.Second, &errs),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX_RETRIES must not be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive")
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("TRANSFER_TIMEOUT must be positive")
	}

	switch c.LedgerMode {
	case LedgerMemory:
		if c.IsProduction() {
			return fmt.Errorf("LEDGER_MODE=memory is not allowed in production")
		}
	case LedgerHTTP:
		if c.LedgerURL == "" {
			return fmt.Errorf("LEDGER_URL is required when LEDGER_MODE=http")
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LEDGER_MODE=postgres")
		}
	default:
		return fmt.Errorf("unknown LEDGER_MODE %q", c.LedgerMode)
	}

	switch c.InvalidationBus {
	case BusLocal:
	case BusRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when INVALIDATION_BUS=redis")
		}
	case BusPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when INVALIDATION_BUS=postgres")
		}
	case BusAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when INVALIDATION_BUS=amqp")
		}
	default:
		return fmt.Errorf("unknown INVALIDATION_BUS %q", c.InvalidationBus)
	}

	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET of at least 32 bytes is required in production")
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

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64, errs *[]error) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return i
}

func getEnvFloat(key string, defaultValue float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func getEnvDecimal(key string, defaultValue decimal.Decimal, errs *[]error) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
