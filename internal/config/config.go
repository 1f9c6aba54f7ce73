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
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	MigrateOnStart bool

	// Escrow protocol
	EscrowWindow      time.Duration // payment window from request to expiry
	SweepInterval     time.Duration // expiration scheduler tick
	SweepBatch        int
	MinQuantity       int64
	MaxQuantity       int64
	BonusThreshold    int64
	BonusPercent      int64
	MaxOpenPerBuyer   int
	ReconcileInterval time.Duration

	// Notifications
	WebhookTimeout time.Duration

	// Security
	AdminSecret    string
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string // empty allows any origin without credentials

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultEscrowWindow      = 30 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultSweepBatch        = 100
	DefaultMinQuantity       = 10
	DefaultMaxQuantity       = 10000
	DefaultBonusThreshold    = 1000
	DefaultBonusPercent      = 10
	DefaultMaxOpenPerBuyer   = 0 // disabled
	DefaultReconcileInterval = 5 * time.Minute
	DefaultWebhookTimeout    = 10 * time.Second
	DefaultRateLimitRPS      = 10
	DefaultRateLimitBurst    = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MigrateOnStart:    getEnvBool("MIGRATE_ON_START", false),
		EscrowWindow:      getEnvDuration("ESCROW_WINDOW", DefaultEscrowWindow),
		SweepInterval:     getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatch:        int(getEnvInt64("ESCROW_SWEEP_BATCH", DefaultSweepBatch)),
		MinQuantity:       getEnvInt64("ESCROW_MIN_QUANTITY", DefaultMinQuantity),
		MaxQuantity:       getEnvInt64("ESCROW_MAX_QUANTITY", DefaultMaxQuantity),
		BonusThreshold:    getEnvInt64("ESCROW_BONUS_THRESHOLD", DefaultBonusThreshold),
		BonusPercent:      getEnvInt64("ESCROW_BONUS_PERCENT", DefaultBonusPercent),
		MaxOpenPerBuyer:   int(getEnvInt64("ESCROW_MAX_OPEN_PER_BUYER", DefaultMaxOpenPerBuyer)),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		WebhookTimeout:    getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:       getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.MinQuantity <= 0 {
		return fmt.Errorf("ESCROW_MIN_QUANTITY must be positive")
	}
	if c.MinQuantity > c.MaxQuantity {
		return fmt.Errorf("ESCROW_MIN_QUANTITY (%d) exceeds ESCROW_MAX_QUANTITY (%d)", c.MinQuantity, c.MaxQuantity)
	}
	if c.EscrowWindow <= 0 {
		return fmt.Errorf("ESCROW_WINDOW must be positive")
	}
	if c.SweepInterval < time.Second || c.SweepInterval > 5*time.Minute {
		return fmt.Errorf("ESCROW_SWEEP_INTERVAL must be between 1s and 5m, got %s", c.SweepInterval)
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("ESCROW_SWEEP_BATCH must be positive")
	}
	if c.BonusPercent < 0 || c.BonusPercent > 100 {
		return fmt.Errorf("ESCROW_BONUS_PERCENT must be between 0 and 100")
	}
	if c.MaxOpenPerBuyer < 0 {
		return fmt.Errorf("ESCROW_MAX_OPEN_PER_BUYER must not be negative")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
