// Package config loads server configuration from environment variables,
// 12-factor style.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	RedisURL     string
	SQLitePath   string
	PolicyDir    string
	OTLPEndpoint string

	CompletedTTL    time.Duration
	FailedTTL       time.Duration
	PendingStaleTTL time.Duration

	// RateLimitPerTenant is sustained requests per second per tenant at
	// the delivery boundary; RateLimitBurst is the burst allowance.
	RateLimitPerTenant float64
	RateLimitBurst     int
}

// Load reads configuration from the environment, applying safe local
// defaults for everything unset.
func Load() *Config {
	return &Config{
		Port:         envOr("PORT", "8080"),
		LogLevel:     envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		SQLitePath:   envOr("SQLITE_PATH", "gatewright.db"),
		PolicyDir:    envOr("POLICY_DIR", "policies"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),

		CompletedTTL:    durationOr("IDEMPOTENCY_COMPLETED_TTL", 24*time.Hour),
		FailedTTL:       durationOr("IDEMPOTENCY_FAILED_TTL", time.Hour),
		PendingStaleTTL: durationOr("IDEMPOTENCY_PENDING_STALE", 5*time.Minute),

		RateLimitPerTenant: floatOr("RATE_LIMIT_PER_TENANT", 10),
		RateLimitBurst:     intOr("RATE_LIMIT_BURST", 20),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func intOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatOr(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
