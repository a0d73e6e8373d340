// Package config loads service configuration from the environment and
// emission-factor profiles from YAML files on disk.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseDriver selects the sql driver: "postgres" or "sqlite".
	DatabaseDriver string
	DatabaseURL    string

	// DataDir is the root for filesystem-backed stores (sqlite db,
	// evidence bundle archive in fs mode).
	DataDir string

	// ProfilesDir holds factors_<reference>.yaml emission factor profiles.
	ProfilesDir string

	RedisAddr string

	RateLimitRPS   float64
	RateLimitBurst int

	AttestationTTL time.Duration

	Environment  string
	OTLPEndpoint string
	OTelEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabaseDriver: envOr("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    envOr("DATABASE_URL", "postgres://veriground@localhost:5432/veriground?sslmode=disable"),
		DataDir:        envOr("DATA_DIR", "./data"),
		ProfilesDir:    envOr("PROFILES_DIR", "./profiles"),
		RedisAddr:      envOr("REDIS_ADDR", "localhost:6379"),
		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 100),
		AttestationTTL: envDuration("ATTESTATION_TTL", time.Hour),
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   envOr("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:    os.Getenv("OTEL_ENABLED") == "true",
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
