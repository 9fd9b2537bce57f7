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
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Relay settings
	AllowedOrigins      []string      // Browser origins accepted for CORS and the WebSocket upgrade
	StatsResyncInterval time.Duration // How often the aggregator recounts from the store
	SnapshotLimit       int           // Default row cap for /api/transactions

	// Feeder settings
	RedisURL  string // Redis connection string (feeder binary only)
	StreamKey string // Redis stream the producer writes to

	// Security
	RateLimitRPM int
}

const (
	DefaultPort               = "3001"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultOrigins            = "http://localhost:5173"
	DefaultStatsResyncSeconds = 30
	DefaultSnapshotLimit      = 50
	DefaultStreamKey          = "transactions"
	DefaultRateLimitRPM       = 300
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AllowedOrigins:      splitOrigins(getEnv("ALLOWED_ORIGINS", DefaultOrigins)),
		StatsResyncInterval: time.Duration(getEnvInt64("STATS_RESYNC_INTERVAL", DefaultStatsResyncSeconds)) * time.Second,
		SnapshotLimit:       int(getEnvInt64("SNAPSHOT_LIMIT", DefaultSnapshotLimit)),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		StreamKey:           getEnv("STREAM_KEY", DefaultStreamKey),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.StatsResyncInterval < time.Second {
		return fmt.Errorf("STATS_RESYNC_INTERVAL must be at least 1 second")
	}
	if c.SnapshotLimit <= 0 {
		return fmt.Errorf("SNAPSHOT_LIMIT must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
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

// splitOrigins parses a comma-separated origin list, trimming whitespace and
// dropping empty entries.
func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
