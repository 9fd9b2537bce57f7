package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT", "ALLOWED_ORIGINS",
		"STATS_RESYNC_INTERVAL", "SNAPSHOT_LIMIT", "STREAM_KEY", "RATE_LIMIT_RPM",
	} {
		setEnv(t, key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.StatsResyncInterval)
	assert.Equal(t, DefaultSnapshotLimit, cfg.SnapshotLimit)
	assert.Equal(t, DefaultStreamKey, cfg.StreamKey)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ALLOWED_ORIGINS", "https://app.example.com, https://ops.example.com")
	setEnv(t, "STATS_RESYNC_INTERVAL", "10")
	setEnv(t, "SNAPSHOT_LIMIT", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"https://app.example.com", "https://ops.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.StatsResyncInterval)
	assert.Equal(t, 25, cfg.SnapshotLimit)
}

func TestLoad_RejectsBadPort(t *testing.T) {
	setEnv(t, "PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Port:                "3001",
		StatsResyncInterval: 30 * time.Second,
		SnapshotLimit:       50,
		RateLimitRPM:        300,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"non-numeric port", func(c *Config) { c.Port = "http" }, "numeric"},
		{"resync too fast", func(c *Config) { c.StatsResyncInterval = 100 * time.Millisecond }, "STATS_RESYNC_INTERVAL"},
		{"zero snapshot limit", func(c *Config) { c.SnapshotLimit = 0 }, "SNAPSHOT_LIMIT"},
		{"zero rate limit", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitOrigins("a, b"))
	assert.Equal(t, []string{"a"}, splitOrigins("a,,"))
	assert.Empty(t, splitOrigins(" ,"))
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
