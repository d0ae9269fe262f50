package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 20, cfg.Database.PoolSize)
	assert.Equal(t, 20, cfg.Redis.MaxConnections)
	assert.Equal(t, 5, cfg.Policy.TimeoutSeconds)
	assert.Equal(t, 120, cfg.Security.JITTokenTTL)
	assert.Equal(t, 30, cfg.Security.HITLExpiryMinutes)
	assert.Equal(t, 50.0, cfg.Trust.Initial)
	assert.Equal(t, 0.0, cfg.Trust.Min)
	assert.Equal(t, 100.0, cfg.Trust.Max)
	assert.Equal(t, "postgres", cfg.Trust.Backend)
	assert.Equal(t, 300.0, cfg.Breaker.ThresholdPct)
	assert.Equal(t, 300, cfg.Breaker.WindowSeconds)
	assert.Equal(t, 10, cfg.Audit.FlushIntervalSeconds)
	assert.Equal(t, "dry-run", cfg.Forensic.Backend)
	assert.Equal(t, 60, cfg.RateLimit.GlobalPerMinute)
	assert.Equal(t, 10, cfg.RateLimit.AuthPerMinute)
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: "9090"
  env: production
database:
  url: postgres://aegis:aegis@db:5432/aegis
circuit_breaker:
  threshold_pct: 500
  window_seconds: 60
forensic:
  backend: s3
  s3_bucket: audit-worm
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.Equal(t, "postgres://aegis:aegis@db:5432/aegis", cfg.Database.URL)
	assert.Equal(t, 500.0, cfg.Breaker.ThresholdPct)
	assert.Equal(t, 60, cfg.Breaker.WindowSeconds)
	assert.Equal(t, "s3", cfg.Forensic.Backend)
	assert.Equal(t, "audit-worm", cfg.Forensic.S3Bucket)
	// untouched sections keep their defaults
	assert.Equal(t, 120, cfg.Security.JITTokenTTL)
}

func TestLoadConfigEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600))

	t.Setenv("PORT", "7777")
	t.Setenv("JIT_TOKEN_TTL", "60")
	t.Setenv("TRUST_BACKEND", "spanner")
	t.Setenv("DB_BOOTSTRAP", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, 60, cfg.Security.JITTokenTTL)
	assert.Equal(t, "spanner", cfg.Trust.Backend)
	assert.True(t, cfg.Database.Bootstrap)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
