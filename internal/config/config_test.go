package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DQ_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 10*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, []string{"primary"}, cfg.OperationalChannels)
	assert.Equal(t, []string{"primary", "paging"}, cfg.Routing["CRITICAL"])
	assert.Equal(t, []string{"log"}, cfg.Routing["INFO"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DQ_CONFIG", "")
	t.Setenv("WORKER_COUNT", "9")
	t.Setenv("LEASE_TTL", "90s")
	t.Setenv("OPERATIONAL_CHANNELS", "ops, paging")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.WorkerCount)
	assert.Equal(t, 90*time.Second, cfg.LeaseTTL)
	assert.Equal(t, []string{"ops", "paging"}, cfg.OperationalChannels)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dq.yaml")
	body := `
sources:
  warehouse:
    type: postgres
    host: db.internal
    port: 5432
    database: analytics
routing:
  critical: [paging]
  medium: [primary]
channels:
  primary:
    urls: ["slack://token@channel"]
  paging:
    nats_subject: dq.page
    rate_limit_capacity: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("DQ_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Contains(t, cfg.Sources, "warehouse")
	assert.Equal(t, "postgres", cfg.Sources["warehouse"].Type)
	assert.Equal(t, "analytics", cfg.Sources["warehouse"].Database)
	assert.Equal(t, []string{"paging"}, cfg.Routing["CRITICAL"])
	assert.Equal(t, "dq.page", cfg.Channels["paging"].NATSSubject)
	assert.Equal(t, 5, cfg.Channels["paging"].RateLimitCapacity)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("DQ_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
