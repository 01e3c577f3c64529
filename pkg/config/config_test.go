package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.PoolSize)
	assert.Equal(t, 50, cfg.WorkerCount)
	assert.Equal(t, 30, cfg.AdminConcurrency)
	assert.Equal(t, 10, cfg.UserConcurrency)
	assert.Equal(t, 500, cfg.WriterBatchSize)
	assert.Equal(t, 2*time.Second, cfg.WriterFlushInterval)
	assert.Equal(t, 30, cfg.RecentSyncDays)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.NotEmpty(t, cfg.OAuthClientID)
	assert.Contains(t, cfg.OAuthScopes, "offline_access")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_path: /var/lib/mh/mh.db
pool_size: 8
redis_url: redis://broker:6379/2
worker_count: 10
writer_batch_size: 100
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mh/mh.db", cfg.StorePath)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, "redis://broker:6379/2", cfg.RedisURL)
	assert.Equal(t, 10, cfg.WorkerCount)
	assert.Equal(t, 100, cfg.WriterBatchSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30, cfg.RecentSyncDays)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_url: redis://file:6379\n"), 0o644))

	t.Setenv("MAILHARBOR_REDIS_URL", "redis://env:6379")
	t.Setenv("MAILHARBOR_POOL_SIZE", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://env:6379", cfg.RedisURL)
	assert.Equal(t, 3, cfg.PoolSize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("MAILHARBOR_POOL_SIZE", "0")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
