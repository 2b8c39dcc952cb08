package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/go-cachesync/cache"
	"github.com/agentuity/go-cachesync/transport"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cache.DefaultTTL, cfg.DefaultTTL.Std())
	assert.Equal(t, BackendMemory, cfg.Durable.Backend)
	assert.Equal(t, transport.DefaultChannel, cfg.Sync.Channel)
	assert.True(t, cfg.Sync.Enabled)
	assert.Len(t, cfg.CacheOptions(), 3)
}

func TestParse(t *testing.T) {
	yamlData := `
default_ttl: 1d
compression_threshold: 2048
refresh_reference: 10m
durable:
  backend: sqlite
  local_path: /tmp/cache.db
memory:
  max_entries: 500
  ceiling: 64Mi
  system_percent: 90
sync:
  channel: tenants
  flush_delay: 250ms
  max_batch: 25
  reconnect_min: 1s
  reconnect_max: 1m
views:
  check_interval: 2s
`
	cfg, err := Parse([]byte(yamlData))
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.DefaultTTL.Std())
	assert.Equal(t, 2048, cfg.CompressionThreshold)
	assert.Equal(t, 10*time.Minute, cfg.RefreshReference.Std())
	assert.Equal(t, "/tmp/cache.db", cfg.Durable.LocalPath)
	assert.Equal(t, int64(64*1024*1024), cfg.Memory.CeilingBytes)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.FlushDelay.Std())
	assert.Equal(t, time.Minute, cfg.Sync.ReconnectMax.Std())
	assert.Equal(t, 2*time.Second, cfg.Views.CheckInterval.Std())
	// Unset fields keep their defaults.
	assert.Equal(t, cache.DefaultRefreshTimeout, cfg.RefreshTimeout.Std())
	assert.Equal(t, "cachesync", cfg.Redis.Prefix)

	assert.Len(t, cfg.CacheOptions(), 7)
	assert.Len(t, cfg.TransportOptions(), 4)
	assert.Len(t, cfg.ViewOptions(), 2)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad duration", "default_ttl: soon"},
		{"bad backend", "durable:\n  backend: floppy"},
		{"sqlite without path", "durable:\n  backend: sqlite"},
		{"bad ceiling", "memory:\n  ceiling: lots"},
		{"negative ceiling", "memory:\n  ceiling: -1Gi"},
		{"percent range", "memory:\n  system_percent: 150"},
		{"reconnect order", "sync:\n  reconnect_min: 1m\n  reconnect_max: 1s"},
		{"negative threshold", "compression_threshold: -1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}

	_, err := Parse([]byte("durable:\n  backend: floppy"))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestFromEnv(t *testing.T) {
	t.Setenv("CACHESYNC_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CACHESYNC_SYNC_FLUSH_DELAY", "1s")
	t.Setenv("CACHESYNC_SYNC_MAX_BATCH", "10")
	t.Setenv("CACHESYNC_SYNC_ENABLED", "false")
	t.Setenv("CACHESYNC_MEMORY_SYSTEM_PERCENT", "75.5")
	t.Setenv("CACHESYNC_DURABLE_BACKEND", "redis")

	cfg := Default()
	require.NoError(t, FromEnv(cfg))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, time.Second, cfg.Sync.FlushDelay.Std())
	assert.Equal(t, 10, cfg.Sync.MaxBatch)
	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, 75.5, cfg.Memory.SystemPercent)
	assert.Equal(t, BackendRedis, cfg.Durable.Backend)
}

func TestFromEnvInvalid(t *testing.T) {
	t.Setenv("CACHESYNC_SYNC_MAX_BATCH", "many")
	err := FromEnv(Default())
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "cachesync.yaml")
	require.NoError(t, os.WriteFile(fn, []byte("default_ttl: 30s\nsync:\n  channel: from-file\n"), 0o644))
	t.Setenv("CACHESYNC_SYNC_CHANNEL", "from-env")

	cfg, err := Load(fn)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.DefaultTTL.Std())
	assert.Equal(t, "from-env", cfg.Sync.Channel, "environment wins over the file")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Sync.Channel)
}
