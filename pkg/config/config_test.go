package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a3s-lab/box/pkg/log"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxStoreBytes, cfg.MaxStoreBytes)
	assert.Equal(t, log.InfoLevel, cfg.LogLevel)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root_dir: /var/lib/a3s
max_store_bytes: 1024
log_level: debug
pool:
  enabled: true
  min_idle: 2
  max_size: 8
  idle_ttl_secs: 60
dns:
  - 1.1.1.1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/a3s", cfg.RootDir)
	assert.Equal(t, int64(1024), cfg.MaxStoreBytes)
	assert.Equal(t, log.DebugLevel, cfg.LogLevel)
	assert.True(t, cfg.Pool.Enabled)
	assert.Equal(t, 2, cfg.Pool.MinIdle)
	assert.Equal(t, []string{"1.1.1.1"}, cfg.DNS)

	assert.Equal(t, "/var/lib/a3s/images", cfg.ImagesDir())
	assert.Equal(t, "/var/lib/a3s/cache/layers", cfg.LayerCacheDir())
	assert.Equal(t, "/var/lib/a3s/cache/rootfs", cfg.RootfsCacheDir())
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root_dir: [not: valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestCacheDirOverride(t *testing.T) {
	cfg := Default()
	cfg.Cache.CacheDir = "/fast/ssd"
	assert.Equal(t, "/fast/ssd/layers", cfg.LayerCacheDir())
	assert.Equal(t, "/fast/ssd/rootfs", cfg.RootfsCacheDir())
}
