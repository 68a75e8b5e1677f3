// Package config loads the runtime configuration file.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/types"
)

// Config is the top-level runtime configuration, loaded from boxd.yaml.
type Config struct {
	// RootDir holds images/, cache/, boxes/, and runtime state.
	// Defaults to ~/.a3s.
	RootDir string `yaml:"root_dir"`

	// MaxStoreBytes caps the image store before LRU eviction kicks in.
	MaxStoreBytes int64 `yaml:"max_store_bytes"`

	// ShimBinary is the path of the box-shim executable.
	ShimBinary string `yaml:"shim_binary"`

	// GuestInitBinary is installed at /sbin/init in composed rootfs
	// trees.
	GuestInitBinary string `yaml:"guest_init_binary"`

	Cache types.CacheConfig `yaml:"cache"`
	Pool  types.PoolConfig  `yaml:"pool"`

	LogLevel log.Level `yaml:"log_level"`
	LogJSON  bool      `yaml:"log_json"`

	// DNS servers handed to bridge-mode guests. Empty means 8.8.8.8.
	DNS []string `yaml:"dns"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		RootDir:       filepath.Join(home, ".a3s"),
		MaxStoreBytes: 20 * 1024 * 1024 * 1024,
		ShimBinary:    "box-shim",
		Cache:         types.DefaultCacheConfig(),
		Pool:          types.DefaultPoolConfig(),
		LogLevel:      log.InfoLevel,
	}
}

// Load reads a YAML config file over the defaults. A missing file
// returns the defaults; a malformed file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errdefs.Config("reading config file %s: %v", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errdefs.Config("parsing config file %s: %v", path, err)
	}
	return cfg, nil
}

// ImagesDir returns the image store directory.
func (c Config) ImagesDir() string { return filepath.Join(c.RootDir, "images") }

// LayerCacheDir returns the layer cache directory.
func (c Config) LayerCacheDir() string {
	if c.Cache.CacheDir != "" {
		return filepath.Join(c.Cache.CacheDir, "layers")
	}
	return filepath.Join(c.RootDir, "cache", "layers")
}

// RootfsCacheDir returns the rootfs cache directory.
func (c Config) RootfsCacheDir() string {
	if c.Cache.CacheDir != "" {
		return filepath.Join(c.Cache.CacheDir, "rootfs")
	}
	return filepath.Join(c.RootDir, "cache", "rootfs")
}
