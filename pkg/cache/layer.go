// Package cache implements the two content-addressed caches that sit
// between OCI images and booted VMs: the layer cache (extracted layer
// trees keyed by digest) and the rootfs cache (fully-composed root
// filesystems keyed by an image-configuration hash).
//
// For both caches the sibling .meta.json file is authoritative: a
// directory without a valid meta file, or a meta file without its
// directory, is a miss.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/fsutil"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/metrics"
)

// LayerMeta is the metadata record for a cached layer entry.
type LayerMeta struct {
	Digest       string `json:"digest"`
	SizeBytes    int64  `json:"size_bytes"`
	CachedAt     int64  `json:"cached_at"`
	LastAccessed int64  `json:"last_accessed"`
}

// LayerCache stores extracted OCI layers by digest, so identical layers
// shared across images are extracted and stored once.
type LayerCache struct {
	cacheDir string
	logger   zerolog.Logger
}

// NewLayerCache opens (or creates) a layer cache at cacheDir.
func NewLayerCache(cacheDir string) (*LayerCache, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errdefs.Config("creating layer cache directory %s: %v", cacheDir, err)
	}
	return &LayerCache{
		cacheDir: cacheDir,
		logger:   log.WithComponent("layer-cache"),
	}, nil
}

// Get returns the path to the cached layer for digest, or "" on a miss.
// A hit bumps the last_accessed timestamp best-effort.
func (c *LayerCache) Get(dgst string) (string, bool) {
	name := digestDirName(dgst)
	layerDir := filepath.Join(c.cacheDir, name)
	metaPath := filepath.Join(c.cacheDir, name+".meta.json")

	if !isDir(layerDir) || !isFile(metaPath) {
		metrics.CacheMissesTotal.WithLabelValues("layer").Inc()
		return "", false
	}

	touchMeta(metaPath, func(raw []byte) ([]byte, error) {
		var meta LayerMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, err
		}
		meta.LastAccessed = time.Now().Unix()
		return json.MarshalIndent(&meta, "", "  ")
	})

	metrics.CacheHitsTotal.WithLabelValues("layer").Inc()
	return layerDir, true
}

// Put stores an extracted layer directory under digest, atomically
// replacing any existing entry.
func (c *LayerCache) Put(dgst, sourceDir string) (string, error) {
	name := digestDirName(dgst)
	layerDir := filepath.Join(c.cacheDir, name)
	metaPath := filepath.Join(c.cacheDir, name+".meta.json")

	if err := os.RemoveAll(layerDir); err != nil {
		return "", errdefs.Config("removing existing cache entry %s: %v", layerDir, err)
	}
	if err := fsutil.CopyDir(sourceDir, layerDir); err != nil {
		return "", errdefs.Config("copying layer into cache: %v", err)
	}

	now := time.Now().Unix()
	meta := LayerMeta{
		Digest:       dgst,
		SizeBytes:    fsutil.DirSize(layerDir),
		CachedAt:     now,
		LastAccessed: now,
	}
	if err := writeMeta(metaPath, &meta); err != nil {
		return "", err
	}

	c.logger.Debug().Str("digest", dgst).Int64("size_bytes", meta.SizeBytes).
		Str("path", layerDir).Msg("Cached OCI layer")

	return layerDir, nil
}

// Invalidate removes a cached layer and its metadata.
func (c *LayerCache) Invalidate(dgst string) error {
	name := digestDirName(dgst)
	if err := os.RemoveAll(filepath.Join(c.cacheDir, name)); err != nil {
		return errdefs.Config("removing cached layer %s: %v", dgst, err)
	}
	metaPath := filepath.Join(c.cacheDir, name+".meta.json")
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return errdefs.Config("removing layer metadata %s: %v", metaPath, err)
	}
	return nil
}

// Prune evicts least-recently-accessed entries until the cache fits in
// maxBytes. Returns the number of entries evicted.
func (c *LayerCache) Prune(maxBytes int64) (int, error) {
	entries, err := c.ListEntries()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed < entries[j].LastAccessed
	})

	evicted := 0
	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		if err := c.Invalidate(e.Digest); err != nil {
			return evicted, err
		}
		total -= e.SizeBytes
		evicted++
		metrics.CacheEvictionsTotal.WithLabelValues("layer").Inc()

		c.logger.Debug().Str("digest", e.Digest).Int64("size_bytes", e.SizeBytes).
			Msg("Evicted cached layer")
	}

	return evicted, nil
}

// ListEntries returns the metadata for every valid cache entry.
func (c *LayerCache) ListEntries() ([]LayerMeta, error) {
	dirents, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return nil, errdefs.Config("reading cache directory %s: %v", c.cacheDir, err)
	}

	var entries []LayerMeta
	for _, de := range dirents {
		if !strings.HasSuffix(de.Name(), ".meta.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.cacheDir, de.Name()))
		if err != nil {
			continue
		}
		var meta LayerMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		entries = append(entries, meta)
	}
	return entries, nil
}

// TotalSize returns the total bytes of all cached layers.
func (c *LayerCache) TotalSize() (int64, error) {
	entries, err := c.ListEntries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	return total, nil
}

// digestDirName converts a digest to a filesystem-safe directory name:
// "sha256:abc" becomes "sha256_abc".
func digestDirName(dgst string) string {
	return strings.ReplaceAll(dgst, ":", "_")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func writeMeta(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdefs.Config("encoding cache metadata: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errdefs.Config("writing cache metadata %s: %v", path, err)
	}
	return nil
}

// touchMeta rewrites a metadata file through fn, ignoring failures —
// the timestamp update is best-effort.
func touchMeta(path string, fn func([]byte) ([]byte, error)) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	updated, err := fn(raw)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, updated, 0o644)
}
