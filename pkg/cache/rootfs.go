package cache

import (
	"crypto/sha256"
	"encoding/hex"
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

// RootfsMeta is the metadata record for a cached rootfs entry.
type RootfsMeta struct {
	Key          string `json:"key"`
	Description  string `json:"description"`
	SizeBytes    int64  `json:"size_bytes"`
	CachedAt     int64  `json:"cached_at"`
	LastAccessed int64  `json:"last_accessed"`
}

// RootfsCache stores fully-composed root filesystems keyed by an
// image-configuration hash, avoiding a rebuild from OCI layers when the
// same configuration has been seen before.
type RootfsCache struct {
	cacheDir string
	logger   zerolog.Logger
}

// NewRootfsCache opens (or creates) a rootfs cache at cacheDir.
func NewRootfsCache(cacheDir string) (*RootfsCache, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errdefs.Config("creating rootfs cache directory %s: %v", cacheDir, err)
	}
	return &RootfsCache{
		cacheDir: cacheDir,
		logger:   log.WithComponent("rootfs-cache"),
	}, nil
}

// ComputeKey derives the composite cache key for a rootfs.
//
// The key is a SHA-256 over a version tag, the image reference, the
// layer digests in order, the entrypoint tokens in order, and the
// environment after a stable sort. Layer and entrypoint order change
// the resulting filesystem, so they change the key; environment order
// does not.
func ComputeKey(imageRef string, layerDigests, entrypoint, env []string) string {
	h := sha256.New()
	h.Write([]byte("rootfs-cache-v1\n"))
	h.Write([]byte(imageRef))
	h.Write([]byte("\n"))

	for _, d := range layerDigests {
		h.Write([]byte(d))
		h.Write([]byte("\n"))
	}
	for _, part := range entrypoint {
		h.Write([]byte(part))
		h.Write([]byte("\n"))
	}

	sorted := make([]string, len(env))
	copy(sorted, env)
	sort.Strings(sorted)
	for _, kv := range sorted {
		h.Write([]byte(kv))
		h.Write([]byte("\n"))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the path to the cached rootfs for key, or "" on a miss.
func (c *RootfsCache) Get(key string) (string, bool) {
	rootfsDir := filepath.Join(c.cacheDir, key)
	metaPath := filepath.Join(c.cacheDir, key+".meta.json")

	if !isDir(rootfsDir) || !isFile(metaPath) {
		metrics.CacheMissesTotal.WithLabelValues("rootfs").Inc()
		return "", false
	}

	touchMeta(metaPath, func(raw []byte) ([]byte, error) {
		var meta RootfsMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, err
		}
		meta.LastAccessed = time.Now().Unix()
		return json.MarshalIndent(&meta, "", "  ")
	})

	metrics.CacheHitsTotal.WithLabelValues("rootfs").Inc()
	return rootfsDir, true
}

// Put stores a composed rootfs under key, atomically replacing any
// existing entry.
func (c *RootfsCache) Put(key, sourceRootfs, description string) (string, error) {
	rootfsDir := filepath.Join(c.cacheDir, key)
	metaPath := filepath.Join(c.cacheDir, key+".meta.json")

	if err := os.RemoveAll(rootfsDir); err != nil {
		return "", errdefs.Config("removing existing rootfs cache entry %s: %v", rootfsDir, err)
	}
	if err := fsutil.CopyDir(sourceRootfs, rootfsDir); err != nil {
		return "", errdefs.Config("copying rootfs into cache: %v", err)
	}

	now := time.Now().Unix()
	meta := RootfsMeta{
		Key:          key,
		Description:  description,
		SizeBytes:    fsutil.DirSize(rootfsDir),
		CachedAt:     now,
		LastAccessed: now,
	}
	if err := writeMeta(metaPath, &meta); err != nil {
		return "", err
	}

	c.logger.Debug().Str("key", key).Str("description", description).
		Int64("size_bytes", meta.SizeBytes).Msg("Cached rootfs")

	return rootfsDir, nil
}

// Invalidate removes a cached rootfs and its metadata.
func (c *RootfsCache) Invalidate(key string) error {
	if err := os.RemoveAll(filepath.Join(c.cacheDir, key)); err != nil {
		return errdefs.Config("removing cached rootfs %s: %v", key, err)
	}
	metaPath := filepath.Join(c.cacheDir, key+".meta.json")
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return errdefs.Config("removing rootfs metadata %s: %v", metaPath, err)
	}
	return nil
}

// Prune evicts least-recently-accessed entries until both the entry
// count and total bytes fit their bounds. Returns the number evicted.
func (c *RootfsCache) Prune(maxEntries int, maxBytes int64) (int, error) {
	entries, err := c.ListEntries()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	if len(entries) <= maxEntries && total <= maxBytes {
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed < entries[j].LastAccessed
	})

	count := len(entries)
	evicted := 0
	for _, e := range entries {
		if count <= maxEntries && total <= maxBytes {
			break
		}
		if err := c.Invalidate(e.Key); err != nil {
			return evicted, err
		}
		count--
		total -= e.SizeBytes
		evicted++
		metrics.CacheEvictionsTotal.WithLabelValues("rootfs").Inc()

		c.logger.Debug().Str("key", e.Key).Str("description", e.Description).
			Int64("size_bytes", e.SizeBytes).Msg("Evicted cached rootfs")
	}

	return evicted, nil
}

// ListEntries returns the metadata for every valid cache entry.
func (c *RootfsCache) ListEntries() ([]RootfsMeta, error) {
	dirents, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return nil, errdefs.Config("reading rootfs cache directory %s: %v", c.cacheDir, err)
	}

	var entries []RootfsMeta
	for _, de := range dirents {
		if !strings.HasSuffix(de.Name(), ".meta.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(c.cacheDir, de.Name()))
		if err != nil {
			continue
		}
		var meta RootfsMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		entries = append(entries, meta)
	}
	return entries, nil
}

// TotalSize returns the total bytes of all cached rootfs entries.
func (c *RootfsCache) TotalSize() (int64, error) {
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

// EntryCount returns the number of valid cache entries.
func (c *RootfsCache) EntryCount() (int, error) {
	entries, err := c.ListEntries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
