package oci

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/fsutil"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/rs/zerolog"
)

// StoredImage is the index entry for one pulled image reference.
//
// Multiple references may share a digest; they all point at the same
// on-disk layout under sha256/<hex>.
type StoredImage struct {
	Reference string    `json:"reference"`
	Digest    string    `json:"digest"`
	SizeBytes int64     `json:"size_bytes"`
	PulledAt  time.Time `json:"pulled_at"`
	LastUsed  time.Time `json:"last_used"`
	Path      string    `json:"path"`
}

// storeIndex is the persisted form of the in-memory index.
type storeIndex struct {
	Images []StoredImage `json:"images"`
}

// Store is a disk-based OCI image store with an in-memory index backed
// by a persistent index.json, and LRU eviction past a size cap.
type Store struct {
	mu       sync.RWMutex
	storeDir string
	index    map[string]*StoredImage
	maxBytes int64
	logger   zerolog.Logger
}

// NewStore opens (or creates) an image store rooted at storeDir.
//
// A missing or corrupt index starts the store empty. Entries whose
// on-disk layout has vanished are dropped silently.
func NewStore(storeDir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, errdefs.Image("creating image store directory %s: %v", storeDir, err)
	}

	s := &Store{
		storeDir: storeDir,
		index:    make(map[string]*StoredImage),
		maxBytes: maxBytes,
		logger:   log.WithComponent("image-store"),
	}
	s.loadIndex()
	return s, nil
}

// Get looks up an image by reference, updating its last_used timestamp.
func (s *Store) Get(reference string) (*StoredImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.index[reference]
	if !ok {
		return nil, false
	}
	img.LastUsed = time.Now().UTC()
	s.saveIndexLocked()
	out := *img
	return &out, true
}

// GetByDigest looks up an image by content digest, updating last_used.
func (s *Store) GetByDigest(dgst string) (*StoredImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, img := range s.index {
		if img.Digest == dgst {
			img.LastUsed = time.Now().UTC()
			s.saveIndexLocked()
			out := *img
			return &out, true
		}
	}
	return nil, false
}

// Put materializes the OCI layout from sourceDir under sha256/<hex> if
// not already present and records the reference mapping.
func (s *Store) Put(reference, dgst, sourceDir string) (*StoredImage, error) {
	hex := strings.TrimPrefix(dgst, "sha256:")
	targetDir := filepath.Join(s.storeDir, "sha256", hex)

	if _, err := os.Stat(targetDir); os.IsNotExist(err) {
		if err := fsutil.CopyDir(sourceDir, targetDir); err != nil {
			// Roll back the partial copy so the next Put starts clean.
			_ = os.RemoveAll(targetDir)
			return nil, errdefs.Image("copying image into store: %v", err)
		}
	}

	now := time.Now().UTC()
	stored := &StoredImage{
		Reference: reference,
		Digest:    dgst,
		SizeBytes: fsutil.DirSize(targetDir),
		PulledAt:  now,
		LastUsed:  now,
		Path:      targetDir,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[reference] = stored
	if err := s.saveIndexStrictLocked(); err != nil {
		delete(s.index, reference)
		return nil, err
	}

	out := *stored
	return &out, nil
}

// Remove drops a reference. The on-disk layout is deleted only when no
// surviving reference shares its digest.
func (s *Store) Remove(reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, ok := s.index[reference]
	if !ok {
		return errdefs.NotFound("image %s", reference)
	}
	delete(s.index, reference)

	digestStillUsed := false
	for _, other := range s.index {
		if other.Digest == img.Digest {
			digestStillUsed = true
			break
		}
	}

	if !digestStillUsed {
		if err := os.RemoveAll(img.Path); err != nil {
			// Restore the mapping so disk and index stay consistent.
			s.index[reference] = img
			return errdefs.Image("removing image directory %s: %v", img.Path, err)
		}
	}

	return s.saveIndexStrictLocked()
}

// List returns all stored image entries.
func (s *Store) List() []StoredImage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]StoredImage, 0, len(s.index))
	for _, img := range s.index {
		out = append(out, *img)
	}
	return out
}

// Evict removes least-recently-used references until the total size is
// at or below the configured maximum. Returns the evicted references.
func (s *Store) Evict() ([]string, error) {
	var evicted []string

	for s.TotalSize() > s.maxBytes {
		ref := s.lruRef()
		if ref == "" {
			break
		}
		if err := s.Remove(ref); err != nil {
			return evicted, err
		}
		s.logger.Debug().Str("reference", ref).Msg("Evicted image")
		evicted = append(evicted, ref)
	}

	return evicted, nil
}

// TotalSize returns the total bytes of all stored images.
func (s *Store) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, img := range s.index {
		total += img.SizeBytes
	}
	return total
}

// Dir returns the store root directory.
func (s *Store) Dir() string { return s.storeDir }

func (s *Store) lruRef() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		ref    string
		oldest time.Time
	)
	for _, img := range s.index {
		if ref == "" || img.LastUsed.Before(oldest) {
			ref = img.Reference
			oldest = img.LastUsed
		}
	}
	return ref
}

func (s *Store) loadIndex() {
	raw, err := os.ReadFile(filepath.Join(s.storeDir, "index.json"))
	if err != nil {
		return
	}

	var idx storeIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		s.logger.Warn().Err(err).Msg("Corrupt image store index, starting empty")
		return
	}

	for i := range idx.Images {
		img := idx.Images[i]
		if _, err := os.Stat(img.Path); err != nil {
			continue
		}
		s.index[img.Reference] = &img
	}
}

// saveIndexLocked persists the index best-effort; failures are logged
// and swallowed. Callers must hold the write lock.
func (s *Store) saveIndexLocked() {
	if err := s.saveIndexStrictLocked(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist image store index")
	}
}

func (s *Store) saveIndexStrictLocked() error {
	idx := storeIndex{Images: make([]StoredImage, 0, len(s.index))}
	for _, img := range s.index {
		idx.Images = append(idx.Images, *img)
	}

	data, err := json.MarshalIndent(&idx, "", "  ")
	if err != nil {
		return errdefs.Image("encoding store index: %v", err)
	}
	path := filepath.Join(s.storeDir, "index.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errdefs.Image("writing store index %s: %v", path, err)
	}
	return nil
}
