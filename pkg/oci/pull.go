package oci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/rs/zerolog"

	"github.com/a3s-lab/box/pkg/errdefs"
	"github.com/a3s-lab/box/pkg/log"
	"github.com/a3s-lab/box/pkg/metrics"
)

// Registry abstracts the registry transport so tests can substitute a
// fake. The real implementation authenticates with the default keychain
// and talks to the remote registry.
type Registry interface {
	// Resolve returns the content digest for a reference without
	// downloading the image.
	Resolve(ctx context.Context, ref string) (string, error)

	// Fetch returns the image for a reference.
	Fetch(ctx context.Context, ref string) (v1.Image, error)
}

// RemoteRegistry is the default registry transport.
type RemoteRegistry struct{}

// Resolve implements Registry using a HEAD request.
func (RemoteRegistry) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", errdefs.Image("invalid reference %q: %v", ref, err)
	}
	desc, err := remote.Head(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return "", errdefs.Image("resolving %s: %v", ref, err)
	}
	return desc.Digest.String(), nil
}

// Fetch implements Registry.
func (RemoteRegistry) Fetch(ctx context.Context, ref string) (v1.Image, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, errdefs.Image("invalid reference %q: %v", ref, err)
	}
	img, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, errdefs.Image("fetching %s: %v", ref, err)
	}
	return img, nil
}

// Puller downloads OCI images from a registry into the store.
type Puller struct {
	store    *Store
	registry Registry
	logger   zerolog.Logger
}

// NewPuller creates a puller backed by the given store and transport.
// A nil registry uses the remote transport.
func NewPuller(store *Store, registry Registry) *Puller {
	if registry == nil {
		registry = RemoteRegistry{}
	}
	return &Puller{
		store:    store,
		registry: registry,
		logger:   log.WithComponent("image-puller"),
	}
}

// Pull fetches an image into the store, deduplicating by digest.
//
// A digest already present in the store short-circuits the download:
// only the reference mapping is recorded.
func (p *Puller) Pull(ctx context.Context, ref string) (*StoredImage, error) {
	ref = NormalizeRef(ref)

	dgst, err := p.registry.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	if existing, ok := p.store.GetByDigest(dgst); ok {
		p.logger.Debug().Str("reference", ref).Str("digest", dgst).
			Msg("Digest already in store, skipping download")
		return p.store.Put(ref, dgst, existing.Path)
	}

	img, err := p.registry.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}

	if err := verifyLayers(img); err != nil {
		return nil, err
	}

	staging, err := os.MkdirTemp(p.store.Dir(), "pull-")
	if err != nil {
		return nil, errdefs.Image("creating staging directory: %v", err)
	}
	defer os.RemoveAll(staging)

	path, err := layout.Write(staging, empty.Index)
	if err != nil {
		return nil, errdefs.Image("initializing OCI layout: %v", err)
	}
	if err := path.AppendImage(img); err != nil {
		return nil, errdefs.Image("writing image layout for %s: %v", ref, err)
	}

	stored, err := p.store.Put(ref, dgst, staging)
	if err != nil {
		return nil, err
	}

	metrics.ImagePullsTotal.Inc()
	p.logger.Info().Str("reference", ref).Str("digest", dgst).
		Int64("size_bytes", stored.SizeBytes).Msg("Pulled image")

	return stored, nil
}

// verifyLayers recomputes each layer digest from its compressed stream
// and compares it against the manifest.
func verifyLayers(img v1.Image) error {
	layers, err := img.Layers()
	if err != nil {
		return errdefs.Image("listing layers: %v", err)
	}

	for _, layer := range layers {
		want, err := layer.Digest()
		if err != nil {
			return errdefs.Image("reading layer digest: %v", err)
		}

		rc, err := layer.Compressed()
		if err != nil {
			return errdefs.Image("opening layer %s: %v", want, err)
		}

		h := sha256.New()
		_, copyErr := io.Copy(h, rc)
		rc.Close()
		if copyErr != nil {
			return errdefs.Image("reading layer %s: %v", want, copyErr)
		}

		if got := hex.EncodeToString(h.Sum(nil)); got != want.Hex {
			return errdefs.Image("layer digest mismatch: manifest says %s, blob is sha256:%s", want, got)
		}
	}

	return nil
}
