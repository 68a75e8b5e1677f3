// Package oci implements the content-addressed image store, the
// registry puller, and OCI image layout parsing.
package oci

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/a3s-lab/box/pkg/errdefs"
)

// Image is an OCI image loaded from an on-disk layout directory.
type Image struct {
	root     string
	manifest ispec.Manifest
	config   ispec.Image

	// layerDigests holds the layer digests in manifest order (bottom to
	// top).
	layerDigests []digest.Digest
}

// LoadImage parses the OCI image layout rooted at dir.
//
// The directory must contain the oci-layout marker, index.json, and a
// blobs/sha256 tree holding the manifest, config, and layer blobs.
func LoadImage(dir string) (*Image, error) {
	if err := validateLayout(dir); err != nil {
		return nil, err
	}

	var index ispec.Index
	if err := readJSONBlob(filepath.Join(dir, "index.json"), &index); err != nil {
		return nil, errdefs.Image("reading index.json in %s: %v", dir, err)
	}
	if len(index.Manifests) == 0 {
		return nil, errdefs.Image("no manifests in index.json at %s", dir)
	}

	manifestDigest := index.Manifests[0].Digest
	var manifest ispec.Manifest
	if err := readJSONBlob(blobPath(dir, manifestDigest), &manifest); err != nil {
		return nil, errdefs.Image("reading manifest %s: %v", manifestDigest, err)
	}

	var config ispec.Image
	if err := readJSONBlob(blobPath(dir, manifest.Config.Digest), &config); err != nil {
		return nil, errdefs.Image("reading image config %s: %v", manifest.Config.Digest, err)
	}

	img := &Image{root: dir, manifest: manifest, config: config}
	for _, layer := range manifest.Layers {
		img.layerDigests = append(img.layerDigests, layer.Digest)
	}
	return img, nil
}

// Root returns the layout directory this image was loaded from.
func (i *Image) Root() string { return i.root }

// LayerDigests returns the layer digests in manifest order, bottom to
// top.
func (i *Image) LayerDigests() []digest.Digest { return i.layerDigests }

// LayerPath returns the on-disk blob path for the given layer digest.
func (i *Image) LayerPath(d digest.Digest) string { return blobPath(i.root, d) }

// Entrypoint returns the image entrypoint, which may be empty.
func (i *Image) Entrypoint() []string { return i.config.Config.Entrypoint }

// Cmd returns the image default arguments.
func (i *Image) Cmd() []string { return i.config.Config.Cmd }

// Env returns the image environment as KEY=VALUE strings.
func (i *Image) Env() []string { return i.config.Config.Env }

// WorkingDir returns the configured working directory, or "".
func (i *Image) WorkingDir() string { return i.config.Config.WorkingDir }

// User returns the configured user, or "".
func (i *Image) User() string { return i.config.Config.User }

// Labels returns the image labels.
func (i *Image) Labels() map[string]string { return i.config.Config.Labels }

// ExposedPorts returns the exposed port keys (e.g. "80/tcp").
func (i *Image) ExposedPorts() []string {
	ports := make([]string, 0, len(i.config.Config.ExposedPorts))
	for p := range i.config.Config.ExposedPorts {
		ports = append(ports, p)
	}
	return ports
}

func validateLayout(dir string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return errdefs.Image("OCI layout directory not found: %s", dir)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "oci-layout"))
	if err != nil {
		return errdefs.Image("missing oci-layout marker in %s", dir)
	}
	var marker ispec.ImageLayout
	if err := json.Unmarshal(raw, &marker); err != nil || marker.Version == "" {
		return errdefs.Image("invalid oci-layout marker in %s", dir)
	}
	return nil
}

func blobPath(root string, d digest.Digest) string {
	return filepath.Join(root, "blobs", d.Algorithm().String(), d.Encoded())
}

func readJSONBlob(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
