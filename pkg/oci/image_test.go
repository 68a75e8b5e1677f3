package oci

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeBlob stores content under blobs/sha256/<hex> and returns its
// digest string.
func writeBlob(t *testing.T, root string, content []byte) string {
	t.Helper()
	sum := sha256.Sum256(content)
	hexSum := hex.EncodeToString(sum[:])
	dir := filepath.Join(root, "blobs", "sha256")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, hexSum), content, 0o644))
	return "sha256:" + hexSum
}

// buildTestImage writes a minimal but valid OCI layout.
func buildTestImage(t *testing.T, root string, entrypoint, cmd, env []string, layers [][]byte) {
	t.Helper()

	configJSON, err := json.Marshal(map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"config": map[string]any{
			"Entrypoint": entrypoint,
			"Cmd":        cmd,
			"Env":        env,
			"WorkingDir": "/workspace",
			"Labels":     map[string]string{"io.a3s.role": "agent"},
		},
	})
	require.NoError(t, err)
	configDigest := writeBlob(t, root, configJSON)

	layerDescs := make([]map[string]any, 0, len(layers))
	for _, layer := range layers {
		d := writeBlob(t, root, layer)
		layerDescs = append(layerDescs, map[string]any{
			"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip",
			"digest":    d,
			"size":      len(layer),
		})
	}

	manifestJSON, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"config": map[string]any{
			"mediaType": "application/vnd.oci.image.config.v1+json",
			"digest":    configDigest,
			"size":      len(configJSON),
		},
		"layers": layerDescs,
	})
	require.NoError(t, err)
	manifestDigest := writeBlob(t, root, manifestJSON)

	index := fmt.Sprintf(`{"schemaVersion":2,"manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":%q,"size":%d}]}`,
		manifestDigest, len(manifestJSON))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.json"), []byte(index), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "oci-layout"),
		[]byte(`{"imageLayoutVersion":"1.0.0"}`), 0o644))
}

func TestLoadImage(t *testing.T) {
	root := t.TempDir()
	buildTestImage(t, root,
		[]string{"/bin/agent", "--serve"},
		[]string{"--default"},
		[]string{"PATH=/usr/bin", "HOME=/root"},
		[][]byte{[]byte("layer-one"), []byte("layer-two")})

	img, err := LoadImage(root)
	require.NoError(t, err)

	assert.Equal(t, []string{"/bin/agent", "--serve"}, img.Entrypoint())
	assert.Equal(t, []string{"--default"}, img.Cmd())
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root"}, img.Env())
	assert.Equal(t, "/workspace", img.WorkingDir())
	assert.Equal(t, "agent", img.Labels()["io.a3s.role"])

	require.Len(t, img.LayerDigests(), 2)
	for _, d := range img.LayerDigests() {
		assert.FileExists(t, img.LayerPath(d))
	}
}

func TestLoadImageInvalidLayouts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, root string)
	}{
		{
			name:  "missing directory",
			setup: func(t *testing.T, root string) { require.NoError(t, os.RemoveAll(root)) },
		},
		{
			name:  "missing oci-layout marker",
			setup: func(t *testing.T, root string) {},
		},
		{
			name: "empty manifest list",
			setup: func(t *testing.T, root string) {
				require.NoError(t, os.WriteFile(filepath.Join(root, "oci-layout"),
					[]byte(`{"imageLayoutVersion":"1.0.0"}`), 0o644))
				require.NoError(t, os.WriteFile(filepath.Join(root, "index.json"),
					[]byte(`{"schemaVersion":2,"manifests":[]}`), 0o644))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tt.setup(t, root)
			_, err := LoadImage(root)
			assert.Error(t, err)
		})
	}
}
