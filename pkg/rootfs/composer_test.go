package rootfs

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a3s-lab/box/pkg/cache"
)

// buildOCIImage writes a valid OCI layout whose layers are real gzipped
// tarballs, returning the layout root.
func buildOCIImage(t *testing.T, root string, layers [][]tarEntry) {
	t.Helper()
	blobDir := filepath.Join(root, "blobs", "sha256")
	require.NoError(t, os.MkdirAll(blobDir, 0o755))

	writeBlob := func(content []byte) string {
		sum := sha256.Sum256(content)
		hexSum := hex.EncodeToString(sum[:])
		require.NoError(t, os.WriteFile(filepath.Join(blobDir, hexSum), content, 0o644))
		return "sha256:" + hexSum
	}

	var layerDescs []map[string]any
	for _, entries := range layers {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		for _, e := range entries {
			if e.dir {
				require.NoError(t, tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeDir, Mode: 0o755}))
				continue
			}
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name: e.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(e.content)),
			}))
			_, err := tw.Write([]byte(e.content))
			require.NoError(t, err)
		}
		require.NoError(t, tw.Close())
		require.NoError(t, gz.Close())

		d := writeBlob(buf.Bytes())
		layerDescs = append(layerDescs, map[string]any{
			"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip",
			"digest":    d,
			"size":      buf.Len(),
		})
	}

	configJSON, err := json.Marshal(map[string]any{
		"architecture": "amd64", "os": "linux",
		"config": map[string]any{"Entrypoint": []string{"/bin/agent"}},
	})
	require.NoError(t, err)
	configDigest := writeBlob(configJSON)

	manifestJSON, err := json.Marshal(map[string]any{
		"schemaVersion": 2,
		"config": map[string]any{
			"mediaType": "application/vnd.oci.image.config.v1+json",
			"digest":    configDigest, "size": len(configJSON),
		},
		"layers": layerDescs,
	})
	require.NoError(t, err)
	manifestDigest := writeBlob(manifestJSON)

	index := fmt.Sprintf(`{"schemaVersion":2,"manifests":[{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":%q,"size":%d}]}`,
		manifestDigest, len(manifestJSON))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.json"), []byte(index), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "oci-layout"),
		[]byte(`{"imageLayoutVersion":"1.0.0"}`), 0o644))
}

func newTestComposer(t *testing.T) *Composer {
	t.Helper()
	layers, err := cache.NewLayerCache(filepath.Join(t.TempDir(), "layers"))
	require.NoError(t, err)
	return NewComposer(layers)
}

func TestComposeCreatesSkeleton(t *testing.T) {
	tmp := t.TempDir()
	agentImage := filepath.Join(tmp, "agent-image")
	buildOCIImage(t, agentImage, [][]tarEntry{
		{{name: "bin", dir: true}, {name: "bin/agent", content: "ELF"}},
	})

	rootfsPath := filepath.Join(tmp, "rootfs")
	composer := newTestComposer(t)
	require.NoError(t, composer.Compose(rootfsPath, Composition{AgentImage: agentImage}))

	for _, dir := range []string{"dev", "proc", "sys", "tmp", "run", "etc", "var/tmp", "var/log", "agent", "workspace"} {
		assert.DirExists(t, filepath.Join(rootfsPath, dir), dir)
	}

	// Agent layers land under the agent target.
	assert.FileExists(t, filepath.Join(rootfsPath, "agent", "bin", "agent"))

	// Essential files are written last.
	for _, f := range []string{"etc/passwd", "etc/group", "etc/hosts", "etc/resolv.conf", "etc/nsswitch.conf"} {
		assert.FileExists(t, filepath.Join(rootfsPath, f), f)
	}
}

func TestComposeLayerOrdering(t *testing.T) {
	tmp := t.TempDir()
	agentImage := filepath.Join(tmp, "agent-image")
	buildOCIImage(t, agentImage, [][]tarEntry{
		{{name: "etc/motd", content: "lower"}},
		{{name: "etc/motd", content: "upper"}},
	})

	rootfsPath := filepath.Join(tmp, "rootfs")
	composer := newTestComposer(t)
	require.NoError(t, composer.Compose(rootfsPath, Composition{AgentImage: agentImage}))

	content, err := os.ReadFile(filepath.Join(rootfsPath, "agent", "etc", "motd"))
	require.NoError(t, err)
	assert.Equal(t, "upper", string(content))
}

func TestComposeBusinessImage(t *testing.T) {
	tmp := t.TempDir()
	agentImage := filepath.Join(tmp, "agent-image")
	buildOCIImage(t, agentImage, [][]tarEntry{{{name: "bin/agent", content: "ELF"}}})
	businessImage := filepath.Join(tmp, "biz-image")
	buildOCIImage(t, businessImage, [][]tarEntry{{{name: "app/main.py", content: "print()"}}})

	rootfsPath := filepath.Join(tmp, "rootfs")
	composer := newTestComposer(t)
	require.NoError(t, composer.Compose(rootfsPath, Composition{
		AgentImage:    agentImage,
		BusinessImage: businessImage,
	}))

	assert.FileExists(t, filepath.Join(rootfsPath, "agent", "bin", "agent"))
	assert.FileExists(t, filepath.Join(rootfsPath, "workspace", "app", "main.py"))
}

func TestComposeInstallsGuestInit(t *testing.T) {
	tmp := t.TempDir()
	agentImage := filepath.Join(tmp, "agent-image")
	buildOCIImage(t, agentImage, [][]tarEntry{{{name: "bin/agent", content: "ELF"}}})

	guestInit := filepath.Join(tmp, "box-init")
	require.NoError(t, os.WriteFile(guestInit, []byte("ELF-init"), 0o644))

	rootfsPath := filepath.Join(tmp, "rootfs")
	composer := newTestComposer(t)
	require.NoError(t, composer.Compose(rootfsPath, Composition{
		AgentImage: agentImage,
		GuestInit:  guestInit,
	}))

	initPath := filepath.Join(rootfsPath, "sbin", "init")
	info, err := os.Stat(initPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestComposeFailureRemovesPartialTree(t *testing.T) {
	tmp := t.TempDir()
	rootfsPath := filepath.Join(tmp, "rootfs")
	composer := newTestComposer(t)

	err := composer.Compose(rootfsPath, Composition{AgentImage: filepath.Join(tmp, "missing")})
	require.Error(t, err)
	assert.NoDirExists(t, rootfsPath)
}

func TestComposeRequiresAgentImage(t *testing.T) {
	composer := newTestComposer(t)
	assert.Error(t, composer.Compose(t.TempDir(), Composition{}))
}

func TestComposeUsesLayerCache(t *testing.T) {
	tmp := t.TempDir()
	agentImage := filepath.Join(tmp, "agent-image")
	buildOCIImage(t, agentImage, [][]tarEntry{{{name: "bin/agent", content: "ELF"}}})

	layerCache, err := cache.NewLayerCache(filepath.Join(tmp, "layers"))
	require.NoError(t, err)
	composer := NewComposer(layerCache)

	require.NoError(t, composer.Compose(filepath.Join(tmp, "r1"), Composition{AgentImage: agentImage}))
	entries, err := layerCache.ListEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	firstCachedAt := entries[0].CachedAt

	// A second compose of the same image hits the cache; the entry is
	// not re-published.
	require.NoError(t, composer.Compose(filepath.Join(tmp, "r2"), Composition{AgentImage: agentImage}))
	entries, err = layerCache.ListEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, firstCachedAt, entries[0].CachedAt)
}

func TestAgentExecutablePath(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		entrypoint []string
		want       string
	}{
		{"absolute entrypoint", "/agent", []string{"/bin/agent", "--serve"}, "/agent/bin/agent"},
		{"relative entrypoint", "/agent", []string{"bin/agent"}, "/agent/bin/agent"},
		{"empty entrypoint", "/agent", nil, "/agent/bin/agent"},
		{"trailing slash target", "/agent/", []string{"/run"}, "/agent/run"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AgentExecutablePath(tt.target, tt.entrypoint))
		})
	}
}
