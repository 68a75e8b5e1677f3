package cache

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeKeyEnvOrderInsensitive(t *testing.T) {
	layers := []string{"sha256:l1", "sha256:l2"}
	entrypoint := []string{"/bin/agent", "--serve"}
	env := []string{"B=2", "A=1", "C=3"}

	base := ComputeKey("nginx:latest", layers, entrypoint, env)

	shuffled := append([]string{}, env...)
	for i := 0; i < 10; i++ {
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, base, ComputeKey("nginx:latest", layers, entrypoint, shuffled))
	}
}

func TestComputeKeyLayerOrderSensitive(t *testing.T) {
	entrypoint := []string{"/bin/agent"}
	env := []string{"A=1"}

	forward := ComputeKey("img:v1", []string{"sha256:l1", "sha256:l2"}, entrypoint, env)
	reversed := ComputeKey("img:v1", []string{"sha256:l2", "sha256:l1"}, entrypoint, env)
	assert.NotEqual(t, forward, reversed)
}

func TestComputeKeyEntrypointOrderSensitive(t *testing.T) {
	layers := []string{"sha256:l1"}
	env := []string{"A=1"}

	forward := ComputeKey("img:v1", layers, []string{"a", "b"}, env)
	reversed := ComputeKey("img:v1", layers, []string{"b", "a"}, env)
	assert.NotEqual(t, forward, reversed)
}

func TestComputeKeyVariesByRef(t *testing.T) {
	layers := []string{"sha256:l1"}
	assert.NotEqual(t,
		ComputeKey("img:v1", layers, nil, nil),
		ComputeKey("img:v2", layers, nil, nil))
}

func TestRootfsCachePutGetInvalidate(t *testing.T) {
	tmp := t.TempDir()
	c, err := NewRootfsCache(filepath.Join(tmp, "rootfs"))
	require.NoError(t, err)

	source := filepath.Join(tmp, "source")
	createTestTree(t, source, map[string]string{
		"etc/passwd": "root:x:0:0::/root:/bin/sh\n",
		"agent/bin":  "",
	})

	key := ComputeKey("nginx:latest", []string{"sha256:l1"}, nil, nil)
	cached, err := c.Put(key, source, "nginx:latest")
	require.NoError(t, err)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, cached, got)
	assert.FileExists(t, filepath.Join(got, "etc", "passwd"))

	require.NoError(t, c.Invalidate(key))
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestRootfsCacheMetaIsAuthoritative(t *testing.T) {
	tmp := t.TempDir()
	cacheDir := filepath.Join(tmp, "rootfs")
	c, err := NewRootfsCache(cacheDir)
	require.NoError(t, err)

	source := filepath.Join(tmp, "source")
	createTestTree(t, source, map[string]string{"f": "x"})

	_, err = c.Put("deadbeef", source, "test")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(cacheDir, "deadbeef.meta.json")))
	_, ok := c.Get("deadbeef")
	assert.False(t, ok)
}

func TestRootfsCachePruneRespectsBothBounds(t *testing.T) {
	tmp := t.TempDir()
	c, err := NewRootfsCache(filepath.Join(tmp, "rootfs"))
	require.NoError(t, err)

	for _, key := range []string{"k0", "k1", "k2", "k3"} {
		source := filepath.Join(tmp, "s", key)
		createTestTree(t, source, map[string]string{"data": string(make([]byte, 256))})
		_, err := c.Put(key, source, key)
		require.NoError(t, err)
	}

	// Entry bound binds: 4 entries → 2.
	evicted, err := c.Prune(2, 1<<30)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	count, err := c.EntryCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Byte bound binds even with a generous entry bound.
	evicted, err = c.Prune(10, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	total, err := c.TotalSize()
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(100))
}
