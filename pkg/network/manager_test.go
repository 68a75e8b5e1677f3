package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a3s-lab/box/pkg/errdefs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerCreateAndGet(t *testing.T) {
	m := newTestManager(t)

	nw, err := m.Create("mynet", "10.88.0.0/24", map[string]string{"env": "test"})
	require.NoError(t, err)
	assert.Equal(t, "bridge", nw.Driver)
	assert.Equal(t, "10.88.0.1", nw.Gateway.String())

	got, err := m.Get("mynet")
	require.NoError(t, err)
	assert.Equal(t, "10.88.0.0/24", got.Subnet)
	assert.Equal(t, "test", got.Labels["env"])
}

func TestManagerCreateDuplicate(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("dup", "10.88.0.0/24", nil)
	require.NoError(t, err)
	_, err = m.Create("dup", "10.89.0.0/24", nil)
	assert.Error(t, err)
}

func TestManagerGetUnknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get("nope")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestManagerConnectDisconnectReuse(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("mynet", "10.88.0.0/24", nil)
	require.NoError(t, err)

	epA, err := m.Connect("mynet", "box-a", "a")
	require.NoError(t, err)
	assert.Equal(t, "10.88.0.2", epA.IPAddress.String())
	assert.Equal(t, "02:42:0a:58:00:02", epA.MACAddress)

	epB, err := m.Connect("mynet", "box-b", "b")
	require.NoError(t, err)
	assert.Equal(t, "10.88.0.3", epB.IPAddress.String())
	assert.Equal(t, "02:42:0a:58:00:03", epB.MACAddress)

	// Connecting the same box twice fails.
	_, err = m.Connect("mynet", "box-a", "a")
	assert.Error(t, err)

	// Disconnect frees the address for the next endpoint.
	_, err = m.Disconnect("mynet", "box-a")
	require.NoError(t, err)

	epC, err := m.Connect("mynet", "box-c", "c")
	require.NoError(t, err)
	assert.Equal(t, "10.88.0.2", epC.IPAddress.String())
}

func TestManagerDisconnectUnknownBox(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("mynet", "10.88.0.0/24", nil)
	require.NoError(t, err)

	_, err = m.Disconnect("mynet", "ghost")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestManagerRemoveRequiresEmpty(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("busy", "10.88.0.0/24", nil)
	require.NoError(t, err)
	_, err = m.Connect("busy", "box-a", "a")
	require.NoError(t, err)

	assert.Error(t, m.Remove("busy"))

	_, err = m.Disconnect("busy", "box-a")
	require.NoError(t, err)
	assert.NoError(t, m.Remove("busy"))

	_, err = m.Get("busy")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestManagerPersistence(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir)
	require.NoError(t, err)
	_, err = m.Create("durable", "10.90.0.0/24", nil)
	require.NoError(t, err)
	_, err = m.Connect("durable", "box-a", "a")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, err := NewManager(dir)
	require.NoError(t, err)
	defer reopened.Close()

	nw, err := reopened.Get("durable")
	require.NoError(t, err)
	assert.Len(t, nw.Endpoints, 1)
	assert.Equal(t, "10.90.0.2", nw.Endpoints["box-a"].IPAddress.String())
}
