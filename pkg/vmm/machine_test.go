package vmm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a3s-lab/box/pkg/events"
	"github.com/a3s-lab/box/pkg/types"
)

// writeFakeShim writes a shell script standing in for box-shim: it
// creates the agent socket file next to its config and idles until
// SIGTERM.
func writeFakeShim(t *testing.T, behavior string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-shim")
	script := "#!/bin/sh\n" + behavior
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

const shimOK = `
dir=$(dirname "$2")
touch "$dir/sockets/grpc.sock"
trap 'exit 0' TERM
while :; do sleep 0.1; done
`

const shimFail = `
echo "enter failed" >&2
exit 1
`

func newTestMachine(t *testing.T, shim string) (*Machine, string) {
	t.Helper()
	root := t.TempDir()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	m, err := NewMachine(root, shim, "test-box", broker)
	require.NoError(t, err)

	// Give the machine a minimal config rooted in its own directory.
	rootfsDir := filepath.Join(m.Dir(), "rootfs")
	require.NoError(t, os.MkdirAll(rootfsDir, 0o755))
	m.Configure(KrunConfig{
		CPUs: 1, MemoryMiB: 128,
		Rootfs: rootfsDir,
		Exec:   "/sbin/init",
	})
	return m, root
}

func TestMachineCreateLaysOutInstanceDir(t *testing.T) {
	m, root := newTestMachine(t, "/bin/false")

	assert.Equal(t, StateCreated, m.State())
	assert.DirExists(t, filepath.Join(root, "boxes", m.ID(), "sockets"))
	assert.FileExists(t, filepath.Join(root, "boxes", m.ID(), "console.log"))
	assert.Len(t, types.ShortID(m.ID()), types.ShortIDLen)
}

func TestMachineBootStopDestroy(t *testing.T) {
	shim := writeFakeShim(t, shimOK)
	m, _ := newTestMachine(t, shim)

	ctx := context.Background()
	require.NoError(t, m.Boot(ctx))
	assert.Equal(t, StateRunning, m.State())
	assert.NotZero(t, m.PID())
	assert.True(t, PIDAlive(m.PID()))

	require.NoError(t, m.Stop(ctx, 5*time.Second))
	assert.Equal(t, StateStopped, m.State())
	assert.Zero(t, m.PID())

	dir := m.Dir()
	require.NoError(t, m.Destroy(ctx))
	assert.Equal(t, StateDestroyed, m.State())
	assert.NoDirExists(t, dir)
}

func TestMachineBootFailure(t *testing.T) {
	shim := writeFakeShim(t, shimFail)
	m, _ := newTestMachine(t, shim)

	err := m.Boot(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
}

func TestMachineBootMissingRootfs(t *testing.T) {
	shim := writeFakeShim(t, shimOK)
	m, _ := newTestMachine(t, shim)
	m.Configure(KrunConfig{Rootfs: "/does/not/exist"})

	err := m.Boot(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
}

func TestMachineBootTwiceRejected(t *testing.T) {
	shim := writeFakeShim(t, shimOK)
	m, _ := newTestMachine(t, shim)

	ctx := context.Background()
	require.NoError(t, m.Boot(ctx))
	defer m.Destroy(ctx)

	assert.Error(t, m.Boot(ctx))
}

func TestMachineStopEscalatesToKill(t *testing.T) {
	// A shim that ignores SIGTERM forces the SIGKILL path.
	shim := writeFakeShim(t, `
dir=$(dirname "$2")
touch "$dir/sockets/grpc.sock"
trap '' TERM
while :; do sleep 0.1; done
`)
	m, _ := newTestMachine(t, shim)

	ctx := context.Background()
	require.NoError(t, m.Boot(ctx))

	start := time.Now()
	require.NoError(t, m.Stop(ctx, 500*time.Millisecond))
	assert.Equal(t, StateStopped, m.State())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMachineRecord(t *testing.T) {
	shim := writeFakeShim(t, shimOK)
	m, _ := newTestMachine(t, shim)

	rec := m.Record("alpine:3.19")
	assert.Equal(t, types.BoxStatusCreated, rec.Status)
	assert.Equal(t, "alpine:3.19", rec.Image)
	assert.Equal(t, "test-box", rec.Name)

	ctx := context.Background()
	require.NoError(t, m.Boot(ctx))
	defer m.Destroy(ctx)

	rec = m.Record("alpine:3.19")
	assert.Equal(t, types.BoxStatusRunning, rec.Status)
	assert.Equal(t, m.PID(), rec.PID)
}

func TestMachineEmitsLifecycleEvents(t *testing.T) {
	root := t.TempDir()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	shim := writeFakeShim(t, shimOK)
	m, err := NewMachine(root, shim, "", broker)
	require.NoError(t, err)
	rootfsDir := filepath.Join(m.Dir(), "rootfs")
	require.NoError(t, os.MkdirAll(rootfsDir, 0o755))
	m.Configure(KrunConfig{Rootfs: rootfsDir})

	ctx := context.Background()
	require.NoError(t, m.Boot(ctx))
	require.NoError(t, m.Stop(ctx, 5*time.Second))
	require.NoError(t, m.Destroy(ctx))

	want := []events.EventType{
		events.EventBoxCreated,
		events.EventBoxBooting,
		events.EventBoxRunning,
		events.EventBoxStopped,
		events.EventBoxDestroyed,
	}
	var got []events.EventType
	deadline := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
		case <-deadline:
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.Equal(t, want, got)
}
