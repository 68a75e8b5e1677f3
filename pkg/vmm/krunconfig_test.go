package vmm

import (
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a3s-lab/box/pkg/types"
)

func baseSpec(dir string) BootSpec {
	return BootSpec{
		Rootfs: filepath.Join(dir, "rootfs"),
		Dir:    dir,
		Exec:   "/sbin/init",
	}
}

func TestBuildKrunConfigDefaults(t *testing.T) {
	cfg, err := BuildKrunConfig(types.RunRequest{Image: "alpine:3.19"}, baseSpec("/tmp/box"))
	require.NoError(t, err)

	assert.Equal(t, types.DefaultResources().CPUs, cfg.CPUs)
	assert.Equal(t, types.DefaultResources().MemoryMiB, cfg.MemoryMiB)
	assert.Equal(t, "/sbin/init", cfg.Exec)
	assert.Equal(t, "/tmp/box/console.log", cfg.ConsoleLog)
}

func TestBuildKrunConfigVsockBridges(t *testing.T) {
	cfg, err := BuildKrunConfig(types.RunRequest{Image: "a:v1"}, baseSpec("/tmp/box"))
	require.NoError(t, err)

	require.Len(t, cfg.VsockPorts, 3)
	byPort := map[uint32]VsockPort{}
	for _, p := range cfg.VsockPorts {
		byPort[p.Port] = p
		assert.True(t, p.Listen)
	}
	assert.Equal(t, "/tmp/box/sockets/grpc.sock", byPort[types.AgentVsockPort].SocketPath)
	assert.Equal(t, "/tmp/box/sockets/exec.sock", byPort[types.ExecVsockPort].SocketPath)
	assert.Equal(t, "/tmp/box/sockets/pty.sock", byPort[types.PtyVsockPort].SocketPath)
}

func TestBuildKrunConfigShares(t *testing.T) {
	req := types.RunRequest{
		Image:     "a:v1",
		Workspace: "/home/dev/project",
		Skills:    []string{"/opt/skills"},
		Volumes:   []string{"/data:/mnt/data", "/cfg:/mnt/cfg:ro"},
	}
	cfg, err := BuildKrunConfig(req, baseSpec("/tmp/box"))
	require.NoError(t, err)

	tags := map[string]string{}
	for _, share := range cfg.Shares {
		tags[share.Tag] = share.HostPath
	}
	assert.Equal(t, "/home/dev/project", tags["workspace"])
	assert.Equal(t, "/opt/skills", tags["skills0"])
	assert.Equal(t, "/data", tags["vol0"])
	assert.Equal(t, "/cfg", tags["vol1"])

	// Each volume's guest mount travels as an env entry; the ro flag
	// survives as a suffix.
	assert.Contains(t, cfg.Env, "A3S_VOL_0=vol0:/mnt/data")
	assert.Contains(t, cfg.Env, "A3S_VOL_1=vol1:/mnt/cfg:ro")
}

func TestBuildKrunConfigInvalidVolume(t *testing.T) {
	_, err := BuildKrunConfig(types.RunRequest{
		Image:   "a:v1",
		Volumes: []string{"no-guest-path"},
	}, baseSpec("/tmp/box"))
	assert.Error(t, err)
}

func TestBuildKrunConfigNetwork(t *testing.T) {
	spec := baseSpec("/tmp/box")
	spec.Net = GuestNet{
		IPCIDR:  "10.88.0.2/24",
		Gateway: "10.88.0.1",
		DNS:     []string{"1.1.1.1", "8.8.8.8"},
	}

	cfg, err := BuildKrunConfig(types.RunRequest{Image: "a:v1"}, spec)
	require.NoError(t, err)

	assert.Contains(t, cfg.Env, "A3S_NET_IP=10.88.0.2/24")
	assert.Contains(t, cfg.Env, "A3S_NET_GATEWAY=10.88.0.1")
	assert.Contains(t, cfg.Env, "A3S_NET_DNS=1.1.1.1,8.8.8.8")
}

func TestBuildKrunConfigTSIHasNoNetEnv(t *testing.T) {
	cfg, err := BuildKrunConfig(types.RunRequest{Image: "a:v1"}, baseSpec("/tmp/box"))
	require.NoError(t, err)

	for _, kv := range cfg.Env {
		assert.NotContains(t, kv, "A3S_NET_IP")
	}
}

func TestBuildKrunConfigTee(t *testing.T) {
	req := types.RunRequest{
		Image: "a:v1",
		Tee:   types.TeeConfig{Enabled: true, ConfigFile: "/etc/a3s/tee.json"},
	}
	cfg, err := BuildKrunConfig(req, baseSpec("/tmp/box"))
	require.NoError(t, err)

	assert.True(t, cfg.SplitIrqchip)
	assert.Equal(t, "/etc/a3s/tee.json", cfg.TeeConfigFile)
}

func TestBuildKrunConfigPortMap(t *testing.T) {
	req := types.RunRequest{Image: "a:v1", PortMap: []string{"8080:80", "3000:3000"}}
	cfg, err := BuildKrunConfig(req, baseSpec("/tmp/box"))
	require.NoError(t, err)
	assert.Equal(t, []string{"8080:80", "3000:3000"}, cfg.PortMap)
}

func TestRlimitStrings(t *testing.T) {
	out := rlimitStrings([]specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Soft: 1024, Hard: 4096},
		{Type: "RLIMIT_NPROC", Soft: 64, Hard: 64},
		{Type: "RLIMIT_BOGUS", Soft: 1, Hard: 1},
	})
	assert.Equal(t, []string{"7=1024:4096", "6=64:64"}, out)
}
