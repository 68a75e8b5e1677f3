package vmm

import (
	"fmt"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/a3s-lab/box/pkg/types"
)

// Share is a virtiofs host→guest directory share.
type Share struct {
	Tag      string `json:"tag"`
	HostPath string `json:"host_path"`
}

// VsockPort bridges a guest vsock port to a host Unix socket.
type VsockPort struct {
	Port       uint32 `json:"port"`
	SocketPath string `json:"socket_path"`

	// Listen selects who owns the socket: true means the VMM creates it
	// and listens (host connects), false means the VMM connects to an
	// existing socket.
	Listen bool `json:"listen"`
}

// KrunConfig is the full machine configuration handed to the shim. The
// shim replays it against a libkrun context and then enters the VM.
type KrunConfig struct {
	CPUs      uint8  `json:"cpus"`
	MemoryMiB uint32 `json:"memory_mib"`

	Rootfs string `json:"rootfs"`

	Exec    string   `json:"exec"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`

	Rlimits []string `json:"rlimits,omitempty"`

	Shares     []Share     `json:"shares,omitempty"`
	VsockPorts []VsockPort `json:"vsock_ports,omitempty"`

	// PortMap holds "host:guest" TSI port pairs.
	PortMap []string `json:"port_map,omitempty"`

	ConsoleLog string `json:"console_log,omitempty"`

	// SplitIrqchip must be enabled for TEE VMs.
	SplitIrqchip  bool   `json:"split_irqchip,omitempty"`
	TeeConfigFile string `json:"tee_config_file,omitempty"`
}

// GuestNet carries the bridge-mode addressing injected into the guest
// environment. Zero value means TSI mode.
type GuestNet struct {
	IPCIDR  string
	Gateway string
	DNS     []string
}

// BootSpec bundles everything BuildKrunConfig needs beyond the request.
type BootSpec struct {
	Rootfs string
	Dir    string

	// Entrypoint resolution against the agent image.
	Exec    string
	Args    []string
	Env     []string
	WorkDir string

	Net GuestNet
}

// BuildKrunConfig derives the machine configuration for one instance.
//
// Shares get stable tags (workspace, skills<i>, vol<i>); each volume's
// guest mount point and read-only flag travel to the guest init as an
// A3S_VOL_<i> environment variable. The three vsock ports (agent gRPC,
// exec, PTY) are bridged to named sockets in the instance directory.
func BuildKrunConfig(req types.RunRequest, spec BootSpec) (KrunConfig, error) {
	res := req.Resources
	if res.CPUs == 0 {
		res.CPUs = types.DefaultResources().CPUs
	}
	if res.MemoryMiB == 0 {
		res.MemoryMiB = types.DefaultResources().MemoryMiB
	}

	cfg := KrunConfig{
		CPUs:       res.CPUs,
		MemoryMiB:  res.MemoryMiB,
		Rootfs:     spec.Rootfs,
		Exec:       spec.Exec,
		Args:       spec.Args,
		WorkDir:    spec.WorkDir,
		Rlimits:    rlimitStrings(res.Rlimits),
		PortMap:    req.PortMap,
		ConsoleLog: filepath.Join(spec.Dir, "console.log"),
	}

	env := append([]string{}, spec.Env...)

	if req.Workspace != "" {
		cfg.Shares = append(cfg.Shares, Share{Tag: "workspace", HostPath: req.Workspace})
	}
	for i, skill := range req.Skills {
		cfg.Shares = append(cfg.Shares, Share{
			Tag:      fmt.Sprintf("skills%d", i),
			HostPath: skill,
		})
	}

	for i, vol := range req.Volumes {
		hostPath, guestSpec, err := splitVolume(vol)
		if err != nil {
			return KrunConfig{}, err
		}
		tag := fmt.Sprintf("vol%d", i)
		cfg.Shares = append(cfg.Shares, Share{Tag: tag, HostPath: hostPath})
		env = append(env, fmt.Sprintf("A3S_VOL_%d=%s:%s", i, tag, guestSpec))
	}

	sockets := filepath.Join(spec.Dir, "sockets")
	cfg.VsockPorts = []VsockPort{
		{Port: types.AgentVsockPort, SocketPath: filepath.Join(sockets, "grpc.sock"), Listen: true},
		{Port: types.ExecVsockPort, SocketPath: filepath.Join(sockets, "exec.sock"), Listen: true},
		{Port: types.PtyVsockPort, SocketPath: filepath.Join(sockets, "pty.sock"), Listen: true},
	}

	if spec.Net.IPCIDR != "" {
		env = append(env, "A3S_NET_IP="+spec.Net.IPCIDR)
		if spec.Net.Gateway != "" {
			env = append(env, "A3S_NET_GATEWAY="+spec.Net.Gateway)
		}
		if len(spec.Net.DNS) > 0 {
			env = append(env, "A3S_NET_DNS="+strings.Join(spec.Net.DNS, ","))
		}
	}

	cfg.Env = env

	if req.Tee.Enabled {
		cfg.SplitIrqchip = true
		cfg.TeeConfigFile = req.Tee.ConfigFile
	}

	return cfg, nil
}

// splitVolume parses "host:guest[:ro]" and returns the host path and
// the guest-side "guest[:ro]" remainder.
func splitVolume(vol string) (string, string, error) {
	parts := strings.SplitN(vol, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid volume spec %q: want host:guest[:ro]", vol)
	}
	return parts[0], parts[1], nil
}

// rlimitNumbers maps OCI runtime-spec rlimit names to Linux resource
// numbers as libkrun expects them.
var rlimitNumbers = map[string]int{
	"RLIMIT_CPU":        0,
	"RLIMIT_FSIZE":      1,
	"RLIMIT_DATA":       2,
	"RLIMIT_STACK":      3,
	"RLIMIT_CORE":       4,
	"RLIMIT_RSS":        5,
	"RLIMIT_NPROC":      6,
	"RLIMIT_NOFILE":     7,
	"RLIMIT_MEMLOCK":    8,
	"RLIMIT_AS":         9,
	"RLIMIT_LOCKS":      10,
	"RLIMIT_SIGPENDING": 11,
	"RLIMIT_MSGQUEUE":   12,
	"RLIMIT_NICE":       13,
	"RLIMIT_RTPRIO":     14,
	"RLIMIT_RTTIME":     15,
}

// rlimitStrings renders rlimits in libkrun's "<num>=soft:hard" form.
// Unknown names are dropped.
func rlimitStrings(rlimits []specs.POSIXRlimit) []string {
	var out []string
	for _, rl := range rlimits {
		num, ok := rlimitNumbers[rl.Type]
		if !ok {
			continue
		}
		out = append(out, fmt.Sprintf("%d=%d:%d", num, rl.Soft, rl.Hard))
	}
	return out
}
