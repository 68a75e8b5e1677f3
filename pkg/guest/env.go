// Package guest implements the PID-1 init that runs inside the VM:
// mounting filesystems, bringing up networking, launching the workload
// in a private namespace, serving exec and PTY requests over vsock, and
// performing graceful shutdown.
package guest

import (
	"fmt"
	"os"
	"strings"
)

// Environment contract between the host and the guest init.
const (
	EnvAgentExec      = "A3S_AGENT_EXEC"
	EnvAgentArgs      = "A3S_AGENT_ARGS"
	EnvAgentEnvPrefix = "A3S_AGENT_ENV_"
	EnvNetIP          = "A3S_NET_IP"
	EnvNetGateway     = "A3S_NET_GATEWAY"
	EnvNetDNS         = "A3S_NET_DNS"
	EnvVolumePrefix   = "A3S_VOL_"
)

// DefaultAgentExec is launched when no descriptor is configured.
const DefaultAgentExec = "/agent/bin/agent"

// AgentConfig describes the workload to launch, parsed from the
// environment.
type AgentConfig struct {
	Executable string
	Args       []string
	Env        []string
}

// AgentConfigFromEnv parses A3S_AGENT_EXEC, A3S_AGENT_ARGS
// (whitespace-separated), and A3S_AGENT_ENV_* pairs (the stripped
// prefix forms the real key).
func AgentConfigFromEnv() AgentConfig {
	cfg := AgentConfig{Executable: os.Getenv(EnvAgentExec)}
	if cfg.Executable == "" {
		cfg.Executable = DefaultAgentExec
	}

	if args := os.Getenv(EnvAgentArgs); args != "" {
		cfg.Args = strings.Fields(args)
	} else {
		cfg.Args = []string{"--listen", "vsock://4088"}
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvAgentEnvPrefix) {
			continue
		}
		cfg.Env = append(cfg.Env, strings.TrimPrefix(key, EnvAgentEnvPrefix)+"="+value)
	}

	return cfg
}

// VolumeMount is one A3S_VOL_<i> entry: a virtiofs tag, its guest mount
// point, and the read-only flag.
type VolumeMount struct {
	Tag       string
	GuestPath string
	ReadOnly  bool
}

// ParseVolumeSpec parses "<tag>:<guest_path>[:ro]".
func ParseVolumeSpec(spec string) (VolumeMount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return VolumeMount{}, fmt.Errorf("invalid volume spec %q", spec)
	}
	vm := VolumeMount{Tag: parts[0], GuestPath: parts[1]}
	if len(parts) > 2 && parts[2] == "ro" {
		vm.ReadOnly = true
	}
	return vm, nil
}

// VolumesFromEnv collects A3S_VOL_0, A3S_VOL_1, ... until the first
// missing index. Malformed entries are skipped.
func VolumesFromEnv() []VolumeMount {
	var mounts []VolumeMount
	for i := 0; ; i++ {
		spec, ok := os.LookupEnv(fmt.Sprintf("%s%d", EnvVolumePrefix, i))
		if !ok {
			break
		}
		vm, err := ParseVolumeSpec(spec)
		if err != nil {
			continue
		}
		mounts = append(mounts, vm)
	}
	return mounts
}

// NetConfig is the bridge-mode addressing for the guest, absent in TSI
// mode.
type NetConfig struct {
	IPCIDR     string
	Gateway    string
	DNSServers []string
}

// NetConfigFromEnv returns nil when A3S_NET_IP is unset (TSI mode, no
// interface setup beyond loopback).
func NetConfigFromEnv() *NetConfig {
	ipCIDR, ok := os.LookupEnv(EnvNetIP)
	if !ok || ipCIDR == "" {
		return nil
	}

	cfg := &NetConfig{
		IPCIDR:     ipCIDR,
		Gateway:    os.Getenv(EnvNetGateway),
		DNSServers: []string{"8.8.8.8"},
	}
	if dns := os.Getenv(EnvNetDNS); dns != "" {
		cfg.DNSServers = cfg.DNSServers[:0]
		for _, server := range strings.Split(dns, ",") {
			if server = strings.TrimSpace(server); server != "" {
				cfg.DNSServers = append(cfg.DNSServers, server)
			}
		}
	}
	return cfg
}

// ShellEscape quotes a single argument for /bin/sh. Plain tokens pass
// through unquoted.
func ShellEscape(s string) string {
	plain := s != ""
	for _, r := range s {
		if !(r == '_' || r == '-' || r == '/' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			plain = false
			break
		}
	}
	if plain {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WrapUserCommand wraps cmd in `su -s /bin/sh <user> -c <escaped cmd>`
// so it runs as the given guest user.
func WrapUserCommand(user string, cmd []string) (string, []string) {
	escaped := make([]string, len(cmd))
	for i, arg := range cmd {
		escaped[i] = ShellEscape(arg)
	}
	return "su", []string{"-s", "/bin/sh", user, "-c", strings.Join(escaped, " ")}
}
