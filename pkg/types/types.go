package types

import (
	"net"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// BoxStatus represents the current state of a box instance
type BoxStatus string

const (
	BoxStatusCreated BoxStatus = "created"
	BoxStatusRunning BoxStatus = "running"
	BoxStatusStopped BoxStatus = "stopped"
	BoxStatusDead    BoxStatus = "dead"
)

// Vsock ports exposed by the guest init and the agent.
const (
	AgentVsockPort uint32 = 4088
	ExecVsockPort  uint32 = 4089
	PtyVsockPort   uint32 = 4090
)

// ShortIDLen is the length of the abbreviated box ID shown to users.
const ShortIDLen = 12

// ShortID returns the first 12 hex characters of a box UUID.
func ShortID(id string) string {
	trimmed := make([]byte, 0, ShortIDLen)
	for i := 0; i < len(id) && len(trimmed) < ShortIDLen; i++ {
		if id[i] == '-' {
			continue
		}
		trimmed = append(trimmed, id[i])
	}
	return string(trimmed)
}

// ResourceConfig defines compute resources for a box
type ResourceConfig struct {
	CPUs      uint8  `json:"cpus" yaml:"cpus"`
	MemoryMiB uint32 `json:"memory_mib" yaml:"memory_mib"`

	// Rlimits applied to the guest entrypoint, expressed as OCI
	// runtime-spec POSIX rlimits (e.g. RLIMIT_NOFILE).
	Rlimits []specs.POSIXRlimit `json:"rlimits,omitempty" yaml:"rlimits,omitempty"`
}

// DefaultResources returns the default VM sizing.
func DefaultResources() ResourceConfig {
	return ResourceConfig{CPUs: 2, MemoryMiB: 2048}
}

// CacheConfig controls the layer and rootfs caches
type CacheConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	CacheDir         string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
	MaxRootfsEntries int    `json:"max_rootfs_entries" yaml:"max_rootfs_entries"`
	MaxCacheBytes    int64  `json:"max_cache_bytes" yaml:"max_cache_bytes"`
}

// DefaultCacheConfig returns the default cache limits (10 rootfs
// entries, 10 GiB total).
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:          true,
		MaxRootfsEntries: 10,
		MaxCacheBytes:    10 * 1024 * 1024 * 1024,
	}
}

// PoolConfig controls the warm pool of pre-booted VMs
type PoolConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	MinIdle     int    `json:"min_idle" yaml:"min_idle"`
	MaxSize     int    `json:"max_size" yaml:"max_size"`
	IdleTTLSecs uint64 `json:"idle_ttl_secs" yaml:"idle_ttl_secs"`
}

// DefaultPoolConfig returns the default pool sizing (disabled, 1 idle,
// 5 max, 5 minute TTL).
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MinIdle: 1, MaxSize: 5, IdleTTLSecs: 300}
}

// TeeConfig configures the trusted execution environment for a box
type TeeConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ConfigFile is the path to the TEE configuration JSON handed to
	// the VMM (SEV-SNP launch parameters).
	ConfigFile string `json:"config_file,omitempty" yaml:"config_file,omitempty"`
}

// NetworkMode selects how a box reaches the outside world
type NetworkMode string

const (
	// NetworkModeTSI proxies guest socket calls over vsock; the guest
	// has no NIC.
	NetworkModeTSI NetworkMode = "tsi"
	// NetworkModeBridge gives the guest a virtio-net eth0 attached to a
	// named user network.
	NetworkModeBridge NetworkMode = "bridge"
	// NetworkModeNone disables networking entirely.
	NetworkModeNone NetworkMode = "none"
)

// RunRequest describes everything needed to go from an image reference
// to a running box
type RunRequest struct {
	// Image is the agent OCI image reference (registry/repo:tag or @digest).
	Image string `json:"image"`

	// BusinessImage optionally overlays a second image at the workspace
	// target.
	BusinessImage string `json:"business_image,omitempty"`

	// Cmd overrides the image entrypoint arguments when set.
	Cmd []string `json:"cmd,omitempty"`

	// Env holds extra KEY=VALUE pairs for the entrypoint.
	Env []string `json:"env,omitempty"`

	// WorkingDir overrides the guest working directory.
	WorkingDir string `json:"working_dir,omitempty"`

	// Workspace is the host directory shared read-write at /workspace.
	Workspace string `json:"workspace,omitempty"`

	// Skills are host directories shared read-only at /skills.
	Skills []string `json:"skills,omitempty"`

	// Volumes are extra host_path:guest_path[:ro] shares.
	Volumes []string `json:"volumes,omitempty"`

	// PortMap contains host:guest TSI port pairs (e.g. "8080:80").
	PortMap []string `json:"port_map,omitempty"`

	// Network names a user-defined network to join (bridge mode).
	Network string `json:"network,omitempty"`

	// NetworkMode selects tsi (default), bridge, or none.
	NetworkMode NetworkMode `json:"network_mode,omitempty"`

	// DNS servers for the guest. Empty means 8.8.8.8.
	DNS []string `json:"dns,omitempty"`

	Resources ResourceConfig `json:"resources"`
	Tee       TeeConfig      `json:"tee"`

	// Name is an optional human-readable box name.
	Name string `json:"name,omitempty"`
}

// InstanceSummary is the listing view of a box instance
type InstanceSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Image     string    `json:"image"`
	Status    BoxStatus `json:"status"`
	PID       int       `json:"pid,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Network   string    `json:"network,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BoxRecord is the persisted form of a box instance. It is written to
// the records file and reconciled against live PIDs on load.
type BoxRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Image      string    `json:"image"`
	Status     BoxStatus `json:"status"`
	PID        int       `json:"pid,omitempty"`
	Dir        string    `json:"dir"`
	Network    string    `json:"network,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Network represents a user-defined network
type Network struct {
	Name      string               `json:"name"`
	Subnet    string               `json:"subnet"`
	Gateway   net.IP               `json:"gateway"`
	Driver    string               `json:"driver"`
	Labels    map[string]string    `json:"labels,omitempty"`
	Endpoints map[string]*Endpoint `json:"endpoints"`
	CreatedAt time.Time            `json:"created_at"`
}

// Endpoint binds a box to a network
type Endpoint struct {
	BoxID      string `json:"box_id"`
	BoxName    string `json:"box_name"`
	IPAddress  net.IP `json:"ip_address"`
	MACAddress string `json:"mac_address"`
}

// PoolStats tracks warm pool activity
type PoolStats struct {
	IdleCount     int    `json:"idle_count"`
	TotalCreated  uint64 `json:"total_created"`
	TotalAcquired uint64 `json:"total_acquired"`
	TotalReleased uint64 `json:"total_released"`
	TotalEvicted  uint64 `json:"total_evicted"`
}
