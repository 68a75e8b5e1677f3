// Package network manages user-defined networks: IP address allocation
// over a subnet, deterministic MAC derivation, endpoint bookkeeping,
// and persistence of network state.
package network

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/a3s-lab/box/pkg/errdefs"
)

// IPAM is a simple sequential allocator over an IPv4 subnet. It never
// hands out the network, gateway, or broadcast address.
type IPAM struct {
	network   net.IP
	prefixLen int
	gateway   net.IP
}

// NewIPAM parses a CIDR (e.g. "10.88.0.0/24"). The gateway is the first
// usable host. Prefixes longer than /30 leave no usable hosts.
func NewIPAM(cidr string) (*IPAM, error) {
	parts := strings.Split(cidr, "/")
	if len(parts) != 2 {
		return nil, errdefs.Config("invalid CIDR notation: %s", cidr)
	}

	network := net.ParseIP(parts[0])
	if network == nil || network.To4() == nil {
		return nil, errdefs.Config("invalid network address %q", parts[0])
	}
	prefixLen, err := strconv.Atoi(parts[1])
	if err != nil || prefixLen < 0 {
		return nil, errdefs.Config("invalid prefix length %q", parts[1])
	}
	if prefixLen > 30 {
		return nil, errdefs.Config("prefix length %d too large (max 30 for usable hosts)", prefixLen)
	}

	netU32 := ipToU32(network)
	return &IPAM{
		network:   network.To4(),
		prefixLen: prefixLen,
		gateway:   u32ToIP(netU32 + 1),
	}, nil
}

// Gateway returns the gateway address (network + 1).
func (p *IPAM) Gateway() net.IP { return p.gateway }

// CIDR returns the canonical subnet string.
func (p *IPAM) CIDR() string {
	return fmt.Sprintf("%s/%d", p.network, p.prefixLen)
}

// PrefixLen returns the subnet prefix length.
func (p *IPAM) PrefixLen() int { return p.prefixLen }

// Broadcast returns the subnet broadcast address.
func (p *IPAM) Broadcast() net.IP {
	hostBits := 32 - p.prefixLen
	return u32ToIP(ipToU32(p.network) | (1<<hostBits - 1))
}

// Capacity returns the number of usable host addresses, excluding the
// network, gateway, and broadcast addresses.
func (p *IPAM) Capacity() uint32 {
	hostBits := 32 - p.prefixLen
	total := uint32(1<<hostBits) - 1 // exclude network address
	if total < 2 {
		return 0
	}
	return total - 2 // exclude gateway and broadcast
}

// Allocate returns the lowest free address strictly between the network
// and broadcast, skipping the gateway and every address in used.
func (p *IPAM) Allocate(used []net.IP) (net.IP, error) {
	usedSet := make(map[uint32]struct{}, len(used))
	for _, ip := range used {
		usedSet[ipToU32(ip)] = struct{}{}
	}

	broadcast := ipToU32(p.Broadcast())
	gateway := ipToU32(p.gateway)

	for candidate := ipToU32(p.network) + 2; candidate < broadcast; candidate++ {
		if candidate == gateway {
			continue
		}
		if _, taken := usedSet[candidate]; taken {
			continue
		}
		return u32ToIP(candidate), nil
	}

	return nil, errdefs.Config("no available IP addresses in subnet %s", p.CIDR())
}

// MACFromIP derives the deterministic MAC for an address using the
// locally-administered 02:42 prefix.
func MACFromIP(ip net.IP) string {
	o := ip.To4()
	return fmt.Sprintf("02:42:%02x:%02x:%02x:%02x", o[0], o[1], o[2], o[3])
}

func ipToU32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func u32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
