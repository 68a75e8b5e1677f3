//go:build linux

package guest

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/a3s-lab/box/pkg/log"
)

// ConfigureNetwork brings up guest networking.
//
// Loopback always comes up — listen() on 0.0.0.0 needs it even in TSI
// mode. With A3S_NET_IP set (passt mode) eth0 is addressed via ioctls,
// a default route is installed via netlink, and resolv.conf is written.
func ConfigureNetwork() error {
	logger := log.WithComponent("guest-init")

	if err := setInterfaceUp("lo"); err != nil {
		logger.Warn().Err(err).Msg("Failed to bring up loopback")
	}

	cfg := NetConfigFromEnv()
	if cfg == nil {
		logger.Info().Msg("No A3S_NET_IP set, using TSI networking")
		return nil
	}

	logger.Info().Str("ip", cfg.IPCIDR).Str("gateway", cfg.Gateway).
		Strs("dns", cfg.DNSServers).Msg("Configuring guest network")

	ip, ipnet, err := net.ParseCIDR(cfg.IPCIDR)
	if err != nil {
		return fmt.Errorf("invalid A3S_NET_IP %q: %w", cfg.IPCIDR, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("A3S_NET_IP %q is not IPv4", cfg.IPCIDR)
	}

	if err := setInterfaceAddr("eth0", ip4, net.IP(ipnet.Mask)); err != nil {
		return err
	}
	if err := setInterfaceUp("eth0"); err != nil {
		return err
	}

	if cfg.Gateway != "" {
		gw := net.ParseIP(cfg.Gateway)
		if gw == nil || gw.To4() == nil {
			return fmt.Errorf("invalid A3S_NET_GATEWAY %q", cfg.Gateway)
		}
		if err := addDefaultRoute(gw.To4()); err != nil {
			return err
		}
	}

	return writeResolvConf(cfg.DNSServers)
}

// setInterfaceAddr assigns an IPv4 address and netmask with
// SIOCSIFADDR and SIOCSIFNETMASK.
func setInterfaceAddr(name string, addr, mask net.IP) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("interface name %q: %w", name, err)
	}

	if err := ifr.SetInet4Addr(addr); err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFADDR, ifr); err != nil {
		return fmt.Errorf("SIOCSIFADDR on %s: %w", name, err)
	}

	if err := ifr.SetInet4Addr(mask); err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFNETMASK, ifr); err != nil {
		return fmt.Errorf("SIOCSIFNETMASK on %s: %w", name, err)
	}

	return nil
}

// setInterfaceUp sets IFF_UP|IFF_RUNNING with SIOCSIFFLAGS.
func setInterfaceUp(name string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("interface name %q: %w", name, err)
	}

	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCGIFFLAGS on %s: %w", name, err)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCSIFFLAGS on %s: %w", name, err)
	}
	return nil
}

// addDefaultRoute installs 0.0.0.0/0 via gw with an RTM_NEWROUTE
// netlink message.
func addDefaultRoute(gw net.IP) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("opening netlink socket: %w", err)
	}
	defer unix.Close(fd)

	msg := buildRouteMessage(gw)
	if err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return fmt.Errorf("sending RTM_NEWROUTE: %w", err)
	}

	// Read the ack and surface any kernel error.
	buf := make([]byte, 4096)
	n, _, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return fmt.Errorf("reading netlink ack: %w", err)
	}
	if n >= unix.NLMSG_HDRLEN+4 {
		hdr := (*unix.NlMsghdr)(unsafe.Pointer(&buf[0]))
		if hdr.Type == unix.NLMSG_ERROR {
			errno := int32(binary.LittleEndian.Uint32(buf[unix.NLMSG_HDRLEN:]))
			if errno != 0 && -errno != int32(unix.EEXIST) {
				return fmt.Errorf("RTM_NEWROUTE rejected: %v", unix.Errno(-errno))
			}
		}
	}
	return nil
}

// buildRouteMessage serializes nlmsghdr + rtmsg + RTA_GATEWAY.
func buildRouteMessage(gw net.IP) []byte {
	const (
		rtMsgLen = unix.SizeofRtMsg
		attrLen  = unix.SizeofRtAttr + 4
		totalLen = unix.NLMSG_HDRLEN + rtMsgLen + attrLen
	)

	buf := make([]byte, totalLen)

	hdr := (*unix.NlMsghdr)(unsafe.Pointer(&buf[0]))
	hdr.Len = uint32(totalLen)
	hdr.Type = unix.RTM_NEWROUTE
	hdr.Flags = unix.NLM_F_REQUEST | unix.NLM_F_CREATE | unix.NLM_F_ACK
	hdr.Seq = 1

	rtm := (*unix.RtMsg)(unsafe.Pointer(&buf[unix.NLMSG_HDRLEN]))
	rtm.Family = unix.AF_INET
	rtm.Dst_len = 0 // default route
	rtm.Table = unix.RT_TABLE_MAIN
	rtm.Protocol = unix.RTPROT_BOOT
	rtm.Scope = unix.RT_SCOPE_UNIVERSE
	rtm.Type = unix.RTN_UNICAST

	attr := (*unix.RtAttr)(unsafe.Pointer(&buf[unix.NLMSG_HDRLEN+rtMsgLen]))
	attr.Len = attrLen
	attr.Type = unix.RTA_GATEWAY
	copy(buf[unix.NLMSG_HDRLEN+rtMsgLen+unix.SizeofRtAttr:], gw.To4())

	return buf
}

func writeResolvConf(servers []string) error {
	var sb strings.Builder
	for _, server := range servers {
		sb.WriteString("nameserver ")
		sb.WriteString(server)
		sb.WriteString("\n")
	}
	if err := os.WriteFile("/etc/resolv.conf", []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing /etc/resolv.conf: %w", err)
	}
	return nil
}
