package reportgen

import (
	"context"
	"net"

	"github.com/quietloop/relaycheck/net/resolve"
	"github.com/quietloop/relaycheck/relaymap"
	"inet.af/netaddr"
)

func looksLikeIP4(s string) bool {
	ip, err := netaddr.ParseIP(s)
	return err == nil && ip.Is4()
}

func looksLikeIP6(s string) bool {
	ip, err := netaddr.ParseIP(s)
	return err == nil && ip.Is6()
}

// nodeAddr resolves n's transport address for the given protocol family.
// It returns nil if n cannot be addressed over that family.
func nodeAddr(ctx context.Context, res *resolve.Resolver, n *relaymap.Node, proto ProbeProto) *net.UDPAddr {
	port := n.STUNPort
	if port == 0 {
		port = 3478
	}
	if port < 0 || port > 1<<16-1 {
		return nil
	}

	if n.STUNTestIP != "" {
		ip, err := netaddr.ParseIP(n.STUNTestIP)
		if err != nil {
			return nil
		}
		if proto == ProbeIPv4 && ip.Is6() {
			return nil
		}
		if proto == ProbeIPv6 && ip.Is4() {
			return nil
		}
		return netaddr.IPPortFrom(ip, uint16(port)).UDPAddr()
	}

	switch proto {
	case ProbeIPv4:
		if n.IPv4 != "" {
			ip, err := netaddr.ParseIP(n.IPv4)
			if err != nil || !ip.Is4() {
				return nil
			}
			return netaddr.IPPortFrom(ip, uint16(port)).UDPAddr()
		}
	case ProbeIPv6:
		if n.IPv6 != "" {
			ip, err := netaddr.ParseIP(n.IPv6)
			if err != nil || !ip.Is6() {
				return nil
			}
			return netaddr.IPPortFrom(ip, uint16(port)).UDPAddr()
		}
	default:
		return nil
	}

	if res == nil {
		res = &resolve.Resolver{}
	}
	addrs, err := res.LookupIP(ctx, n.HostName)
	if err != nil {
		return nil
	}
	for _, ip := range addrs {
		if (ip.To4() != nil) == (proto == ProbeIPv4) {
			return &net.UDPAddr{IP: ip, Port: port}
		}
	}
	return nil
}
