//go:build linux
// +build linux

package interfaces

import (
	"fmt"
	"net"

	"github.com/jsimonetti/rtnetlink"
	"inet.af/netaddr"
)

// isIP4LinkLocalUsablePlatform mirrors the generic default: relaycheck
// does not special-case link-local addressing on Linux either.
func isIP4LinkLocalUsablePlatform(ip netaddr.IP) bool {
	return false
}

// getState enumerates interfaces via netlink, the native Linux mechanism,
// rather than the portable net.InterfaceAddrs() fallback used elsewhere.
// Any netlink error falls back to the portable path so a broken or
// sandboxed netlink socket never prevents report generation.
func getState() (*State, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return getStatePortable()
	}
	defer conn.Close()

	links, err := conn.Link.List()
	if err != nil {
		return getStatePortable()
	}

	var s State
	for _, link := range links {
		if link.Attributes == nil || link.Attributes.OperationalState != rtnetlink.OperStateUp {
			continue
		}
		addrs, err := conn.Address.List()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.Index != link.Index {
				continue
			}
			ip, ok := netaddr.FromStdIP(net.IP(a.Attributes.Address))
			if !ok || ip.IsLoopback() {
				continue
			}
			switch {
			case ip.Is4():
				if ip.IsLinkLocalUnicast() && !isIP4LinkLocalUsablePlatform(ip) {
					continue
				}
				s.HaveV4 = true
			case ip.Is6():
				s.HaveV6 = true
			}
		}
	}
	return &s, nil
}

func getStatePortable() (*State, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return &State{}, fmt.Errorf("interfaces: %w", err)
	}
	var s State
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netaddr.FromStdIP(ipn.IP)
		if !ok || ip.IsLoopback() {
			continue
		}
		switch {
		case ip.Is4():
			s.HaveV4 = true
		case ip.Is6():
			s.HaveV6 = true
		}
	}
	return &s, nil
}
