// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux
// +build !linux

package interfaces

import (
	"net"

	"inet.af/netaddr"
)

// On some platforms, IPv4 link-local addresses 169.254.x.y are potentially used
// with NAT for connectivity. By default though, we decline to consider them.
func isIP4LinkLocalUsablePlatform(ip netaddr.IP) bool {
	return false
}

// getState enumerates interfaces using the standard library, the
// portable fallback used on every platform except Linux, which has its
// own netlink-based implementation in interfaces_linux.go.
func getState() (*State, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return &State{}, err
	}
	var s State
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netaddr.FromStdIP(ipn.IP)
		if !ok {
			continue
		}
		if ip.IsLoopback() {
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
	return &s, nil
}
