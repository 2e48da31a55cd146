// Package interfaces reports on the state of the host's network
// interfaces: whether IPv4 and/or IPv6 connectivity is plausible, which
// is the only input the probe planner needs beyond the relay map and the
// previous report.
package interfaces

import "inet.af/netaddr"

// State summarizes the host's interface configuration as far as the
// report generator cares: whether IPv4 and IPv6 look usable at all.
type State struct {
	HaveV4 bool
	HaveV6 bool
}

// GetState samples the current interface state. On Linux it prefers
// netlink and falls back to the portable net.InterfaceAddrs() path if
// netlink is unavailable (e.g. in a restricted sandbox); on other
// platforms it always uses the portable path. A non-nil error means even
// the fallback failed; callers should treat that as "assume nothing is
// reachable" rather than aborting report generation.
func GetState() (*State, error) {
	return getState()
}

// isIP4LinkLocalUsable reports whether ip, a 169.254.0.0/16 address,
// should be treated as viable network egress. By default it is not: such
// addresses generally indicate a lack of DHCP-assigned configuration.
func isIP4LinkLocalUsable(ip netaddr.IP) bool {
	return isIP4LinkLocalUsablePlatform(ip)
}
