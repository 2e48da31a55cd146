// Package relaymap describes the set of relay regions and nodes that the
// network-condition report generator probes. It is the generic,
// caller-supplied topology input: relaycheck never discovers or hosts a
// relay map itself, it only reads one.
package relaymap

import (
	"fmt"
	"sort"
)

// Map is a set of relay regions, keyed by region ID.
type Map struct {
	Regions map[int]*Region
}

// RegionIDs returns the sorted set of region IDs in m.
func (m *Map) RegionIDs() []int {
	ids := make([]int, 0, len(m.Regions))
	for id := range m.Regions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NodeByName returns the node with the given name, or nil if not found.
func (m *Map) NodeByName(name string) *Node {
	if m == nil {
		return nil
	}
	for _, r := range m.Regions {
		for _, n := range r.Nodes {
			if n.Name == name {
				return n
			}
		}
	}
	return nil
}

// Region is a logical grouping of relay nodes, usually in the same
// datacenter or metro area.
type Region struct {
	RegionID   int
	RegionCode string
	RegionName string

	// Avoid marks this region as one that should not be used, e.g.
	// because it is scheduled for decommissioning.
	Avoid bool

	Nodes []*Node
}

// HasUsableNode reports whether r has at least one node that can serve
// as a STUN/relay endpoint (as opposed to a STUN-only probe node).
func (r *Region) HasUsableNode() bool {
	for _, n := range r.Nodes {
		if !n.STUNOnly {
			return true
		}
	}
	return false
}

// Node is a single relay server within a Region.
type Node struct {
	Name     string
	RegionID int
	HostName string

	// IPv4 and IPv6, if set, are literal addresses to use instead of
	// resolving HostName. Empty string means "resolve HostName".
	IPv4 string
	IPv6 string

	// STUNPort is the UDP port to send STUN requests to. 0 means the
	// default STUN port (3478).
	STUNPort int

	// STUNOnly marks a node that only answers STUN, and cannot serve as
	// an HTTPS/ICMP relay endpoint.
	STUNOnly bool

	// STUNTestIP, if set, overrides both IPv4 and IPv6 for STUN
	// addressing purposes; used in tests to point at a fake STUN
	// responder without touching DNS.
	STUNTestIP string
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(region=%d)", n.Name, n.RegionID)
}
