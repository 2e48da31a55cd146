package reportgen

import (
	"fmt"
	"sort"
	"time"

	"github.com/quietloop/relaycheck/net/interfaces"
	"github.com/quietloop/relaycheck/relaymap"
)

// ProbeProto is the transport a Probe measures.
type ProbeProto uint8

const (
	ProbeIPv4 ProbeProto = iota
	ProbeIPv6
	ProbeHTTPS
)

func (p ProbeProto) String() string {
	switch p {
	case ProbeIPv4:
		return "ipv4"
	case ProbeIPv6:
		return "ipv6"
	case ProbeHTTPS:
		return "https"
	default:
		return "unknown"
	}
}

// Probe is one probe to run: send a STUN request of a given family to a
// named node, or measure a region over HTTPS/ICMP.
type Probe struct {
	// Delay is when the probe should start, relative to the time the
	// probe set began running.
	Delay time.Duration

	// Node is the relay node name to target.
	Node string

	// Region is the region id the probe belongs to, for probes (HTTPS)
	// where the latency is attributed to a region rather than resolved
	// via the node.
	Region int

	Proto ProbeProto
}

// probePlan maps a descriptive set name (used only for diagnostics and
// tests) to an ordered list of homogeneous probes: same protocol, same
// target region, non-decreasing delays.
type probePlan map[string][]Probe

const (
	// numIncrementalRegions is how many of the fastest regions get
	// reprobed on an incremental (non-full) report.
	numIncrementalRegions = 3

	defaultActiveRetransmitTime  = 200 * time.Millisecond
	defaultInitialRetransmitTime = 100 * time.Millisecond
)

// sortRegions returns the usable regions of m, fastest-known-latency
// first according to last, with regions that have no latency data last.
func sortRegions(m *relaymap.Map, last *Report) []*relaymap.Region {
	regions := make([]*relaymap.Region, 0, len(m.Regions))
	for _, r := range m.Regions {
		if r.Avoid || !r.HasUsableNode() {
			continue
		}
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool {
		da, db := last.RegionLatency[regions[i].RegionID], last.RegionLatency[regions[j].RegionID]
		if db == 0 && da != 0 {
			return true
		}
		if da == 0 {
			return false
		}
		return da < db
	})
	return regions
}

// makeProbePlan builds a probe plan from the relay map, current
// interface state, and the previous report (nil for a full report).
func makeProbePlan(m *relaymap.Map, ifState *interfaces.State, last *Report) probePlan {
	if last == nil || len(last.RegionLatency) == 0 {
		return makeProbePlanInitial(m, ifState)
	}

	have4if, have6if := ifState.HaveV4, ifState.HaveV6
	plan := make(probePlan)
	if !have4if && !have6if {
		return plan
	}

	had4 := len(last.RegionV4Latency) > 0
	had6 := len(last.RegionV6Latency) > 0
	hadBoth := have6if && had4 && had6

	for ri, region := range sortRegions(m, last) {
		if ri == numIncrementalRegions {
			break
		}
		var p4, p6 []Probe
		do4, do6 := have4if, have6if

		tries := 1
		isFastestTwo := ri < 2
		if isFastestTwo {
			tries = 2
		} else if hadBoth {
			if ri%2 == 0 {
				do4, do6 = true, false
			} else {
				do4, do6 = false, true
			}
		}
		if !isFastestTwo && !had6 {
			do6 = false
		}
		if region.RegionID == last.PreferredRegion {
			tries = 4
		}

		for try := 0; try < tries; try++ {
			if len(region.Nodes) == 0 {
				continue
			}
			if try != 0 && !had6 {
				do6 = false
			}
			n := region.Nodes[try%len(region.Nodes)]
			prevLatency := last.RegionLatency[region.RegionID] * 120 / 100
			if prevLatency == 0 {
				prevLatency = defaultActiveRetransmitTime
			}
			delay := time.Duration(try) * prevLatency
			if try > 1 {
				delay += time.Duration(try) * 50 * time.Millisecond
			}
			if do4 {
				p4 = append(p4, Probe{Delay: delay, Node: n.Name, Region: region.RegionID, Proto: ProbeIPv4})
			}
			if do6 {
				p6 = append(p6, Probe{Delay: delay, Node: n.Name, Region: region.RegionID, Proto: ProbeIPv6})
			}
		}
		if len(p4) > 0 {
			plan[fmt.Sprintf("region-%d-v4", region.RegionID)] = p4
		}
		if len(p6) > 0 {
			plan[fmt.Sprintf("region-%d-v6", region.RegionID)] = p6
		}
	}
	return plan
}

// makeProbePlanInitial builds the plan used for a full report: every
// usable region gets up to three staggered tries per address family.
func makeProbePlanInitial(m *relaymap.Map, ifState *interfaces.State) probePlan {
	plan := make(probePlan)
	for _, region := range m.Regions {
		if region.Avoid || !region.HasUsableNode() {
			continue
		}
		var p4, p6 []Probe
		for try := 0; try < 3; try++ {
			n := region.Nodes[try%len(region.Nodes)]
			delay := time.Duration(try) * defaultInitialRetransmitTime
			if ifState.HaveV4 && nodeMight4(n) {
				p4 = append(p4, Probe{Delay: delay, Node: n.Name, Region: region.RegionID, Proto: ProbeIPv4})
			}
			if ifState.HaveV6 && nodeMight6(n) {
				p6 = append(p6, Probe{Delay: delay, Node: n.Name, Region: region.RegionID, Proto: ProbeIPv6})
			}
		}
		if len(p4) > 0 {
			plan[fmt.Sprintf("region-%d-v4", region.RegionID)] = p4
		}
		if len(p6) > 0 {
			plan[fmt.Sprintf("region-%d-v6", region.RegionID)] = p6
		}
	}
	return plan
}

func nodeMight6(n *relaymap.Node) bool {
	return n.IPv6 == "" || looksLikeIP6(n.IPv6)
}

func nodeMight4(n *relaymap.Node) bool {
	return n.IPv4 == "" || looksLikeIP4(n.IPv4)
}
