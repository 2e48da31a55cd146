// Package reportgen implements the network-condition report generator: a
// one-shot actor that probes a relay map over STUN, ICMP, and HTTPS and
// folds the results into a Report.
package reportgen

import (
	"time"

	"github.com/quietloop/relaycheck/net/portmapper"
	"github.com/quietloop/relaycheck/types/opt"
)

// Report is the value the generator builds up over its run. Only the
// actor goroutine ever mutates a Report in flight; once delivered via
// ReportReady it is not mutated further.
type Report struct {
	UDP  bool // at least one STUN probe succeeded over UDP
	IPv4 bool // STUN succeeded over IPv4
	IPv6 bool // STUN succeeded over IPv6

	IPv4CanSend bool // we were able to write an IPv4 packet out
	IPv6CanSend bool // we were able to write an IPv6 packet out
	ICMPv4      bool // ICMP echo over IPv4 got a reply

	OSHasIPv6 bool // host reports an IPv6-capable interface

	// MappingVariesByDestIP is unknown/false/true: whether the NAT
	// mapping for our IPv4 address changes depending on which
	// destination we send to.
	MappingVariesByDestIP opt.Bool

	// HairPinning is unknown/yes/no: whether a packet sent to our own
	// public address comes back to us.
	HairPinning opt.Bool

	// CaptivePortal is unknown/yes/no: whether a captive portal
	// intercepted the generate_204 probe.
	CaptivePortal opt.Bool

	// PortmapProbe is the port-mapper probe outcome, or nil if it was
	// never run (skipped or no port mapper configured).
	PortmapProbe *portmapper.ProbeOutput

	// PreferredRegion is the region id chosen as the best candidate for
	// future use, or 0 if unknown. It is derived, not probed directly.
	PreferredRegion int

	RegionLatency   map[int]time.Duration
	RegionV4Latency map[int]time.Duration
	RegionV6Latency map[int]time.Duration

	GlobalV4 string // ip:port, set at most once
	GlobalV6 string // [ip]:port, overwritten on every new observation
}

func newReport() *Report {
	return &Report{
		RegionLatency:   map[int]time.Duration{},
		RegionV4Latency: map[int]time.Duration{},
		RegionV6Latency: map[int]time.Duration{},
	}
}

// Clone returns a deep copy of r.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.RegionLatency = cloneDurationMap(r.RegionLatency)
	r2.RegionV4Latency = cloneDurationMap(r.RegionV4Latency)
	r2.RegionV6Latency = cloneDurationMap(r.RegionV6Latency)
	if r.PortmapProbe != nil {
		p := *r.PortmapProbe
		r2.PortmapProbe = &p
	}
	return &r2
}

func cloneDurationMap(m map[int]time.Duration) map[int]time.Duration {
	m2 := make(map[int]time.Duration, len(m))
	for k, v := range m {
		m2[k] = v
	}
	return m2
}

func updateLatency(m map[int]time.Duration, regionID int, d time.Duration) {
	if prev, ok := m[regionID]; !ok || d < prev {
		m[regionID] = d
	}
}

func maxDurationValue(m map[int]time.Duration) (max time.Duration) {
	for _, v := range m {
		if v > max {
			max = v
		}
	}
	return max
}

// outstandingTasks tracks which of the generator's sibling tasks are
// still running. The actor exits its main loop once allDone is true.
type outstandingTasks struct {
	probes      bool
	portMapper  bool
	captiveTask bool
	hairpin     bool
}

func (o *outstandingTasks) allDone() bool {
	return !o.probes && !o.portMapper && !o.captiveTask && !o.hairpin
}
