package reportgen

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quietloop/relaycheck/relaymap"
	"inet.af/netaddr"
)

func testMap() *relaymap.Map {
	return &relaymap.Map{
		Regions: map[int]*relaymap.Region{
			1: {RegionID: 1, RegionName: "one", Nodes: []*relaymap.Node{{Name: "n1", RegionID: 1, HostName: "n1.example.invalid"}}},
			2: {RegionID: 2, RegionName: "two", Nodes: []*relaymap.Node{{Name: "n2", RegionID: 2, HostName: "n2.example.invalid"}}},
		},
	}
}

func newTestActor() *actor {
	return &actor{
		cfg:    Config{RelayMap: testMap()},
		logf:   func(string, ...interface{}) {},
		report: newReport(),
	}
}

func TestProbeWouldHelpNoLatencyYet(t *testing.T) {
	a := newTestActor()
	p := Probe{Region: 1, Proto: ProbeIPv4}
	if !a.probeWouldHelp(p) {
		t.Fatal("expected probe with no latency data yet to help")
	}
}

func TestProbeWouldHelpRegionAlreadyKnown(t *testing.T) {
	a := newTestActor()
	a.report.RegionLatency[1] = 10 * time.Millisecond
	a.report.MappingVariesByDestIP.Set(false)
	p := Probe{Region: 1, Proto: ProbeIPv4}
	if a.probeWouldHelp(p) {
		t.Fatal("expected probe to no longer help once region latency and mapping variance are both known")
	}
}

func TestProbeWouldHelpIPv6NeedsFirstSample(t *testing.T) {
	a := newTestActor()
	a.report.RegionLatency[1] = 10 * time.Millisecond
	p := Probe{Region: 1, Proto: ProbeIPv6}
	if !a.probeWouldHelp(p) {
		t.Fatal("expected ipv6 probe to help when no ipv6 region latency recorded yet")
	}
}

func TestAddStunAddrLatencyFirstV4Wins(t *testing.T) {
	a := newTestActor()
	ip := netaddr.MustParseIP("203.0.113.10")

	a.addStunAddrLatency(&probeReport{
		probe:    Probe{Node: "n1", Proto: ProbeIPv4},
		hasDelay: true, delay: 20 * time.Millisecond,
		hasAddr: true, addr: ip, port: 4500,
	})
	if a.report.GlobalV4 != "203.0.113.10:4500" {
		t.Fatalf("GlobalV4 = %q, want 203.0.113.10:4500", a.report.GlobalV4)
	}
	// A single observation cannot tell whether the mapping varies.
	v, ok := a.report.MappingVariesByDestIP.Get()
	if ok {
		t.Fatalf("after one observation: MappingVariesByDestIP = (%v, %v), want unknown", v, ok)
	}

	// Same address again from a different region: should not flip variance.
	a.addStunAddrLatency(&probeReport{
		probe:    Probe{Node: "n2", Proto: ProbeIPv4},
		hasDelay: true, delay: 22 * time.Millisecond,
		hasAddr: true, addr: ip, port: 4500,
	})
	v, ok = a.report.MappingVariesByDestIP.Get()
	if !ok || v {
		t.Fatalf("after repeat observation: MappingVariesByDestIP = (%v, %v), want (false, true)", v, ok)
	}

	// Different port from a third node: variance should now flip true and stick.
	a.addStunAddrLatency(&probeReport{
		probe:    Probe{Node: "n1", Proto: ProbeIPv4},
		hasDelay: true, delay: 30 * time.Millisecond,
		hasAddr: true, addr: ip, port: 4501,
	})
	v, ok = a.report.MappingVariesByDestIP.Get()
	if !ok || !v {
		t.Fatalf("after differing observation: MappingVariesByDestIP = (%v, %v), want (true, true)", v, ok)
	}
	if a.report.GlobalV4 != "203.0.113.10:4500" {
		t.Fatalf("GlobalV4 changed to %q, want it to stay at the first observation", a.report.GlobalV4)
	}
}

func TestAddStunAddrLatencyV6AlwaysOverwrites(t *testing.T) {
	a := newTestActor()
	ip1 := netaddr.MustParseIP("2001:db8::1")
	ip2 := netaddr.MustParseIP("2001:db8::2")

	a.addStunAddrLatency(&probeReport{
		probe: Probe{Node: "n1", Proto: ProbeIPv6}, hasDelay: true, delay: 10 * time.Millisecond,
		hasAddr: true, addr: ip1, port: 1,
	})
	a.addStunAddrLatency(&probeReport{
		probe: Probe{Node: "n2", Proto: ProbeIPv6}, hasDelay: true, delay: 10 * time.Millisecond,
		hasAddr: true, addr: ip2, port: 2,
	})
	want := "[2001:db8::2]:2"
	if a.report.GlobalV6 != want {
		t.Fatalf("GlobalV6 = %q, want %q (latest observation should win)", a.report.GlobalV6, want)
	}
}

func TestAddStunAddrLatencyIPv6OnlyProgress(t *testing.T) {
	a := newTestActor()
	for i, node := range []string{"n1", "n2"} {
		a.addStunAddrLatency(&probeReport{
			probe:    Probe{Node: node, Proto: ProbeIPv6},
			hasDelay: true, delay: time.Duration(10+i) * time.Millisecond,
			hasAddr: true, addr: netaddr.MustParseIP("2001:db8::1"), port: 1,
		})
	}
	if !a.report.IPv6 {
		t.Fatal("expected IPv6 to be true after successful ipv6 probes")
	}
	if a.report.IPv4 {
		t.Fatal("expected IPv4 to remain false with no ipv4 probes")
	}
	if len(a.report.RegionV6Latency) != 2 {
		t.Fatalf("RegionV6Latency has %d entries, want 2", len(a.report.RegionV6Latency))
	}
	if _, ok := a.report.MappingVariesByDestIP.Get(); ok {
		t.Fatal("MappingVariesByDestIP should stay unknown when no ipv4 probes ran")
	}
}

func TestRegionLatencyKeepsMinimum(t *testing.T) {
	a := newTestActor()
	a.addStunAddrLatency(&probeReport{probe: Probe{Node: "n1", Proto: ProbeIPv4}, hasDelay: true, delay: 50 * time.Millisecond})
	a.addStunAddrLatency(&probeReport{probe: Probe{Node: "n1", Proto: ProbeIPv4}, hasDelay: true, delay: 20 * time.Millisecond})
	a.addStunAddrLatency(&probeReport{probe: Probe{Node: "n1", Proto: ProbeIPv4}, hasDelay: true, delay: 80 * time.Millisecond})
	if got := a.report.RegionLatency[1]; got != 20*time.Millisecond {
		t.Fatalf("RegionLatency[1] = %v, want 20ms (the minimum observed)", got)
	}
}

func TestHandleAbortProbesClearsCaptiveOnlyWhenUDPWorks(t *testing.T) {
	a := newTestActor()
	a.outstanding.probes = true
	a.outstanding.captiveTask = true

	a.handleAbortProbes()
	if a.outstanding.probes {
		t.Fatal("probes should be cleared")
	}
	if !a.outstanding.captiveTask {
		t.Fatal("captive task should remain scheduled when UDP hasn't succeeded")
	}

	a.report.UDP = true
	a.handleAbortProbes()
	if a.outstanding.captiveTask {
		t.Fatal("captive task should be cleared once UDP has succeeded")
	}
}

// TestHandleAbortProbesClearsCaptiveOnLateUDPSuccess reproduces the real
// call-site race: the STUN timer can fire handleAbortProbes before a
// buffered, already-successful probe result is drained (report.UDP is
// still false, so the captive task survives that first call), and only
// later does draining that result set report.UDP and call
// handleAbortProbes a second time (e.g. via the probe-results-exhausted
// path). The second call, despite outstanding.probes already being
// false, must still cancel the captive-portal task.
func TestHandleAbortProbesClearsCaptiveOnLateUDPSuccess(t *testing.T) {
	a := newTestActor()
	a.outstanding.probes = true
	a.outstanding.captiveTask = true

	a.handleAbortProbes() // STUN timer fires first; UDP not yet true.
	if !a.outstanding.captiveTask {
		t.Fatal("captive task should survive the first abort while UDP is still false")
	}

	a.addStunAddrLatency(&probeReport{ // draining the buffered result sets UDP.
		probe: Probe{Node: "n1", Proto: ProbeIPv4}, hasDelay: true, delay: time.Millisecond,
	})
	a.handleAbortProbes() // called again once the probe stream is exhausted.
	if a.outstanding.captiveTask {
		t.Fatal("captive task should be cleared once UDP succeeds, even on a later call")
	}
}

func TestHandleAbortProbesIdempotent(t *testing.T) {
	a := newTestActor()
	a.handleAbortProbes()
	a.handleAbortProbes()
	if a.outstanding.probes {
		t.Fatal("probes flag should stay cleared")
	}
}

func TestOutstandingTasksAllDone(t *testing.T) {
	var o outstandingTasks
	if !o.allDone() {
		t.Fatal("zero-value outstandingTasks should be all done")
	}
	o.probes = true
	if o.allDone() {
		t.Fatal("should not be done while probes outstanding")
	}
}

func TestUnknownNodeLeavesReportUnchanged(t *testing.T) {
	a := newTestActor()
	before := a.report.Clone()
	a.addStunAddrLatency(&probeReport{probe: Probe{Node: "does-not-exist", Proto: ProbeIPv4}, hasDelay: true, delay: time.Millisecond})
	if diff := cmp.Diff(before, a.report); diff != "" {
		t.Fatalf("report changed when the probe referenced an unknown node (-before +after):\n%s", diff)
	}
}
