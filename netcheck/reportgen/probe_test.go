package reportgen

import (
	"testing"

	"github.com/quietloop/relaycheck/net/interfaces"
	"github.com/quietloop/relaycheck/relaymap"
)

func TestMakeProbePlanInitialCoversEveryRegion(t *testing.T) {
	m := testMap()
	plan := makeProbePlanInitial(m, &interfaces.State{HaveV4: true, HaveV6: true})
	if len(plan) != len(m.Regions)*2 {
		t.Fatalf("got %d probe sets, want %d (v4+v6 per region)", len(plan), len(m.Regions)*2)
	}
	for name, probes := range plan {
		for i := 1; i < len(probes); i++ {
			if probes[i].Delay < probes[i-1].Delay {
				t.Fatalf("set %q: delays not non-decreasing: %v then %v", name, probes[i-1].Delay, probes[i].Delay)
			}
		}
	}
}

func TestMakeProbePlanInitialRespectsInterfaceState(t *testing.T) {
	m := testMap()
	plan := makeProbePlanInitial(m, &interfaces.State{HaveV4: true, HaveV6: false})
	for name, probes := range plan {
		for _, p := range probes {
			if p.Proto == ProbeIPv6 {
				t.Fatalf("set %q has an ipv6 probe despite no ipv6 interface", name)
			}
		}
	}
}

func TestMakeProbePlanFallsBackToInitialWithNoHistory(t *testing.T) {
	m := testMap()
	plan := makeProbePlan(m, &interfaces.State{HaveV4: true}, nil)
	if len(plan) == 0 {
		t.Fatal("expected a non-empty plan for a full report")
	}
}

func TestMakeProbePlanIncrementalLimitsToFastestRegions(t *testing.T) {
	m := &relaymap.Map{Regions: map[int]*relaymap.Region{}}
	for i := 1; i <= 6; i++ {
		m.Regions[i] = &relaymap.Region{RegionID: i, Nodes: []*relaymap.Node{{Name: "n", RegionID: i}}}
	}
	last := newReport()
	for i := 1; i <= 6; i++ {
		last.RegionLatency[i] = 10
		last.RegionV4Latency[i] = 10
	}
	plan := makeProbePlan(m, &interfaces.State{HaveV4: true}, last)
	seen := map[int]bool{}
	for _, probes := range plan {
		for _, p := range probes {
			seen[p.Region] = true
		}
	}
	if len(seen) > numIncrementalRegions {
		t.Fatalf("incremental plan touched %d regions, want at most %d", len(seen), numIncrementalRegions)
	}
}
