package reportgen

import (
	"context"
	"testing"

	"github.com/quietloop/relaycheck/relaymap"
)

func TestCheckCaptivePortalInvalidHost(t *testing.T) {
	m := &relaymap.Map{Regions: map[int]*relaymap.Region{
		1: {RegionID: 1, Nodes: []*relaymap.Node{{Name: "n1", HostName: "test.invalid"}}},
	}}
	v, ok := checkCaptivePortal(context.Background(), m, 0, nil)
	if !ok {
		t.Fatal("expected a verdict for an .invalid host, not 'no verdict'")
	}
	got, isSet := v.Get()
	if !isSet || got {
		t.Fatalf("verdict = (%v, %v), want (false, true) for an .invalid test host", got, isSet)
	}
}

func TestCheckCaptivePortalNoEligibleRegions(t *testing.T) {
	m := &relaymap.Map{Regions: map[int]*relaymap.Region{
		1: {RegionID: 1, Avoid: true, Nodes: []*relaymap.Node{{Name: "n1", HostName: "avoided.example.invalid"}}},
	}}
	v, ok := checkCaptivePortal(context.Background(), m, 0, nil)
	if !ok {
		t.Fatal("expected a verdict when no region qualifies")
	}
	got, isSet := v.Get()
	if !isSet || got {
		t.Fatal("expected verdict (false, true) when zero regions are eligible")
	}
}

func TestSelectCaptivePortalRegionPrefersHint(t *testing.T) {
	m := &relaymap.Map{Regions: map[int]*relaymap.Region{
		1: {RegionID: 1, Nodes: []*relaymap.Node{{Name: "n1"}}},
		2: {RegionID: 2, Nodes: []*relaymap.Node{{Name: "n2"}}},
	}}
	r := selectCaptivePortalRegion(m, 2)
	if r == nil || r.RegionID != 2 {
		t.Fatalf("expected hinted region 2, got %+v", r)
	}
}
