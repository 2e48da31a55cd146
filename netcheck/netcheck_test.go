package netcheck

import (
	"testing"
	"time"
)

func TestAddReportHistorySetsPreferredRegionToFastest(t *testing.T) {
	c := &Client{}
	r := &Report{RegionLatency: map[int]time.Duration{
		1: 50 * time.Millisecond,
		2: 10 * time.Millisecond,
	}}
	c.addReportHistoryAndSetPreferredRegion(r)
	if r.PreferredRegion != 2 {
		t.Fatalf("PreferredRegion = %d, want 2 (the fastest)", r.PreferredRegion)
	}
}

func TestAddReportHistoryStaysStickyWhenNewRegionOnlyMarginallyBetter(t *testing.T) {
	c := &Client{}
	r1 := &Report{RegionLatency: map[int]time.Duration{1: 50 * time.Millisecond}}
	c.addReportHistoryAndSetPreferredRegion(r1)
	if r1.PreferredRegion != 1 {
		t.Fatalf("first report PreferredRegion = %d, want 1", r1.PreferredRegion)
	}

	r2 := &Report{RegionLatency: map[int]time.Duration{
		1: 50 * time.Millisecond,
		2: 40 * time.Millisecond, // better, but not by 1/3
	}}
	c.addReportHistoryAndSetPreferredRegion(r2)
	if r2.PreferredRegion != 1 {
		t.Fatalf("PreferredRegion = %d, want 1 (sticky; region 2 isn't enough better)", r2.PreferredRegion)
	}
}

func TestMakeNextReportFull(t *testing.T) {
	c := &Client{}
	c.MakeNextReportFull()
	c.mu.Lock()
	full := c.nextFull
	c.mu.Unlock()
	if !full {
		t.Fatal("expected nextFull to be set")
	}
}
