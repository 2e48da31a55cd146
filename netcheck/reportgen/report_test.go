package reportgen

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/quietloop/relaycheck/net/portmapper"
)

func TestReportCloneIsIndependent(t *testing.T) {
	c := qt.New(t)

	r := newReport()
	r.RegionLatency[1] = 10 * time.Millisecond
	r.PortmapProbe = &portmapper.ProbeOutput{UPnP: true}

	clone := r.Clone()
	c.Assert(clone.RegionLatency, qt.DeepEquals, r.RegionLatency)

	clone.RegionLatency[1] = 99 * time.Millisecond
	clone.RegionLatency[2] = 5 * time.Millisecond
	c.Assert(r.RegionLatency[1], qt.Equals, 10*time.Millisecond)
	c.Assert(r.RegionLatency, qt.HasLen, 1)

	clone.PortmapProbe.UPnP = false
	c.Assert(r.PortmapProbe.UPnP, qt.IsTrue)
}

func TestUpdateLatencyKeepsMinimum(t *testing.T) {
	c := qt.New(t)

	m := map[int]time.Duration{}
	updateLatency(m, 1, 50*time.Millisecond)
	updateLatency(m, 1, 20*time.Millisecond)
	updateLatency(m, 1, 80*time.Millisecond)
	c.Assert(m[1], qt.Equals, 20*time.Millisecond)
}
