package reportgen

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quietloop/relaycheck/net/interfaces"
	"github.com/quietloop/relaycheck/net/stun"
	"github.com/quietloop/relaycheck/relaymap"
)

// blockingPacketConn is a net.PacketConn whose ReadFrom never returns
// until Close is called and whose WriteTo always succeeds without
// sending anything anywhere. It lets the tests below drive the actor's
// real select loop deterministically, without depending on whether the
// test host can actually reach the network.
type blockingPacketConn struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func newBlockingPacketConn() *blockingPacketConn {
	return &blockingPacketConn{closed: make(chan struct{})}
}

func (c *blockingPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *blockingPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) { return len(p), nil }

func (c *blockingPacketConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *blockingPacketConn) LocalAddr() net.Addr               { return fakePacketAddr{} }
func (c *blockingPacketConn) SetDeadline(time.Time) error       { return nil }
func (c *blockingPacketConn) SetReadDeadline(time.Time) error   { return nil }
func (c *blockingPacketConn) SetWriteDeadline(time.Time) error  { return nil }

type fakePacketAddr struct{}

func (fakePacketAddr) Network() string { return "udp" }
func (fakePacketAddr) String() string  { return "0.0.0.0:0" }

// stubSupervisor is a Supervisor that never answers a registered STUN
// transaction, and records the actor's eventual outcome.
type stubSupervisor struct {
	reportc  chan *Report
	abortedc chan error
}

func newStubSupervisor() *stubSupervisor {
	return &stubSupervisor{reportc: make(chan *Report, 1), abortedc: make(chan error, 1)}
}

func (s *stubSupervisor) RegisterInFlightStun(ctx context.Context, txID stun.TxID, start time.Time, reply chan<- StunResult) error {
	return nil
}
func (s *stubSupervisor) RegisterHairpinProbe(txID stun.TxID, onSelfPacket func()) {}
func (s *stubSupervisor) ReportReady(report *Report, relayMap *relaymap.Map)       { s.reportc <- report }
func (s *stubSupervisor) ReportAborted(err error)                                  { s.abortedc <- err }

// withShortTimeouts shrinks the actor's overall and STUN timers for the
// duration of a test and restores them afterward, so tests don't pay the
// real multi-second windows.
func withShortTimeouts(t *testing.T, overall, stunTimeout time.Duration) {
	t.Helper()
	prevOverall, prevStun := OverallProbeTimeout, StunProbeTimeout
	OverallProbeTimeout, StunProbeTimeout = overall, stunTimeout
	t.Cleanup(func() { OverallProbeTimeout, StunProbeTimeout = prevOverall, prevStun })
}

func oneNodeRelayMap(hostName string) *relaymap.Map {
	return &relaymap.Map{Regions: map[int]*relaymap.Region{
		1: {
			RegionID: 1,
			Nodes: []*relaymap.Node{{
				Name:       "n1",
				RegionID:   1,
				HostName:   hostName,
				STUNTestIP: "203.0.113.1",
			}},
		},
	}}
}

// TestStartOverallTimeoutAbortsReport reproduces spec.md's scenario where
// a STUN probe hangs and nothing else completes: the actor must abort
// via ReportAborted once OverallProbeTimeout elapses, not just sit idle
// forever or fall through to ReportReady.
func TestStartOverallTimeoutAbortsReport(t *testing.T) {
	withShortTimeouts(t, 30*time.Millisecond, 10*time.Second)

	pc4 := newBlockingPacketConn()
	defer pc4.Close()
	sup := newStubSupervisor()

	cl := Start(context.Background(), Config{
		Supervisor: sup,
		RelayMap:   oneNodeRelayMap("probe.invalid"),
		IfState:    &interfaces.State{HaveV4: true},
		PC4:        pc4,
		Logf:       func(string, ...interface{}) {},
	})
	defer cl.Close()

	select {
	case err := <-sup.abortedc:
		if err == nil {
			t.Fatal("ReportAborted called with a nil error")
		}
	case r := <-sup.reportc:
		t.Fatalf("expected ReportAborted, got a report instead: %+v", r)
	case <-time.After(2 * time.Second):
		t.Fatal("actor produced no outcome within the overall timeout plus margin")
	}
}

// TestStartStunTimeoutPreservesCaptivePortalResult reproduces spec.md's
// STUN-timeout scenario combined with the handleAbortProbes fix: when
// the STUN timer fires before any probe has succeeded, the captive-portal
// task must survive that abort (report.UDP is still false) and its
// eventual result must still land in the final report.
func TestStartStunTimeoutPreservesCaptivePortalResult(t *testing.T) {
	withShortTimeouts(t, 5*time.Second, 30*time.Millisecond)

	pc4 := newBlockingPacketConn()
	defer pc4.Close()
	sup := newStubSupervisor()

	cl := Start(context.Background(), Config{
		Supervisor: sup,
		RelayMap:   oneNodeRelayMap("probe.invalid"),
		IfState:    &interfaces.State{HaveV4: true},
		PC4:        pc4,
		Logf:       func(string, ...interface{}) {},
	})
	defer cl.Close()

	select {
	case r := <-sup.reportc:
		if r.UDP {
			t.Fatal("report.UDP should remain false: the STUN probe never received a reply")
		}
		if v, ok := r.CaptivePortal.Get(); !ok || v {
			t.Fatalf("expected CaptivePortal=false (resolved), got %v (ok=%v)", v, ok)
		}
	case err := <-sup.abortedc:
		t.Fatalf("expected ReportReady, got ReportAborted: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("actor produced no outcome before the test's own deadline")
	}
}
