package reportgen

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quietloop/relaycheck/net/interfaces"
	"github.com/quietloop/relaycheck/net/ping"
	"github.com/quietloop/relaycheck/net/portmapper"
	"github.com/quietloop/relaycheck/net/resolve"
	"github.com/quietloop/relaycheck/netcheck/reportgen/hairpin"
	"github.com/quietloop/relaycheck/relaymap"
	"github.com/quietloop/relaycheck/types/logger"
	"github.com/quietloop/relaycheck/types/opt"
	"inet.af/netaddr"
)

// Timing constants from the design; bit-exact where they affect
// observable behavior. OverallProbeTimeout and StunProbeTimeout are vars
// rather than consts so integration tests can shrink them instead of
// waiting out the real multi-second windows.
var (
	OverallProbeTimeout = 5 * time.Second
	StunProbeTimeout    = 3 * time.Second
)

const (
	ICMPProbeTimeout     = 1 * time.Second
	CaptivePortalDelay   = 200 * time.Millisecond
	CaptivePortalTimeout = 2 * time.Second
	EnoughRegions        = 3
)

// Config carries everything the actor needs at construction time.
type Config struct {
	Supervisor Supervisor
	RelayMap   *relaymap.Map
	IfState    *interfaces.State
	PrevReport *Report // nil means this is a full report

	PC4, PC6 net.PacketConn // send-only STUN sockets; either may be nil
	Pinger   *ping.Pinger   // nil disables ICMP measurement
	Resolver *resolve.Resolver

	PortMapper          *portmapper.Client // nil disables the port-mapper task
	SkipExternalNetwork bool

	Logf logger.Logf
}

// Client is the caller-visible handle to a running report generator. The
// actor begins running as soon as Start returns; cancelling the context
// passed to Start (or calling Close) aborts it and all its children.
type Client struct {
	addr   Addr
	cancel context.CancelFunc
	done   chan struct{}
}

// Addr returns a handle sibling tasks (notably the hairpin sub-actor and
// in-flight probes) use to send messages to this actor.
func (c *Client) Addr() Addr { return c.addr }

// Close cancels the actor. It does not wait for it to finish; the
// supervisor still observes ReportReady or ReportAborted asynchronously.
func (c *Client) Close() { c.cancel() }

// Wait blocks until the actor has fully exited.
func (c *Client) Wait() { <-c.done }

// Start constructs and immediately runs a report-generator actor. It
// produces exactly one outcome on cfg.Supervisor and then exits.
func Start(ctx context.Context, cfg Config) *Client {
	ctx, cancel := context.WithCancel(ctx)
	msgc := make(chan message, messageChanCapacity)
	a := &actor{
		cfg:    cfg,
		logf:   logger.Std(cfg.Logf),
		report: newReport(),
		msgc:   msgc,
	}
	a.addr = Addr{msgc: msgc}
	cl := &Client{addr: a.addr, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(cl.done)
		a.run(ctx)
	}()
	return cl
}

type actor struct {
	cfg  Config
	logf logger.Logf

	addr   Addr
	msgc   chan message
	report *Report

	outstanding outstandingTasks

	hairpinClient *hairpin.Client
}

func (a *actor) run(ctx context.Context) {
	report, err := a.runInner(ctx)
	if err != nil {
		a.cfg.Supervisor.ReportAborted(err)
		return
	}
	a.cfg.Supervisor.ReportReady(report, a.cfg.RelayMap)
}

func (a *actor) runInner(ctx context.Context) (*Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Sample os_has_ipv6.
	a.report.OSHasIPv6 = a.cfg.IfState != nil && a.cfg.IfState.HaveV6

	isFull := a.cfg.PrevReport == nil

	// 2. Port-mapper future.
	var portMapC <-chan *portmapper.ProbeOutput
	if c, ok := a.preparePortmapperTask(ctx); ok {
		portMapC = c
		a.outstanding.portMapper = true
	}

	// 3. Captive-portal future, full reports only.
	var captiveC <-chan opt.Bool
	if isFull {
		captiveC = a.prepareCaptivePortalTask(ctx)
		a.outstanding.captiveTask = true
	}

	// 4. Probe-sets stream.
	plan := makeProbePlan(a.cfg.RelayMap, a.cfg.IfState, a.cfg.PrevReport)
	probesCtx, cancelProbes := context.WithCancel(ctx)
	defer cancelProbes()
	probeResultsC, probeSetCount := a.startProbeSets(probesCtx, plan)
	if probeSetCount > 0 {
		a.outstanding.probes = true
	}

	// 5. Arm timers.
	overallTimer := time.NewTimer(OverallProbeTimeout)
	defer overallTimer.Stop()
	stunTimer := time.NewTimer(StunProbeTimeout)
	defer stunTimer.Stop()

	var abortTimerC <-chan time.Time

	remainingSets := probeSetCount

	for !a.outstanding.allDone() {
		select {
		case <-overallTimer.C:
			return nil, fmt.Errorf("reportgen: report timed out")

		case <-stunTimer.C:
			stunTimer.Stop()
			cancelProbes()
			a.handleAbortProbes()

		case <-abortTimerC:
			abortTimerC = nil
			a.addr.AbortProbes(ctx)

		case out, ok := <-portMapC:
			if ok {
				a.report.PortmapProbe = out
			}
			portMapC = nil
			a.outstanding.portMapper = false

		case pr, ok := <-probeResultsC:
			if !ok {
				probeResultsC = nil
				a.handleAbortProbes()
				continue
			}
			remainingSets--
			if pr != nil {
				a.handleProbeReport(pr)
				if abortTimerC == nil && len(a.report.RegionLatency) >= EnoughRegions {
					t := maxDurationValue(a.report.RegionLatency)
					if isFull {
						t *= 2
					}
					abortTimer := time.NewTimer(t)
					defer abortTimer.Stop()
					abortTimerC = abortTimer.C
				}
			}
			if remainingSets <= 0 {
				a.handleAbortProbes()
			}

		case cp, ok := <-captiveC:
			if ok {
				a.report.CaptivePortal = cp
			}
			captiveC = nil
			a.outstanding.captiveTask = false

		case m, ok := <-a.msgc:
			if !ok {
				return nil, fmt.Errorf("reportgen: message channel closed unexpectedly")
			}
			a.handleMessage(ctx, m)
		}
	}

	return a.report, nil
}

func (a *actor) handleMessage(ctx context.Context, m message) {
	switch msg := m.(type) {
	case hairpinResultMsg:
		a.report.HairPinning.Set(msg.works)
		a.outstanding.hairpin = false
	case probeWouldHelpMsg:
		v := a.probeWouldHelp(msg.probe)
		select {
		case msg.reply <- v:
		default:
		}
	case abortProbesMsg:
		a.handleAbortProbes()
	}
}

func (a *actor) handleAbortProbes() {
	a.outstanding.probes = false
	if a.report.UDP {
		a.outstanding.captiveTask = false
	}
}

// probeWouldHelp decides whether a candidate probe would still add
// information given the report as it stands right now.
func (a *actor) probeWouldHelp(p Probe) bool {
	if _, ok := a.report.RegionLatency[p.Region]; !ok {
		return true
	}
	if p.Proto == ProbeIPv6 && len(a.report.RegionV6Latency) == 0 {
		return true
	}
	if p.Proto == ProbeIPv4 {
		if _, ok := a.report.MappingVariesByDestIP.Get(); !ok {
			return true
		}
	}
	return false
}

func (a *actor) handleProbeReport(pr *probeReport) {
	if pr.probe.Proto == ProbeHTTPS && pr.hasDelay {
		updateLatency(a.report.RegionLatency, pr.probe.Region, pr.delay)
	}
	if (pr.probe.Proto == ProbeIPv4 || pr.probe.Proto == ProbeIPv6) && pr.hasDelay {
		a.addStunAddrLatency(pr)
	}
	a.report.IPv4CanSend = a.report.IPv4CanSend || pr.ipv4CanSend
	a.report.IPv6CanSend = a.report.IPv6CanSend || pr.ipv6CanSend
	a.report.ICMPv4 = a.report.ICMPv4 || pr.icmpv4
}

func (a *actor) addStunAddrLatency(pr *probeReport) {
	node := a.cfg.RelayMap.NodeByName(pr.probe.Node)
	if node == nil {
		a.logf("reportgen: addStunAddrLatency: unknown node %q", pr.probe.Node)
		return
	}

	a.report.UDP = true
	updateLatency(a.report.RegionLatency, node.RegionID, pr.delay)

	if !pr.hasAddr {
		return
	}

	switch pr.probe.Proto {
	case ProbeIPv4:
		updateLatency(a.report.RegionV4Latency, node.RegionID, pr.delay)
		a.report.IPv4 = true
		ipp := netaddr.IPPortFrom(pr.addr, pr.port).String()
		if a.report.GlobalV4 == "" {
			a.report.GlobalV4 = ipp
			a.maybeStartHairpin(pr.addr, pr.port)
		} else if a.report.GlobalV4 != ipp {
			a.report.MappingVariesByDestIP.Set(true)
		} else if _, ok := a.report.MappingVariesByDestIP.Get(); !ok {
			a.report.MappingVariesByDestIP.Set(false)
		}
	case ProbeIPv6:
		updateLatency(a.report.RegionV6Latency, node.RegionID, pr.delay)
		a.report.IPv6 = true
		a.report.GlobalV6 = netaddr.IPPortFrom(pr.addr, pr.port).String()
	}
}

// maybeStartHairpin lazily starts the hairpin sub-actor the first time a
// public IPv4 address is discovered.
func (a *actor) maybeStartHairpin(addr netaddr.IP, port uint16) {
	if a.hairpinClient != nil || a.cfg.PC4 == nil {
		return
	}
	notify := func(works bool) {
		a.addr.HairpinResult(context.Background(), works)
	}
	a.hairpinClient = hairpin.New(a.cfg.PC4, notify, a.logf)
	a.outstanding.hairpin = true
	a.hairpinClient.StartCheck(context.Background(), netaddr.IPPortFrom(addr, port))
	a.cfg.Supervisor.RegisterHairpinProbe(a.hairpinClient.TxID(), a.hairpinClient.GotSelfPacket)
}
