package reportgen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quietloop/relaycheck/net/ping"
	"github.com/quietloop/relaycheck/net/resolve"
	"github.com/quietloop/relaycheck/net/stun"
	"github.com/quietloop/relaycheck/relaymap"
	"github.com/quietloop/relaycheck/types/logger"
	"inet.af/netaddr"
)

// probeReport is what a single successful probe execution produces.
type probeReport struct {
	probe Probe

	hasDelay bool
	delay    time.Duration

	hasAddr bool
	addr    netaddr.IP
	port    uint16

	ipv4CanSend bool
	ipv6CanSend bool
	icmpv4      bool
}

// startProbeSets launches one goroutine per probe set in plan and
// returns a channel on which each set's outcome (a non-nil report on
// success, nil on total failure) is delivered, along with the number of
// sets scheduled. The channel is closed once every set has reported.
func (a *actor) startProbeSets(ctx context.Context, plan probePlan) (<-chan *probeReport, int) {
	if len(plan) == 0 {
		c := make(chan *probeReport)
		close(c)
		return c, 0
	}

	out := make(chan *probeReport, len(plan))
	env := probeEnv{
		actorAddr: a.addr,
		relayMap:  a.cfg.RelayMap,
		pc4:       a.cfg.PC4,
		pc6:       a.cfg.PC6,
		pinger:    a.cfg.Pinger,
		supervisor: a.cfg.Supervisor,
		resolver:  a.cfg.Resolver,
		logf:      a.logf,
	}

	var remaining = len(plan)
	done := make(chan struct{}, len(plan))
	for _, set := range plan {
		set := set
		go func() {
			setEnv := env
			setEnv.logf = logger.WithPrefix(env.logf, probeSetLogPrefix(set))
			pr, err := runProbeSet(ctx, set, setEnv)
			if err != nil {
				setEnv.logf("probe set failed: %v", err)
				out <- nil
			} else {
				out <- pr
			}
			done <- struct{}{}
		}()
	}
	go func() {
		for i := 0; i < remaining; i++ {
			<-done
		}
		close(out)
	}()
	return out, len(plan)
}

// probeEnv carries the shared, read-only collaborators a probe needs.
type probeEnv struct {
	actorAddr  Addr
	relayMap   *relaymap.Map
	pc4, pc6   net.PacketConn
	pinger     *ping.Pinger
	supervisor Supervisor
	resolver   *resolve.Resolver
	logf       logger.Logf
}

// probeSetLogPrefix labels a probe set's log lines with the region (and,
// for STUN sets, the node and protocol) it targets, so that concurrent
// sets racing against the same relay map can be told apart in the log.
func probeSetLogPrefix(set []Probe) string {
	if len(set) == 0 {
		return "reportgen: "
	}
	p := set[0]
	if p.Proto == ProbeHTTPS {
		return fmt.Sprintf("reportgen: [region %d https] ", p.Region)
	}
	return fmt.Sprintf("reportgen: [region %d %s/%s] ", p.Region, p.Node, p.Proto)
}

// runProbeSet races set's probes: the first to succeed wins; Error
// failures are skipped; an AbortSetError terminates the whole set.
func runProbeSet(ctx context.Context, set []Probe, env probeEnv) (*probeReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		pr  *probeReport
		err error
	}
	resc := make(chan result, len(set))
	for _, p := range set {
		p := p
		go func() {
			pr, err := runProbe(ctx, p, env)
			resc <- result{pr, err}
		}()
	}

	var lastErr error
	for i := 0; i < len(set); i++ {
		select {
		case r := <-resc:
			if r.err == nil {
				return r.pr, nil
			}
			var abort *AbortSetError
			if errors.As(r.err, &abort) {
				return nil, r.err
			}
			lastErr = r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = &ProbeError{Reason: "empty probe set"}
	}
	return nil, lastErr
}

// runProbe executes a single probe to completion or failure.
func runProbe(ctx context.Context, p Probe, env probeEnv) (*probeReport, error) {
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !env.actorAddr.ProbeWouldHelp(ctx, p) {
		return nil, &AbortSetError{Reason: "no longer useful"}
	}

	if p.Proto == ProbeHTTPS {
		return runHTTPSProbe(ctx, p, env)
	}

	node := env.relayMap.NodeByName(p.Node)
	if node == nil {
		return nil, &AbortSetError{Reason: fmt.Sprintf("unknown node %q", p.Node)}
	}

	udpAddr := nodeAddr(ctx, env.resolver, node, p.Proto)
	if udpAddr == nil {
		return nil, &AbortSetError{Reason: fmt.Sprintf("no address for node %q proto %v", p.Node, p.Proto)}
	}
	txID := stun.NewTxID()
	req := stun.Request(txID)

	replyc := make(chan StunResult, 1)
	start := time.Now()
	if err := env.supervisor.RegisterInFlightStun(ctx, txID, start, replyc); err != nil {
		return nil, &ProbeError{Reason: "register stun: " + err.Error()}
	}

	pr := &probeReport{probe: p}

	var conn net.PacketConn
	switch p.Proto {
	case ProbeIPv4:
		conn = env.pc4
	case ProbeIPv6:
		conn = env.pc6
	}
	if conn == nil {
		return nil, &ProbeError{Reason: "no socket for proto " + p.Proto.String()}
	}
	if _, err := conn.WriteTo(req, udpAddr); err != nil {
		return nil, &ProbeError{Reason: "write: " + err.Error()}
	}
	switch p.Proto {
	case ProbeIPv4:
		pr.ipv4CanSend = true
	case ProbeIPv6:
		pr.ipv6CanSend = true
	}

	select {
	case res := <-replyc:
		pr.hasDelay = true
		pr.delay = time.Since(start)
		pr.hasAddr = true
		pr.addr = res.Addr
		pr.port = res.Port
		return pr, nil
	case <-ctx.Done():
		return nil, &ProbeError{Reason: "cancelled waiting for stun reply"}
	}
}

// runHTTPSProbe measures ICMP latency (if a pinger is configured) and
// then calls the HTTPS latency stub (real HTTPS measurement is not
// implemented, matching the upstream behavior this was distilled from).
func runHTTPSProbe(ctx context.Context, p Probe, env probeEnv) (*probeReport, error) {
	pr := &probeReport{probe: p}

	region, ok := env.relayMap.Regions[p.Region]
	if !ok || len(region.Nodes) == 0 {
		return nil, &AbortSetError{Reason: fmt.Sprintf("unknown region %d", p.Region)}
	}
	node := region.Nodes[0]

	type icmpResult struct {
		d   time.Duration
		err error
	}
	icmpc := make(chan icmpResult, 1)
	if env.pinger != nil {
		go func() {
			udpAddr := nodeAddr(ctx, env.resolver, node, ProbeIPv4)
			if udpAddr == nil {
				icmpc <- icmpResult{err: errors.New("no ipv4 address")}
				return
			}
			ictx, cancel := context.WithTimeout(ctx, ICMPProbeTimeout)
			defer cancel()
			d, err := env.pinger.Send(ictx, udpAddr.IP, []byte("relaycheck"))
			icmpc <- icmpResult{d: d, err: err}
		}()
	} else {
		icmpc <- icmpResult{err: errors.New("no pinger configured")}
	}

	select {
	case r := <-icmpc:
		if r.err == nil {
			pr.hasDelay = true
			pr.delay = r.d
			pr.ipv4CanSend = true
			pr.icmpv4 = true
		} else {
			env.logf("icmp probe failed: %v", r.err)
		}
	case <-ctx.Done():
	}

	// HTTPS measurement itself is unimplemented; see design notes. It
	// never contributes a latency or reachability bit.
	if _, _, err := measureHTTPSLatencyStub(ctx, node); err != nil {
		env.logf("https probe: %v", err)
	}

	if !pr.hasDelay && !pr.ipv4CanSend && !pr.ipv6CanSend {
		return nil, &ProbeError{Reason: "https/icmp probe produced nothing"}
	}
	return pr, nil
}

func measureHTTPSLatencyStub(ctx context.Context, node *relaymap.Node) (time.Duration, netaddr.IP, error) {
	return 0, netaddr.IP{}, errors.New("https latency measurement not implemented")
}
