// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package netcheck is the report-generator's supervisor: it owns the
// STUN sockets, demultiplexes inbound STUN replies to the probes that
// sent them, and keeps a short rolling history of reports so it can
// pick a preferred relay region for the caller.
package netcheck

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quietloop/relaycheck/net/interfaces"
	"github.com/quietloop/relaycheck/net/ping"
	"github.com/quietloop/relaycheck/net/portmapper"
	"github.com/quietloop/relaycheck/net/resolve"
	"github.com/quietloop/relaycheck/net/stun"
	"github.com/quietloop/relaycheck/netcheck/reportgen"
	"github.com/quietloop/relaycheck/relaymap"
	"github.com/quietloop/relaycheck/types/logger"
	"inet.af/netaddr"
)

// Report is the value GetReport returns; it is the reportgen package's
// Report type re-exported so callers don't need to import reportgen
// directly.
type Report = reportgen.Report

// Client generates network-condition reports. The zero Client is usable;
// fields should be set before the first call to GetReport.
type Client struct {
	// Verbose enables verbose logging.
	Verbose bool

	// Logf optionally specifies where to log. If nil, log.Printf is
	// used.
	Logf logger.Logf

	// SkipExternalNetwork disables the port-mapper probe and any other
	// attempt to reach the LAN gateway or public internet beyond the
	// relay map itself.
	SkipExternalNetwork bool

	// UDPBindAddr, if non-empty, overrides the local address the STUN
	// sockets bind to. Defaults to ":0".
	UDPBindAddr string

	// PortMapper, if non-nil, is probed for UPnP/PMP/PCP availability.
	PortMapper *portmapper.Client

	// Pinger, if non-nil, is used for the ICMP half of HTTPS probes.
	Pinger *ping.Pinger

	// Resolver, if non-nil, is used to resolve relay node hostnames.
	Resolver *resolve.Resolver

	mu       sync.Mutex
	nextFull bool
	prev     map[time.Time]*Report
	last     *Report
	curState *callState
}

// MakeNextReportFull forces the next GetReport call to do a full
// (non-incremental) probe of every region, ignoring any report history.
func (c *Client) MakeNextReportFull() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextFull = true
}

func (c *Client) logf(format string, a ...interface{}) {
	logger.Std(c.Logf)(format, a...)
}

func (c *Client) vlogf(format string, a ...interface{}) {
	if c.Verbose {
		c.logf(format, a...)
	}
}

// callState holds per-GetReport-call state: the inflight STUN
// transaction table and the hairpin self-packet recognizer, both of
// which only make sense for the duration of one call.
type callState struct {
	// id identifies this GetReport call in log lines, so concurrent or
	// back-to-back calls' packet traces can be told apart.
	id string

	mu           sync.Mutex
	inFlight     map[stun.TxID]chan<- reportgen.StunResult
	hasHairTX    bool
	hairTX       stun.TxID
	hairCallback func()
}

func (c *Client) udpBindAddr() string {
	if c.UDPBindAddr != "" {
		return c.UDPBindAddr
	}
	return ":0"
}

// GetReport runs one report-generation cycle against relayMap and
// returns the aggregated report. It must not be called concurrently
// with itself.
func (c *Client) GetReport(ctx context.Context, relayMap *relaymap.Map) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, reportgen.OverallProbeTimeout+2*time.Second)
	defer cancel()

	ifState, err := interfaces.GetState()
	if err != nil {
		c.logf("netcheck: interfaces.GetState: %v; assuming no connectivity", err)
		ifState = &interfaces.State{}
	}

	pc4, err := net.ListenPacket("udp4", c.udpBindAddr())
	if err != nil {
		c.vlogf("netcheck: udp4 listen failed: %v", err)
		pc4 = nil
	}
	pc6, err := net.ListenPacket("udp6", c.udpBindAddr())
	if err != nil {
		c.vlogf("netcheck: udp6 listen failed: %v", err)
		pc6 = nil
	}
	if pc4 != nil {
		defer pc4.Close()
	}
	if pc6 != nil {
		defer pc6.Close()
	}

	cs := &callState{id: uuid.New().String(), inFlight: map[stun.TxID]chan<- reportgen.StunResult{}}

	c.mu.Lock()
	c.curState = cs
	last := c.last
	full := c.nextFull || last == nil
	c.nextFull = false
	c.mu.Unlock()
	if full {
		last = nil
	}
	c.vlogf("netcheck: starting report %s (full=%v)", cs.id, full)

	defer func() {
		c.mu.Lock()
		c.curState = nil
		c.mu.Unlock()
	}()

	if pc4 != nil {
		go c.readPackets(ctx, pc4, cs)
	}
	if pc6 != nil {
		go c.readPackets(ctx, pc6, cs)
	}

	resultc := make(chan result, 1)
	sup := &supervisor{client: c, cs: cs, resultc: resultc}

	cfg := reportgen.Config{
		Supervisor:          sup,
		RelayMap:            relayMap,
		IfState:             ifState,
		PrevReport:          last,
		PC4:                 pc4,
		PC6:                 pc6,
		Pinger:              c.Pinger,
		Resolver:            c.Resolver,
		PortMapper:          c.PortMapper,
		SkipExternalNetwork: c.SkipExternalNetwork,
		Logf:                c.Logf,
	}
	actorClient := reportgen.Start(ctx, cfg)
	defer actorClient.Close()

	select {
	case r := <-resultc:
		if r.err != nil {
			return nil, r.err
		}
		c.addReportHistoryAndSetPreferredRegion(r.report)
		return r.report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readPackets reads STUN packets from pc until ctx is done or it errors,
// dispatching each to receiveSTUNPacket.
func (c *Client) readPackets(ctx context.Context, pc net.PacketConn, cs *callState) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pc.Close()
		case <-done:
		}
	}()

	var buf [64 << 10]byte
	for {
		n, addr, err := pc.ReadFrom(buf[:])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logf("netcheck: [%s] ReadFrom: %v", cs.id, err)
			return
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		pkt := buf[:n]
		if !stun.Is(pkt) {
			continue
		}
		if ipp, ok := netaddr.FromStdIP(ua.IP); ok {
			c.receiveSTUNPacket(cs, pkt, netaddr.IPPortFrom(ipp, uint16(ua.Port)))
		}
	}
}

// receiveSTUNPacket demultiplexes a single STUN packet: first checking
// whether it's our own hairpin probe looping back, then whether it's a
// binding response for a transaction we have in flight.
func (c *Client) receiveSTUNPacket(cs *callState, pkt []byte, src netaddr.IPPort) {
	c.vlogf("netcheck: [%s] received STUN packet from %s", cs.id, src)

	if tx, err := stun.ParseBindingRequest(pkt); err == nil {
		cs.mu.Lock()
		isHairpin := cs.hasHairTX && tx == cs.hairTX
		cb := cs.hairCallback
		cs.mu.Unlock()
		if isHairpin && cb != nil {
			cb()
		}
		return
	}

	tx, addr, port, err := stun.ParseResponse(pkt)
	if err != nil {
		c.logf("netcheck: [%s] unexpected STUN message from %v: %v", cs.id, src, err)
		return
	}

	cs.mu.Lock()
	reply, ok := cs.inFlight[tx]
	if ok {
		delete(cs.inFlight, tx)
	}
	cs.mu.Unlock()
	if ok {
		select {
		case reply <- reportgen.StunResult{Addr: addr, Port: port}:
		default:
		}
	}
}

type result struct {
	report *Report
	err    error
}

// supervisor adapts a Client/callState pair to reportgen.Supervisor.
type supervisor struct {
	client  *Client
	cs      *callState
	resultc chan result
}

func (s *supervisor) RegisterInFlightStun(ctx context.Context, txID stun.TxID, start time.Time, reply chan<- reportgen.StunResult) error {
	s.cs.mu.Lock()
	s.cs.inFlight[txID] = reply
	s.cs.mu.Unlock()
	return nil
}

func (s *supervisor) RegisterHairpinProbe(txID stun.TxID, onSelfPacket func()) {
	s.cs.mu.Lock()
	s.cs.hairTX = txID
	s.cs.hairCallback = onSelfPacket
	s.cs.hasHairTX = true
	s.cs.mu.Unlock()
}

func (s *supervisor) ReportReady(report *Report, relayMap *relaymap.Map) {
	s.resultc <- result{report: report}
}

func (s *supervisor) ReportAborted(err error) {
	s.resultc <- result{err: err}
}

// addReportHistoryAndSetPreferredRegion folds r into the rolling history
// and, using the best latency seen per region over the last maxAge, picks
// the region r should prefer going forward — sticky enough that a
// marginally-better region doesn't flap against a perfectly fine one.
func (c *Client) addReportHistoryAndSetPreferredRegion(r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prevRegion int
	if c.last != nil {
		prevRegion = c.last.PreferredRegion
	}
	if c.prev == nil {
		c.prev = map[time.Time]*Report{}
	}
	now := time.Now()
	c.prev[now] = r
	c.last = r

	const maxAge = 5 * time.Minute
	bestRecent := map[int]time.Duration{}
	for t, pr := range c.prev {
		if now.Sub(t) > maxAge {
			delete(c.prev, t)
			continue
		}
		for regionID, d := range pr.RegionLatency {
			if bd, ok := bestRecent[regionID]; !ok || d < bd {
				bestRecent[regionID] = d
			}
		}
	}

	var bestAny time.Duration
	var oldRegionCurLatency time.Duration
	for regionID, d := range r.RegionLatency {
		if regionID == prevRegion {
			oldRegionCurLatency = d
		}
		best := bestRecent[regionID]
		if r.PreferredRegion == 0 || best < bestAny {
			bestAny = best
			r.PreferredRegion = regionID
		}
	}

	if prevRegion != 0 &&
		r.PreferredRegion != prevRegion &&
		oldRegionCurLatency != 0 &&
		bestAny > oldRegionCurLatency/3*2 {
		r.PreferredRegion = prevRegion
	}
}
