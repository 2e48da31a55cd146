// Package portmapper is the port-mapper client collaborator assumed by
// the report generator: it exposes a single Probe method that answers
// "is there a port-mapping gateway (UPnP/PMP/PCP) on the LAN?" Full
// lease acquisition and renewal is out of scope; the report generator
// only needs the discovery result.
package portmapper

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// trustRecentProbeFor bounds how long a positive UPnP probe result is
// trusted without re-probing, mirroring the teacher's sawUPnPRecently
// timestamp check but expressed with the standard "do this at most once
// per duration" primitive. Only the UPnP probe consults it; PMP and PCP
// are probed on every call.
const trustRecentProbeFor = 10 * time.Minute

// ProbeOutput is the result of a port-mapper probe: which protocols, if
// any, appear to be available.
type ProbeOutput struct {
	UPnP bool
	PMP  bool
	PCP  bool
}

// AnyAvailable reports whether any mapping protocol was found.
func (o ProbeOutput) AnyAvailable() bool {
	return o.UPnP || o.PMP || o.PCP
}

// Client probes for port-mapping gateways on the local network.
type Client struct {
	// Gateway is the LAN gateway to probe for PMP/PCP. If nil, Probe
	// looks it up from the default route.
	Gateway net.IP

	mu         sync.Mutex
	upnpRecent rate.Sometimes
	pmpRecent  rate.Sometimes
	pcpRecent  rate.Sometimes
	lastResult ProbeOutput
}

// NewClient returns a Client ready to Probe.
func NewClient() *Client {
	interval := trustRecentProbeFor
	return &Client{
		upnpRecent: rate.Sometimes{Interval: interval},
		pmpRecent:  rate.Sometimes{Interval: interval},
		pcpRecent:  rate.Sometimes{Interval: interval},
	}
}

// Probe returns a summary of which port-mapping protocols are available.
// Individual protocol probes that fail are simply reported as
// unavailable; only a total inability to discover a gateway is returned
// as an error.
func (c *Client) Probe(ctx context.Context) (ProbeOutput, error) {
	gw := c.Gateway
	if gw == nil {
		var ok bool
		gw, ok = defaultGateway()
		if !ok {
			return ProbeOutput{}, fmt.Errorf("portmapper: no LAN gateway found")
		}
	}

	var out ProbeOutput
	var g errgroup.Group

	g.Go(func() error {
		c.mu.Lock()
		trusted := c.lastResult.UPnP
		c.mu.Unlock()
		reprobe := !trusted
		c.upnpRecent.Do(func() { reprobe = true })
		if reprobe {
			out.UPnP = probeUPnP(ctx)
		} else {
			out.UPnP = true
		}
		return nil
	})

	g.Go(func() error {
		pcp, pmp := probePMPAndPCP(ctx, gw)
		out.PCP = pcp
		out.PMP = pmp
		return nil
	})

	g.Wait() // probeUPnP and probePMPAndPCP never return an error

	c.mu.Lock()
	c.lastResult = out
	c.mu.Unlock()

	return out, nil
}

// probeUPnP uses SSDP discovery (via github.com/huin/goupnp) to look for
// an Internet Gateway Device willing to report its external address.
func probeUPnP(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
	defer cancel()

	clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
	if err != nil || len(clients) == 0 {
		clients1, _, err1 := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
		if err1 != nil || len(clients1) == 0 {
			return false
		}
		_, err1 = clients1[0].GetExternalIPAddressCtx(ctx)
		return err1 == nil
	}
	_, err = clients[0].GetExternalIPAddressCtx(ctx)
	return err == nil
}

// probePMPAndPCP sends a single NAT-PMP "get external address" request
// and a single PCP "announce" request to gw, and reports which (if
// either) answered. Unlike the teacher's version this doesn't parse the
// response bodies in detail: for connectivity reporting purposes, any
// reply carrying the expected version and response-opcode bytes is
// enough to say "present". The reply's source address and port are not
// checked.
func probePMPAndPCP(ctx context.Context, gw net.IP) (pcp, pmp bool) {
	const (
		pmpPort = 5351
		pcpPort = 5351
	)
	pc, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return false, false
	}
	defer pc.Close()
	uc, _ := pc.(*net.UDPConn)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(250 * time.Millisecond)
	}
	pc.SetDeadline(deadline)

	pmpReq := []byte{0, 0} // version 0, opcode 0 (external address request)
	pcpReq := make([]byte, 24)
	pcpReq[0] = 2 // PCP version 2
	pcpReq[1] = 0 // ANNOUNCE opcode

	dst := &net.UDPAddr{IP: gw, Port: pmpPort}
	pc.WriteTo(pmpReq, dst)
	pc.WriteTo(pcpReq, &net.UDPAddr{IP: gw, Port: pcpPort})

	// Ask the kernel for each reply's IP TTL so off-link spoofed replies
	// (RFC 6886 section 8.1) can be told apart from a genuine one-hop
	// answer from gw; unsupported platforms just skip the check.
	checkTTL := uc != nil && enableRecvTTL(uc)

	buf := make([]byte, 1500)
	for {
		var n, ttl int
		var gotTTL bool
		if checkTTL {
			n, ttl, gotTTL, err = readWithTTL(uc, buf)
		} else {
			n, _, err = pc.ReadFrom(buf)
		}
		if err != nil {
			return pcp, pmp
		}
		if gotTTL && ttl != 255 {
			continue
		}
		switch {
		case n >= 2 && buf[0] == 0 && buf[1] == 0x80:
			pmp = true
		case n >= 4 && buf[0] == 2 && buf[1]&0x80 != 0:
			pcp = true
		}
		if pcp && pmp {
			return pcp, pmp
		}
	}
}

// defaultGateway does a best-effort lookup of the LAN gateway by dialing
// a UDP "connection" to a public address and reading back the local
// address's containing /24, which is usually good enough to guess the
// router as <network>.1. This is a deliberately simple heuristic: full
// routing-table inspection is out of scope (see SPEC_FULL.md's
// unbindable dependency list for netlink-based routing).
func defaultGateway() (net.IP, bool) {
	conn, err := net.Dial("udp4", "203.0.113.1:65530")
	if err != nil {
		return nil, false
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, false
	}
	ip4 := local.IP.To4()
	if ip4 == nil {
		return nil, false
	}
	gw := net.IPv4(ip4[0], ip4[1], ip4[2], 1)
	return gw, true
}
