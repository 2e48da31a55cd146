// Package resolve looks up relay node hostnames when a node's relay map
// entry doesn't carry a literal IPv4/IPv6 address.
package resolve

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves hostnames to addresses. With Nameserver set it sends
// A and AAAA queries straight to that server through github.com/miekg/dns,
// so relaycheck observes the same answers regardless of local
// /etc/resolv.conf quirks or stub resolver caching behavior; with
// Nameserver empty it uses the system resolver.
type Resolver struct {
	// Nameserver is the "host:port" of the resolver to query. If empty,
	// LookupIP falls back to the system resolver via net.DefaultResolver.
	Nameserver string

	// Timeout bounds a single query. Zero means 2 seconds.
	Timeout time.Duration
}

// LookupIP returns the IPv4 and/or IPv6 addresses for host.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if r.Nameserver == "" {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = a.IP
		}
		return ips, nil
	}

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(host, qtype)
		if err != nil {
			continue
		}
		ips = append(ips, found...)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve: no addresses found for %q", host)
	}
	return ips, nil
}

func (r *Resolver) query(host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: r.timeout()}
	resp, _, err := c.Exchange(m, r.Nameserver)
	if err != nil {
		return nil, fmt.Errorf("resolve: query %s %d: %w", host, qtype, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolve: %s returned rcode %d", host, resp.Rcode)
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A)
		case *dns.AAAA:
			ips = append(ips, v.AAAA)
		}
	}
	return ips, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 2 * time.Second
}
