package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/quietloop/relaycheck/netcheck"
)

func printReport(w io.Writer, r *netcheck.Report, elapsed time.Duration) error {
	fmt.Fprintf(w, "report in %v:\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  udp=%v ipv4=%v ipv6=%v ipv4_can_send=%v ipv6_can_send=%v icmpv4=%v os_has_ipv6=%v\n",
		r.UDP, r.IPv4, r.IPv6, r.IPv4CanSend, r.IPv6CanSend, r.ICMPv4, r.OSHasIPv6)
	fmt.Fprintf(w, "  global_v4=%s global_v6=%s mapping_varies_by_dest_ip=%s\n",
		orDash(r.GlobalV4), orDash(r.GlobalV6), r.MappingVariesByDestIP.String())
	fmt.Fprintf(w, "  hair_pinning=%s captive_portal=%s preferred_region=%d\n",
		r.HairPinning.String(), r.CaptivePortal.String(), r.PreferredRegion)
	if r.PortmapProbe != nil {
		fmt.Fprintf(w, "  portmap: upnp=%v pmp=%v pcp=%v\n", r.PortmapProbe.UPnP, r.PortmapProbe.PMP, r.PortmapProbe.PCP)
	} else {
		fmt.Fprintf(w, "  portmap: not checked\n")
	}

	ids := make([]int, 0, len(r.RegionLatency))
	for id := range r.RegionLatency {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  region %d: latency=%v v4=%v v6=%v\n",
			id, r.RegionLatency[id], r.RegionV4Latency[id], r.RegionV6Latency[id])
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
