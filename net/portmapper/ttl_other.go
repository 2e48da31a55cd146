//go:build !linux

package portmapper

import "net"

// enableRecvTTL's TTL-based spoofing guard is Linux-only; other
// platforms accept a reply whatever TTL it arrived with.
func enableRecvTTL(uc *net.UDPConn) bool { return false }

func readWithTTL(uc *net.UDPConn, buf []byte) (n, ttl int, ok bool, err error) {
	n, _, err = uc.ReadFromUDP(buf)
	return n, 0, false, err
}
