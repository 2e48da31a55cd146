//go:build linux

package portmapper

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

// enableRecvTTL asks the kernel to attach each received datagram's IP
// TTL as ancillary data. probePMPAndPCP uses this to discard NAT-PMP/PCP
// replies that didn't arrive with TTL 255, per RFC 6886 section 8.1's
// guard against off-link spoofing (a reply from the directly-connected
// gateway always arrives at TTL 255; anything routed in from elsewhere
// has been decremented at least once).
func enableRecvTTL(uc *net.UDPConn) bool {
	rc, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	var sockErr error
	if err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_RECVTTL, 1)
	}); err != nil {
		return false
	}
	return sockErr == nil
}

// readWithTTL reads one datagram along with the TTL it was reported to
// arrive with. ok is false when the kernel didn't attach a TTL control
// message, in which case callers must not reject the packet on that
// basis.
func readWithTTL(uc *net.UDPConn, buf []byte) (n, ttl int, ok bool, err error) {
	oob := make([]byte, 64)
	n, oobn, _, _, err := uc.ReadMsgUDP(buf, oob)
	if err != nil {
		return 0, 0, false, err
	}
	msgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
	if perr != nil {
		return n, 0, false, nil
	}
	for _, m := range msgs {
		if m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_TTL && len(m.Data) >= 4 {
			return n, int(binary.NativeEndian.Uint32(m.Data)), true, nil
		}
	}
	return n, 0, false, nil
}
