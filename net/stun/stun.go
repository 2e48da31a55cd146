// Package stun implements just enough of RFC 5389 STUN binding
// requests/responses to support relaycheck's reachability probes. It is
// not a general-purpose STUN/TURN implementation: no message integrity,
// no fingerprint validation beyond the magic cookie, no authentication.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"go4.org/mem"
	"inet.af/netaddr"
)

// magicCookie is the fixed STUN magic cookie from RFC 5389 §6.
const magicCookie = 0x2112A442

const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101

	attrXorMappedAddress = 0x0020
	attrMappedAddress    = 0x0001

	headerLen = 20
)

// TxID is a STUN transaction ID, 96 bits as required by RFC 5389.
type TxID [12]byte

// NewTxID returns a new random transaction ID.
func NewTxID() TxID {
	var tx TxID
	if _, err := rand.Read(tx[:]); err != nil {
		panic("stun: crypto/rand failed: " + err.Error())
	}
	return tx
}

func (tx TxID) String() string {
	return fmt.Sprintf("%x", tx[:])
}

// Is reports whether pkt looks like a STUN message: long enough to hold a
// header and carrying the STUN magic cookie in the expected position.
func Is(pkt []byte) bool {
	if len(pkt) < headerLen {
		return false
	}
	// The magic cookie occupies bytes 4:8 of every STUN message.
	return mem.Contains(mem.B(pkt[4:8]), mem.B(cookieBytes()))
}

func cookieBytes() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], magicCookie)
	return b[:]
}

// Request builds a STUN binding request with the given transaction ID.
func Request(tx TxID) []byte {
	var b [headerLen]byte
	binary.BigEndian.PutUint16(b[0:2], bindingRequest)
	binary.BigEndian.PutUint16(b[2:4], 0) // message length, no attributes
	binary.BigEndian.PutUint32(b[4:8], magicCookie)
	copy(b[8:20], tx[:])
	return b[:]
}

// ParseBindingRequest reports the transaction ID of pkt if it is a
// well-formed STUN binding request, and an error otherwise.
func ParseBindingRequest(pkt []byte) (TxID, error) {
	var tx TxID
	if len(pkt) < headerLen {
		return tx, errors.New("stun: packet too short")
	}
	typ := binary.BigEndian.Uint16(pkt[0:2])
	if typ != bindingRequest {
		return tx, errors.New("stun: not a binding request")
	}
	if binary.BigEndian.Uint32(pkt[4:8]) != magicCookie {
		return tx, errors.New("stun: bad magic cookie")
	}
	copy(tx[:], pkt[8:20])
	return tx, nil
}

// ParseResponse parses a STUN binding response, returning its
// transaction ID and the XOR-mapped (or plain mapped) address it
// reports.
func ParseResponse(pkt []byte) (tx TxID, addr netaddr.IP, port uint16, err error) {
	if len(pkt) < headerLen {
		return tx, addr, 0, errors.New("stun: packet too short")
	}
	typ := binary.BigEndian.Uint16(pkt[0:2])
	if typ != bindingResponse {
		return tx, addr, 0, errors.New("stun: not a binding response")
	}
	msgLen := binary.BigEndian.Uint16(pkt[2:4])
	if binary.BigEndian.Uint32(pkt[4:8]) != magicCookie {
		return tx, addr, 0, errors.New("stun: bad magic cookie")
	}
	copy(tx[:], pkt[8:20])

	attrs := pkt[headerLen:]
	if int(msgLen) > len(attrs) {
		return tx, addr, 0, errors.New("stun: truncated message")
	}
	attrs = attrs[:msgLen]

	for len(attrs) >= 4 {
		atype := binary.BigEndian.Uint16(attrs[0:2])
		alen := binary.BigEndian.Uint16(attrs[2:4])
		if int(alen)+4 > len(attrs) {
			return tx, addr, 0, errors.New("stun: truncated attribute")
		}
		aval := attrs[4 : 4+alen]
		switch atype {
		case attrXorMappedAddress:
			addr, port, err = parseXorMappedAddress(aval, tx)
			if err != nil {
				return tx, addr, 0, err
			}
			return tx, addr, port, nil
		case attrMappedAddress:
			addr, port, err = parseMappedAddress(aval)
			if err != nil {
				return tx, addr, 0, err
			}
			return tx, addr, port, nil
		}
		// attributes are padded to a 4-byte boundary
		padded := (int(alen) + 3) &^ 3
		attrs = attrs[4+padded:]
	}
	return tx, addr, 0, errors.New("stun: no mapped address attribute")
}

func parseMappedAddress(v []byte) (netaddr.IP, uint16, error) {
	if len(v) < 4 {
		return netaddr.IP{}, 0, errors.New("stun: mapped address too short")
	}
	family := v[1]
	port := binary.BigEndian.Uint16(v[2:4])
	ipBytes := v[4:]
	switch family {
	case 0x01:
		if len(ipBytes) < 4 {
			return netaddr.IP{}, 0, errors.New("stun: short ipv4 address")
		}
		ip, ok := netaddr.FromStdIP(net.IP(ipBytes[:4]))
		if !ok {
			return netaddr.IP{}, 0, errors.New("stun: bad ipv4 address")
		}
		return ip, port, nil
	case 0x02:
		if len(ipBytes) < 16 {
			return netaddr.IP{}, 0, errors.New("stun: short ipv6 address")
		}
		ip, ok := netaddr.FromStdIP(net.IP(ipBytes[:16]))
		if !ok {
			return netaddr.IP{}, 0, errors.New("stun: bad ipv6 address")
		}
		return ip, port, nil
	default:
		return netaddr.IP{}, 0, fmt.Errorf("stun: unknown address family %d", family)
	}
}

func parseXorMappedAddress(v []byte, tx TxID) (netaddr.IP, uint16, error) {
	if len(v) < 4 {
		return netaddr.IP{}, 0, errors.New("stun: xor mapped address too short")
	}
	family := v[1]
	xport := binary.BigEndian.Uint16(v[2:4])
	port := xport ^ uint16(magicCookie>>16)
	ipBytes := v[4:]
	switch family {
	case 0x01:
		if len(ipBytes) < 4 {
			return netaddr.IP{}, 0, errors.New("stun: short ipv4 address")
		}
		var raw [4]byte
		var cookie [4]byte
		binary.BigEndian.PutUint32(cookie[:], magicCookie)
		for i := range raw {
			raw[i] = ipBytes[i] ^ cookie[i]
		}
		ip, ok := netaddr.FromStdIP(net.IP(raw[:]))
		if !ok {
			return netaddr.IP{}, 0, errors.New("stun: bad ipv4 address")
		}
		return ip, port, nil
	case 0x02:
		if len(ipBytes) < 16 {
			return netaddr.IP{}, 0, errors.New("stun: short ipv6 address")
		}
		var raw [16]byte
		var salt [16]byte
		binary.BigEndian.PutUint32(salt[0:4], magicCookie)
		copy(salt[4:16], tx[:])
		for i := range raw {
			raw[i] = ipBytes[i] ^ salt[i]
		}
		ip, ok := netaddr.FromStdIP(net.IP(raw[:]))
		if !ok {
			return netaddr.IP{}, 0, errors.New("stun: bad ipv6 address")
		}
		return ip, port, nil
	default:
		return netaddr.IP{}, 0, fmt.Errorf("stun: unknown address family %d", family)
	}
}
