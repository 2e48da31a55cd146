package reportgen

import (
	"context"
	"time"

	"github.com/quietloop/relaycheck/net/stun"
	"github.com/quietloop/relaycheck/relaymap"
	"inet.af/netaddr"
)

// StunResult is what the supervisor delivers once it demultiplexes a
// STUN reply packet back to the transaction that requested it.
type StunResult struct {
	Addr netaddr.IP
	Port uint16
}

// Supervisor is the parent netcheck client's interface, as seen by the
// report generator. It owns the sockets, the relay-map lifecycle, and
// inflight-STUN demultiplexing; the generator only asks it to register
// transactions and deliver final outcomes.
type Supervisor interface {
	// RegisterInFlightStun registers txID so that when the supervisor's
	// socket reader later sees a STUN reply carrying txID, it delivers a
	// StunResult on reply. It returns once registration is acknowledged,
	// or an error if the supervisor could not register it.
	RegisterInFlightStun(ctx context.Context, txID stun.TxID, start time.Time, reply chan<- StunResult) error

	// RegisterHairpinProbe tells the supervisor the transaction id of
	// the hairpin sub-actor's outgoing STUN binding request, so the
	// supervisor's packet reader can recognize that request looping
	// back to us through the NAT and invoke onSelfPacket instead of
	// logging it as an unexpected STUN message.
	RegisterHairpinProbe(txID stun.TxID, onSelfPacket func())

	// ReportReady is called exactly once, with the final report, on
	// success.
	ReportReady(report *Report, relayMap *relaymap.Map)

	// ReportAborted is called exactly once, instead of ReportReady, on
	// fatal failure.
	ReportAborted(err error)
}
