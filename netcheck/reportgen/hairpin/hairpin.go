// Package hairpin implements the generator's hairpin sub-actor: it sends
// a STUN binding request to the host's own public address and watches
// for that same packet to loop back through the NAT.
package hairpin

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/quietloop/relaycheck/net/stun"
	"github.com/quietloop/relaycheck/types/logger"
	"inet.af/netaddr"
)

// checkTimeout bounds how long the sub-actor waits for its own probe
// packet to hairpin back before concluding it does not.
const checkTimeout = 100 * time.Millisecond

// Client is the hairpin sub-actor handle. The generator creates one
// lazily the first time it learns a public IPv4 address, and calls
// StartCheck exactly once.
type Client struct {
	pc     net.PacketConn
	notify func(works bool)
	logf   logger.Logf

	mu      sync.Mutex
	started bool
	txID    stun.TxID
	got     chan struct{}
}

// New creates a hairpin sub-actor that sends its probe on pc (the same
// socket used for IPv4 STUN probes) and reports its verdict to notify.
// notify is called exactly once, from a goroutine the Client spawns.
func New(pc net.PacketConn, notify func(works bool), logf logger.Logf) *Client {
	return &Client{pc: pc, notify: notify, logf: logger.Std(logf)}
}

// StartCheck begins the hairpin check against dst, the host's own
// observed public address. Only the first call has any effect; later
// calls are ignored, matching the "exactly one start_check" contract.
func (c *Client) StartCheck(ctx context.Context, dst netaddr.IPPort) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.txID = stun.NewTxID()
	txID := c.txID
	c.mu.Unlock()

	go c.run(ctx, dst, txID)
}

// TxID returns the transaction id of the in-flight hairpin probe, valid
// only after StartCheck has been called. The supervisor uses this to
// recognize the probe's own request packet coming back and short-circuit
// it before treating it as an unexpected STUN message.
func (c *Client) TxID() stun.TxID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txID
}

// GotSelfPacket is called by the supervisor when it sees a STUN binding
// request matching our own transaction id arrive from the network: that
// is the round-trip hairpin confirmation.
func (c *Client) GotSelfPacket() {
	select {
	case c.gotC() <- struct{}{}:
	default:
	}
}

func (c *Client) gotC() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.got == nil {
		c.got = make(chan struct{}, 1)
	}
	return c.got
}

func (c *Client) run(ctx context.Context, dst netaddr.IPPort, txID stun.TxID) {
	req := stun.Request(txID)
	if _, err := c.pc.WriteTo(req, dst.UDPAddr()); err != nil {
		c.logf("hairpin: write failed: %v", err)
		c.notify(false)
		return
	}

	t := time.NewTimer(checkTimeout)
	defer t.Stop()
	select {
	case <-c.gotC():
		c.notify(true)
	case <-t.C:
		c.notify(false)
	case <-ctx.Done():
		c.notify(false)
	}
}
