// Package ping implements a minimal ICMP echo ("ping") client used by the
// report generator's HTTPS probe branch to measure IPv4 ICMP reachability
// and latency alongside the (stubbed) HTTPS measurement.
package ping

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// Pinger sends ICMP echo requests and waits for their replies.
//
// A Pinger owns one unprivileged "udp" ICMP socket (via
// golang.org/x/net/icmp), shared by all concurrent Send calls; replies are
// demultiplexed by ICMP echo sequence number.
type Pinger struct {
	conn *icmp.PacketConn

	mu      sync.Mutex
	nextSeq int
	waiters map[int]*pending
}

type pending struct {
	start time.Time
	ch    chan replyOrErr
}

type replyOrErr struct {
	rtt time.Duration
	err error
}

// New creates a Pinger using an unprivileged ICMP datagram socket. On
// platforms or configurations where that is not permitted (most Linux
// distributions require setting net.ipv4.ping_group_range, or will work
// out of the box only for datagram sockets), New returns an error and the
// caller should proceed without ICMP probing.
func New() (*Pinger, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("ping: listen: %w", err)
	}
	p := &Pinger{
		conn:    conn,
		waiters: make(map[int]*pending),
	}
	go p.readLoop()
	return p, nil
}

// Close releases the underlying socket.
func (p *Pinger) Close() error {
	return p.conn.Close()
}

// Send sends a single ICMP echo request carrying payload to dst and
// blocks until the reply arrives, ctx is cancelled, or a reasonable
// internal deadline elapses.
func (p *Pinger) Send(ctx context.Context, dst net.IP, payload []byte) (time.Duration, error) {
	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	ch := make(chan replyOrErr, 1)
	pend := &pending{ch: ch}
	p.waiters[seq] = pend
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.waiters, seq)
		p.mu.Unlock()
	}()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: payload,
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("ping: marshal: %w", err)
	}

	pend.start = time.Now()
	if _, err := p.conn.WriteTo(wb, &net.UDPAddr{IP: dst}); err != nil {
		return 0, fmt.Errorf("ping: write: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return 0, res.err
		}
		return res.rtt, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(2 * time.Second):
		return 0, errors.New("ping: timed out waiting for echo reply")
	}
}

func (p *Pinger) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		recvAt := time.Now()
		rm, err := icmp.ParseMessage(1 /* ipv4.ICMPTypeEchoReply.Protocol() */, buf[:n])
		if err != nil {
			continue
		}
		echo, ok := rm.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		p.mu.Lock()
		pend, ok := p.waiters[echo.Seq]
		p.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case pend.ch <- replyOrErr{rtt: recvAt.Sub(pend.start)}:
		default:
		}
	}
}
