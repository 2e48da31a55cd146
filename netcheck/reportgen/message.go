package reportgen

import "context"

// messageChanCapacity bounds the actor's inbound message channel. A
// healthy report generates far fewer messages than this; probes that
// fill it would suspend on send, which is the intended backpressure.
const messageChanCapacity = 32

// message is the sealed set of things sibling tasks can tell the actor.
// Only the actor goroutine ever reads from the channel these arrive on,
// preserving the "exactly one task mutates the report" invariant.
type message interface{ isMessage() }

type hairpinResultMsg struct{ works bool }

func (hairpinResultMsg) isMessage() {}

type probeWouldHelpMsg struct {
	probe Probe
	reply chan<- bool
}

func (probeWouldHelpMsg) isMessage() {}

type abortProbesMsg struct{}

func (abortProbesMsg) isMessage() {}

// Addr is a handle for sending messages to a running actor. It is safe
// to share across goroutines; sends block (subject to ctx) if the
// actor's inbound channel is full.
type Addr struct {
	msgc chan<- message
}

func (a Addr) send(ctx context.Context, m message) bool {
	select {
	case a.msgc <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// ProbeWouldHelp asks the actor whether probe is still worth running.
// It returns false (meaning "no, abort") if the actor cannot be reached.
func (a Addr) ProbeWouldHelp(ctx context.Context, p Probe) bool {
	reply := make(chan bool, 1)
	if !a.send(ctx, probeWouldHelpMsg{probe: p, reply: reply}) {
		return false
	}
	select {
	case v := <-reply:
		return v
	case <-ctx.Done():
		return false
	}
}

// AbortProbes tells the actor to stop waiting on further probe results.
func (a Addr) AbortProbes(ctx context.Context) {
	a.send(ctx, abortProbesMsg{})
}

// HairpinResult reports the hairpin sub-actor's verdict to the generator.
func (a Addr) HairpinResult(ctx context.Context, works bool) {
	a.send(ctx, hairpinResultMsg{works: works})
}
