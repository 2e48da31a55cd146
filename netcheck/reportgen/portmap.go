package reportgen

import (
	"context"

	"github.com/quietloop/relaycheck/net/portmapper"
)

// preparePortmapperTask starts the port-mapper probe in a goroutine, if
// one is configured and external-network probing isn't disabled. The
// returned channel delivers exactly one value (or is closed without one,
// on error) and ok reports whether a task was scheduled at all.
func (a *actor) preparePortmapperTask(ctx context.Context) (<-chan *portmapper.ProbeOutput, bool) {
	if a.cfg.SkipExternalNetwork || a.cfg.PortMapper == nil {
		return nil, false
	}
	out := make(chan *portmapper.ProbeOutput, 1)
	go func() {
		defer close(out)
		res, err := a.cfg.PortMapper.Probe(ctx)
		if err != nil {
			a.logf("reportgen: port-mapper probe failed: %v", err)
			return
		}
		out <- &res
	}()
	return out, true
}
