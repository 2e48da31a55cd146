package reportgen

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/quietloop/relaycheck/relaymap"
	"github.com/quietloop/relaycheck/types/opt"
	httpstat "github.com/tcnksm/go-httpstat"
)

// invalidTLD marks a relay node hostname as a test fixture that should
// never actually be dialed.
const invalidTLD = ".invalid"

// prepareCaptivePortalTask starts the captive-portal check in a
// goroutine and returns a channel carrying its tri-state verdict. It
// sleeps CaptivePortalDelay before doing any network I/O, to give UDP
// probes a head start.
func (a *actor) prepareCaptivePortalTask(ctx context.Context) <-chan opt.Bool {
	out := make(chan opt.Bool, 1)
	go func() {
		defer close(out)
		t := time.NewTimer(CaptivePortalDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}

		cctx, cancel := context.WithTimeout(ctx, CaptivePortalTimeout)
		defer cancel()

		v, ok := checkCaptivePortal(cctx, a.cfg.RelayMap, a.preferredRegionHint(), a.logf)
		if ok {
			out <- v
		}
	}()
	return out
}

func (a *actor) preferredRegionHint() int {
	if a.cfg.PrevReport != nil {
		return a.cfg.PrevReport.PreferredRegion
	}
	return 0
}

// checkCaptivePortal runs the generate_204 probe. A bool return of false
// for ok means "no verdict" (request error or context expiry); callers
// should leave the report's captive_portal field untouched in that case.
func checkCaptivePortal(ctx context.Context, m *relaymap.Map, preferredRegion int, logf func(string, ...interface{})) (opt.Bool, bool) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	region := selectCaptivePortalRegion(m, preferredRegion)
	if region == nil {
		var v opt.Bool
		v.Set(false)
		return v, true
	}

	node := region.Nodes[0]
	host := node.HostName
	if host == "" {
		host = node.Name
	}
	if strings.HasSuffix(host, invalidTLD) {
		var v opt.Bool
		v.Set(false)
		return v, true
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/generate_204", host), nil)
	if err != nil {
		return opt.Bool(""), false
	}
	challenge := "ts_" + host
	req.Header.Set("X-Tailscale-Challenge", challenge)

	var timing httpstat.Result
	req = req.WithContext(httpstat.WithHTTPStat(req.Context(), &timing))

	resp, err := client.Do(req)
	if err != nil {
		return opt.Bool(""), false
	}
	defer resp.Body.Close()
	timing.End(time.Now())
	logf("reportgen: captive-portal probe to %s: dns=%v connect=%v ttfb=%v",
		host, timing.DNSLookup, timing.TCPConnection, timing.ServerProcessing)

	expected := "response " + challenge
	gotResponse := resp.Header.Get("X-Tailscale-Response")
	hasCaptive := resp.StatusCode != http.StatusNoContent || gotResponse != expected

	var v opt.Bool
	v.Set(hasCaptive)
	return v, true
}

// selectCaptivePortalRegion picks the relay region to target for the
// captive-portal check: the hinted preferred region if viable, else a
// uniformly random usable, non-avoided region.
func selectCaptivePortalRegion(m *relaymap.Map, preferredRegion int) *relaymap.Region {
	if preferredRegion != 0 {
		if r, ok := m.Regions[preferredRegion]; ok && len(r.Nodes) > 0 {
			return r
		}
	}

	var candidates []*relaymap.Region
	for _, r := range m.Regions {
		if !r.Avoid && len(r.Nodes) > 0 {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}
