package netmon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/outboxq/internal/clock"
	"github.com/snehjoshi/outboxq/internal/types"
)

// Prober is a Source that polls a reachability URL.
//
// Any HTTP response counts as reachable: the question is whether the network
// path works, not whether the endpoint is healthy. A response slower than
// DegradedAfter reports degraded quality. Going offline takes
// FailureThreshold consecutive failed probes; a single miss keeps the
// previous state.
type Prober struct {
	URL              string
	Interval         time.Duration
	Timeout          time.Duration
	DegradedAfter    time.Duration
	FailureThreshold int

	Client *http.Client
	Clock  clock.Clock
}

// Run probes once immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context, report func(Signal)) {
	clk := clock.Or(p.Clock)
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	threshold := p.FailureThreshold
	if threshold <= 0 {
		threshold = 2
	}

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	tick := func() {
		latency, err := p.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			slog.Debug("netmon: probe failed", "url", p.URL, "consecutive", failures, "err", err)
			if failures >= threshold {
				report(Signal{Online: false})
			}
			return
		}
		failures = 0
		q := types.QualityFull
		if p.DegradedAfter > 0 && latency > p.DegradedAfter {
			q = types.QualityDegraded
		}
		report(Signal{Online: true, Quality: q})
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			tick()
		}
	}
}

// Probe issues a single request and returns its latency.
func (p *Prober) Probe(ctx context.Context) (time.Duration, error) {
	clk := clock.Or(p.Clock)
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("netmon: probe: %w", err)
	}
	start := clk.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("netmon: probe: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
	return clk.Now().Sub(start), nil
}
