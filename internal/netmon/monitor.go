// Package netmon owns the process-wide connectivity state.
//
// The Monitor starts optimistic (online, quality unknown) so that work queued
// before the first platform signal is attempted instead of parked. Raw signals
// arrive through Report, either from the platform glue (the HTTP transport
// exposes POST /v1/network) or from a Source such as Prober. Only real
// transitions reach subscribers; a repeated identical signal is ignored.
//
// The Monitor never returns errors to callers. A source that fails simply
// stops reporting and the last known value stays current.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/outboxq/internal/clock"
	"github.com/snehjoshi/outboxq/internal/notify"
	"github.com/snehjoshi/outboxq/internal/types"
)

// Signal is a raw connectivity observation.
type Signal struct {
	Online  bool          `json:"online"`
	Quality types.Quality `json:"quality,omitempty"`
}

// Source produces signals until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, report func(Signal))
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, report func(Signal))

func (f SourceFunc) Run(ctx context.Context, report func(Signal)) { f(ctx, report) }

// Options configures a Monitor.
type Options struct {
	Clock   clock.Clock
	Sources []Source
}

// Monitor tracks connectivity. All methods are safe for concurrent use.
type Monitor struct {
	clk     clock.Clock
	sources []Source

	state atomic.Pointer[types.NetworkState]

	// mu serialises transitions so subscribers observe them in the same order
	// they were applied to state.
	mu  sync.Mutex
	hub *notify.Hub[types.NetworkState]

	initOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Monitor. Sources do not run until Initialize.
func New(opts Options) *Monitor {
	m := &Monitor{
		clk:     clock.Or(opts.Clock),
		sources: opts.Sources,
		hub:     notify.NewHub[types.NetworkState](),
	}
	m.state.Store(&types.NetworkState{
		Online:        true,
		LastChangedAt: m.clk.Now().UTC(),
		Quality:       types.QualityUnknown,
	})
	return m
}

// Initialize starts the configured sources. Calling it again is a no-op.
func (m *Monitor) Initialize(ctx context.Context) {
	m.initOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		for _, src := range m.sources {
			m.wg.Add(1)
			go func(src Source) {
				defer m.wg.Done()
				src.Run(ctx, func(s Signal) { m.Report(s) })
			}(src)
		}
		cur := m.Current()
		slog.Info("netmon: initialized", "online", cur.Online, "sources", len(m.sources))
	})
}

// Current returns the last known state. It never blocks on I/O.
func (m *Monitor) Current() types.NetworkState {
	return *m.state.Load()
}

// Subscribe registers fn for every subsequent transition.
func (m *Monitor) Subscribe(fn func(types.NetworkState)) *notify.Subscription {
	return m.hub.Subscribe(fn)
}

// Report applies a raw signal and reports whether it caused a transition.
func (m *Monitor) Report(s Signal) bool {
	if !s.Online {
		s.Quality = types.QualityUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.state.Load()
	if cur.Online == s.Online && cur.Quality == s.Quality {
		return false
	}
	next := &types.NetworkState{
		Online:        s.Online,
		LastChangedAt: m.clk.Now().UTC(),
		Quality:       s.Quality,
	}
	m.state.Store(next)
	m.hub.Publish(*next)

	if cur.Online != next.Online {
		slog.Info("netmon: connectivity changed", "online", next.Online, "quality", string(next.Quality))
	} else {
		slog.Debug("netmon: quality changed", "quality", string(next.Quality))
	}
	return true
}

// Close stops the sources and subscriber delivery.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.hub.Close()
}
