// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for outboxq. It avoids the prometheus/client_golang package so
// the daemon stays small enough to embed next to a client app.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Enqueued                 →  key = "result"            (accepted | deduplicated)
//	Deliveries               →  key = "outcome\tkind"
//	DeliveryDurMs / DurCnt   →  key = "outcome"
//	Actions                  →  key = "action"            (retried | discarded)
//	NetworkTransitions       →  key = "state"             (online | offline)
//	HTTPReqs                 →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt   →  key = "method\tpath"
//
// Gauges (Breaker, queue state) are rendered from their current value at
// scrape time.
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all metrics
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/outboxq/internal/outbox"
	"github.com/snehjoshi/outboxq/internal/scheduler"
	"github.com/snehjoshi/outboxq/internal/types"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values. It doubles as a gauge through Set.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Set overwrites the value for key.
func (lc *labelCounter) Set(key string, n int64) { lc.get(key).Store(n) }

// Value returns the current value for key (0 if never touched).
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all outboxq application metrics. The zero value is ready
// to use.
type Registry struct {
	// Queue-level counters.
	Enqueued       labelCounter
	Deliveries     labelCounter
	DeliveryDurMs  labelCounter
	DeliveryDurCnt labelCounter
	Actions        labelCounter

	// Connectivity.
	NetworkTransitions labelCounter

	// Breaker state gauge. key = breaker name, value 0 closed, 1 half-open, 2 open.
	Breaker labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)

	statsMu sync.RWMutex
	stats   func() (types.QueueStats, error)
}

// SetStatsSource registers the function read at scrape time for the queue
// gauges.
func (r *Registry) SetStatsSource(fn func() (types.QueueStats, error)) {
	r.statsMu.Lock()
	r.stats = fn
	r.statsMu.Unlock()
}

// ─── Observers ────────────────────────────────────────────────────────────────

// ObserveResult records one completed delivery attempt. Wire it to
// outbox.Options.OnResult.
func (r *Registry) ObserveResult(res scheduler.Result) {
	kind := "none"
	if res.Err != nil {
		kind = res.Kind.String()
	}
	outcome := res.Outcome.String()
	r.Deliveries.Inc(DeliveryKey(outcome, kind))
	r.DeliveryDurMs.Add(outcome, res.Latency.Milliseconds())
	r.DeliveryDurCnt.Inc(outcome)
}

// ObserveEvent records coordinator events that are not delivery attempts.
func (r *Registry) ObserveEvent(ev outbox.Event) {
	switch ev.Kind {
	case outbox.EventEnqueued:
		r.Enqueued.Inc("accepted")
	case outbox.EventDeduplicated:
		r.Enqueued.Inc("deduplicated")
	case outbox.EventRetried, outbox.EventDiscarded:
		r.Actions.Inc(string(ev.Kind))
	}
}

// ObserveNetwork records a connectivity transition.
func (r *Registry) ObserveNetwork(s types.NetworkState) {
	if s.Online {
		r.NetworkTransitions.Inc("online")
		return
	}
	r.NetworkTransitions.Inc("offline")
}

// ObserveBreaker records a circuit breaker state change. Its signature
// matches delivery.BreakerSettings.OnStateChange.
func (r *Registry) ObserveBreaker(name, _, to string) {
	var v int64
	switch to {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	r.Breaker.Set(name, v)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── queue counters ────────────────────────────────────────────────────
		writeFamily(&b, "outboxq_messages_enqueued_total",
			"Total enqueue calls by result", "counter",
			func(fn func(labels, val string)) {
				r.Enqueued.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`result=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "outboxq_delivery_attempts_total",
			"Total delivery attempts by outcome and error kind", "counter",
			func(fn func(labels, val string)) {
				r.Deliveries.Each(func(key string, val int64) {
					outcome, kind := splitTwo(key)
					fn(fmt.Sprintf(`outcome=%q,kind=%q`, outcome, kind),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "outboxq_delivery_duration_milliseconds_sum",
			"Sum of delivery attempt durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.DeliveryDurMs.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`outcome=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "outboxq_delivery_duration_milliseconds_count",
			"Count of observed delivery attempt durations", "counter",
			func(fn func(labels, val string)) {
				r.DeliveryDurCnt.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`outcome=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "outboxq_failed_actions_total",
			"Total user actions on failed entries", "counter",
			func(fn func(labels, val string)) {
				r.Actions.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`action=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		// ── queue gauges ──────────────────────────────────────────────────────
		r.statsMu.RLock()
		statsFn := r.stats
		r.statsMu.RUnlock()
		if statsFn != nil {
			if s, err := statsFn(); err != nil {
				slog.Warn("metrics: queue stats unavailable", "error", err)
			} else {
				writeFamily(&b, "outboxq_queue_entries",
					"Live queue entries by state", "gauge",
					func(fn func(labels, val string)) {
						fn(`state="pending"`, fmt.Sprintf("%d", s.Pending-s.InFlight))
						fn(`state="in_flight"`, fmt.Sprintf("%d", s.InFlight))
						fn(`state="failed_permanent"`, fmt.Sprintf("%d", s.FailedCount-s.Exhausted))
						fn(`state="failed_exhausted"`, fmt.Sprintf("%d", s.Exhausted))
					})
			}
		}

		// ── connectivity ──────────────────────────────────────────────────────
		writeFamily(&b, "outboxq_network_transitions_total",
			"Total connectivity transitions by new state", "counter",
			func(fn func(labels, val string)) {
				r.NetworkTransitions.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`state=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "outboxq_circuit_breaker_state",
			"Delivery circuit breaker state (0 closed, 1 half-open, 2 open)", "gauge",
			func(fn func(labels, val string)) {
				r.Breaker.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`breaker=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "outboxq_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "outboxq_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "outboxq_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// DeliveryKey builds the label key used by Deliveries.
func DeliveryKey(outcome, kind string) string {
	return outcome + "\t" + kind
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
