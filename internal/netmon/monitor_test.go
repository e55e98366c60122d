package netmon_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snehjoshi/outboxq/internal/clock"
	"github.com/snehjoshi/outboxq/internal/netmon"
	"github.com/snehjoshi/outboxq/internal/types"
)

func TestMonitor_StartsOptimistic(t *testing.T) {
	m := netmon.New(netmon.Options{})
	defer m.Close()

	cur := m.Current()
	if !cur.Online {
		t.Error("new monitor should report online")
	}
	if cur.Quality != types.QualityUnknown {
		t.Errorf("quality: want unknown, got %q", cur.Quality)
	}
}

func TestMonitor_ReportIgnoresDuplicates(t *testing.T) {
	m := netmon.New(netmon.Options{})
	defer m.Close()

	var mu sync.Mutex
	var seen []types.NetworkState
	sub := m.Subscribe(func(s types.NetworkState) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	steps := []struct {
		sig  netmon.Signal
		want bool
	}{
		{netmon.Signal{Online: true}, false}, // same as initial
		{netmon.Signal{Online: false}, true},
		{netmon.Signal{Online: false}, false},
		{netmon.Signal{Online: true, Quality: types.QualityDegraded}, true},
		{netmon.Signal{Online: true, Quality: types.QualityFull}, true},
	}
	for i, st := range steps {
		if got := m.Report(st.sig); got != st.want {
			t.Errorf("step %d: Report(%+v) = %v, want %v", i, st.sig, got, st.want)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("want 3 transitions, got %d", len(seen))
	}
	if seen[0].Online || !seen[1].Online || seen[2].Quality != types.QualityFull {
		t.Errorf("transitions out of order: %+v", seen)
	}
}

func TestMonitor_OfflineClearsQuality(t *testing.T) {
	m := netmon.New(netmon.Options{})
	defer m.Close()

	m.Report(netmon.Signal{Online: false, Quality: types.QualityDegraded})
	if q := m.Current().Quality; q != types.QualityUnknown {
		t.Errorf("offline quality: want unknown, got %q", q)
	}
}

func TestMonitor_LastChangedAtUsesClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := clock.NewFake(start)
	m := netmon.New(netmon.Options{Clock: clk})
	defer m.Close()

	clk.Advance(time.Minute)
	m.Report(netmon.Signal{Online: false})
	if got := m.Current().LastChangedAt; !got.Equal(start.Add(time.Minute)) {
		t.Errorf("LastChangedAt: want %v, got %v", start.Add(time.Minute), got)
	}
}

func TestMonitor_InitializeIsIdempotent(t *testing.T) {
	var runs atomic.Int32
	src := netmon.SourceFunc(func(ctx context.Context, report func(netmon.Signal)) {
		runs.Add(1)
		report(netmon.Signal{Online: false})
		<-ctx.Done()
	})
	m := netmon.New(netmon.Options{Sources: []netmon.Source{src}})

	m.Initialize(context.Background())
	m.Initialize(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.Current().Online {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Current().Online {
		t.Fatal("source signal never applied")
	}
	m.Close()
	if n := runs.Load(); n != 1 {
		t.Errorf("source started %d times, want 1", n)
	}
}

// ─── Prober ──────────────────────────────────────────────────────────────────

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestProber_GoesOfflineAfterThreshold(t *testing.T) {
	var down atomic.Bool
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if down.Load() {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Request: r}, nil
	})}

	clk := clock.NewFake(time.Now())
	p := &netmon.Prober{
		URL:              "http://probe.invalid/health",
		Interval:         time.Second,
		FailureThreshold: 2,
		Client:           client,
		Clock:            clk,
	}

	signals := make(chan netmon.Signal, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, func(s netmon.Signal) { signals <- s })
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case s := <-signals:
		if !s.Online || s.Quality != types.QualityFull {
			t.Fatalf("first probe: want online/full, got %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial probe")
	}

	down.Store(true)
	failuresSeen := 0
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(time.Second)
		select {
		case s := <-signals:
			if s.Online {
				continue
			}
			failuresSeen++
		case <-time.After(20 * time.Millisecond):
		}
		if failuresSeen > 0 {
			break
		}
	}
	if failuresSeen == 0 {
		t.Fatal("prober never reported offline")
	}
}

func TestProber_SingleMissKeepsState(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("i/o timeout")
		}
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
	})}

	clk := clock.NewFake(time.Now())
	p := &netmon.Prober{URL: "http://probe.invalid", Interval: time.Second, FailureThreshold: 2, Client: client, Clock: clk}

	signals := make(chan netmon.Signal, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, func(s netmon.Signal) { signals <- s })
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		clk.Advance(time.Second)
		select {
		case s := <-signals:
			if !s.Online {
				t.Fatalf("single failed probe reported offline")
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("no signal after recovery")
}
