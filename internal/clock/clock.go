// Package clock abstracts wall-clock reads, periodic ticks and one-shot timers
// so that polling and backoff code can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the source of current time, tickers and timers.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer delivers a single tick on C once its duration has elapsed.
type Timer interface {
	C() <-chan time.Time
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer, false if it had already fired or been stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Or returns c, or the real clock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

// ─── Fake ─────────────────────────────────────────────────────────────────────

// Fake is a manually advanced Clock. Tickers and timers created from it fire
// only when Advance moves time past their deadline. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFake returns a Fake clock set to t.
func NewFake(t time.Time) *Fake { return &Fake{now: t} }

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker returns a ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTicker{
		c:      make(chan time.Time, 1),
		period: d,
		next:   f.now.Add(d),
		owner:  f,
	}
	f.tickers = append(f.tickers, ft)
	return ft
}

// NewTimer returns a one-shot timer driven by Advance. A timer with d <= 0
// fires immediately.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := &fakeTimer{
		c:     make(chan time.Time, 1),
		at:    f.now.Add(d),
		owner: f,
	}
	if d <= 0 {
		ft.fired = true
		ft.c <- f.now
		return ft
	}
	f.timers = append(f.timers, ft)
	return ft
}

// Timers returns the number of timers waiting to fire. Tests use it to know
// that a goroutine has armed its timer before calling Advance.
func (f *Fake) Timers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves the clock forward by d and fires every ticker and timer whose
// deadline has passed. A ticker whose channel is full drops the tick, like
// time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	live := f.tickers[:0]
	for _, ft := range f.tickers {
		if ft.stopped {
			continue
		}
		live = append(live, ft)
		if ft.period <= 0 {
			continue
		}
		for !ft.next.After(now) {
			select {
			case ft.c <- ft.next:
			default:
			}
			ft.next = ft.next.Add(ft.period)
		}
	}
	f.tickers = live

	pending := f.timers[:0]
	for _, ft := range f.timers {
		if ft.at.After(now) {
			pending = append(pending, ft)
			continue
		}
		ft.fired = true
		ft.c <- ft.at
	}
	f.timers = pending
	f.mu.Unlock()
}

// Set jumps the clock to t, which may be in the past. Tickers and timers do
// not fire.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

type fakeTicker struct {
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
	owner   *Fake
}

func (ft *fakeTicker) C() <-chan time.Time { return ft.c }

func (ft *fakeTicker) Stop() {
	ft.owner.mu.Lock()
	ft.stopped = true
	ft.owner.mu.Unlock()
}

type fakeTimer struct {
	c     chan time.Time
	at    time.Time
	fired bool
	owner *Fake
}

func (ft *fakeTimer) C() <-chan time.Time { return ft.c }

func (ft *fakeTimer) Stop() bool {
	f := ft.owner
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft.fired {
		return false
	}
	for i, t := range f.timers {
		if t == ft {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}
