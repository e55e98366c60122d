package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/snehjoshi/outboxq/internal/clock"
)

// wakeTimer calls fire(lane) once a lane's dueAt has passed.
//
// Usage:
//
//	w := newWakeTimer(clk)
//	w.Start(ctx, func(lane string) { s.Trigger() })
//	defer w.Stop()
//
//	w.Schedule("conv-1", nextAttemptAt)
//
// All methods are safe for concurrent use.
type wakeTimer struct {
	clk clock.Clock

	mu     sync.Mutex
	h      minHeap
	byLane map[string]*item

	// notify has capacity 1. Schedule signals it when a new item might be
	// due sooner than the current sleep, prompting the goroutine to
	// re-evaluate its sleep duration.
	notify chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWakeTimer(clk clock.Clock) *wakeTimer {
	h := make(minHeap, 0, 16)
	heap.Init(&h)
	return &wakeTimer{
		clk:    clock.Or(clk),
		h:      h,
		byLane: make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule sets (or replaces) the wake-up time of lane.
func (w *wakeTimer) Schedule(lane string, dueAt int64) {
	w.mu.Lock()
	if prev, ok := w.byLane[lane]; ok {
		if prev.dueAt == dueAt {
			w.mu.Unlock()
			return
		}
		w.h.remove(prev.heapIdx)
		delete(w.byLane, lane)
	}
	it := &item{lane: lane, dueAt: dueAt}
	heap.Push(&w.h, it)
	w.byLane[lane] = it
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Cancel drops the wake-up of lane, if any.
func (w *wakeTimer) Cancel(lane string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if it, ok := w.byLane[lane]; ok {
		w.h.remove(it.heapIdx)
		delete(w.byLane, lane)
	}
}

// Len returns the number of scheduled wake-ups.
func (w *wakeTimer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byLane)
}

// Start launches the timer goroutine. Start must be called exactly once.
func (w *wakeTimer) Start(ctx context.Context, fire func(lane string)) {
	w.wg.Add(1)
	go w.run(ctx, fire)
}

// Stop shuts down the goroutine and waits for it to exit.
func (w *wakeTimer) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *wakeTimer) run(ctx context.Context, fire func(lane string)) {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		var next *item
		if w.h.Len() > 0 {
			next = w.h[0]
		}
		var dueAt int64
		if next != nil {
			dueAt = next.dueAt
		}
		w.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case <-w.notify:
			}
			continue
		}

		delay := time.Duration(dueAt-w.clk.Now().UnixMilli()) * time.Millisecond
		if delay <= 0 {
			if lane, ok := w.popDue(); ok {
				fire(lane)
			}
			continue
		}

		t := w.clk.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-w.done:
			t.Stop()
			return
		case <-w.notify:
			// A sooner item may have arrived; re-evaluate from the top.
			t.Stop()
		case <-t.C():
		}
	}
}

// popDue removes the root if it is due and returns its lane.
func (w *wakeTimer) popDue() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.h.Len() == 0 || w.h[0].dueAt > w.clk.Now().UnixMilli() {
		return "", false
	}
	it := heap.Pop(&w.h).(*item)
	delete(w.byLane, it.lane)
	return it.lane, true
}
