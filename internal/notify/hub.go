// Package notify fans values out to subscribers without letting a slow
// subscriber block the publisher.
//
// Every subscriber owns a mailbox and a goroutine. Publish appends to each
// mailbox and returns immediately; the goroutine drains the mailbox in order,
// so deliveries to a single subscriber are FIFO in publish order.
//
// Subscriptions are explicit handles: whoever calls Subscribe owns the
// returned *Subscription and must call Unsubscribe on teardown. There is no
// package-level registry.
package notify

import (
	"log/slog"
	"sync"
)

// Hub broadcasts values of type T to its subscribers. The zero value is not
// usable; call NewHub.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

// NewHub returns an empty Hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery to the subscriber. Values still queued are
// dropped. Safe to call more than once and from inside the callback.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers fn. fn runs on a goroutine dedicated to this
// subscription and is never called concurrently with itself.
// Subscribing to a closed hub returns an inert handle.
func (h *Hub[T]) Subscribe(fn func(T)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return &Subscription{cancel: func() {}}
	}

	id := h.nextID
	h.nextID++
	sub := &subscriber[T]{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.subs[id] = sub
	go sub.run()

	return &Subscription{cancel: func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.stop()
	}}
}

// Publish queues v for every current subscriber. It never blocks on a
// subscriber callback.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		sub.push(v)
	}
}

// Len returns the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops every subscription. Later Publish calls are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*subscriber[T])
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// ─── subscriber ──────────────────────────────────────────────────────────────

type subscriber[T any] struct {
	fn func(T)

	mu       sync.Mutex
	mailbox  []T
	stopOnce sync.Once

	// signal has capacity 1; push sends without blocking so a pending signal
	// is enough to wake the goroutine for any number of queued values.
	signal chan struct{}
	done   chan struct{}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.mailbox = append(s.mailbox, v)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if len(s.mailbox) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.mailbox[0]
			var zero T
			s.mailbox[0] = zero
			s.mailbox = s.mailbox[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(v)
		}
	}
}

// deliver isolates a panicking callback so one bad subscriber cannot kill
// the goroutine that serves it.
func (s *subscriber[T]) deliver(v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notify: subscriber panicked", "panic", r)
		}
	}()
	s.fn(v)
}
