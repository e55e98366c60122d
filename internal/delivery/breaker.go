package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/snehjoshi/outboxq/internal/types"
)

// BreakerSettings configures WithBreaker.
type BreakerSettings struct {
	Name string
	// ConsecutiveFailures trips the breaker. Default 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing. Default 30s.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes let through when half-open.
	HalfOpenRequests uint32
	// OnStateChange observes transitions, e.g. for metrics.
	OnStateChange func(name, from, to string)
}

// Breaker is an Adapter guarded by a circuit breaker. While the circuit is
// open, Send fails fast with a transient error instead of waiting out the
// delivery timeout against a backend that is known to be down.
//
// Permanent rejections prove the backend is reachable, so they are passed
// through without counting as breaker failures.
type Breaker struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker
}

var _ Adapter = (*Breaker)(nil)

// WithBreaker wraps next in a circuit breaker.
func WithBreaker(next Adapter, s BreakerSettings) *Breaker {
	if s.Name == "" {
		s.Name = "delivery"
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	threshold := s.ConsecutiveFailures
	onChange := s.OnStateChange

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("delivery: circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if onChange != nil {
				onChange(name, from.String(), to.String())
			}
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Send forwards to the wrapped adapter through the breaker.
func (b *Breaker) Send(ctx context.Context, e *types.Entry) (string, error) {
	var rejected error
	out, err := b.cb.Execute(func() (interface{}, error) {
		id, err := b.next.Send(ctx, e)
		if err != nil && Classify(err) == KindPermanent {
			rejected = err
			return "", nil
		}
		return id, err
	})
	if rejected != nil {
		return "", rejected
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", Transient(fmt.Errorf("delivery: circuit %s: %w", b.cb.Name(), err))
	}
	if err != nil {
		return "", err
	}
	id, _ := out.(string)
	return id, nil
}

// State returns the breaker state: "closed", "half-open" or "open".
func (b *Breaker) State() string { return b.cb.State().String() }
