// Package delivery defines how a queue entry reaches the remote message store
// and how delivery failures are classified.
//
// Every Adapter forwards the entry's LocalID as an idempotency key. The
// scheduler may resend an entry whose previous attempt timed out after the
// backend had already accepted it; the backend (or the adapter itself, for
// Redis) uses the key to return the original remote id instead of storing the
// message twice.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/snehjoshi/outboxq/internal/types"
)

// Adapter sends one entry to the remote store and returns the remote id.
// Implementations must honour ctx cancellation and must not retry
// internally: retry policy belongs to the scheduler.
type Adapter interface {
	Send(ctx context.Context, e *types.Entry) (remoteID string, err error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, e *types.Entry) (string, error)

func (f AdapterFunc) Send(ctx context.Context, e *types.Entry) (string, error) { return f(ctx, e) }

// ─── Error taxonomy ──────────────────────────────────────────────────────────

// Kind classifies a delivery failure.
type Kind uint8

const (
	// KindUnknown: the adapter could not tell. Retried like transient, with a
	// ceiling.
	KindUnknown Kind = iota
	// KindTransient: network, timeout, throttling, server errors. Retried.
	KindTransient
	// KindPermanent: the backend rejected the payload. Never retried
	// automatically.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified delivery failure.
type Error struct {
	Kind Kind
	Err  error
	// RetryAfter is the server's requested minimum wait, zero if none.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "delivery: " + e.Kind.String() + " failure"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient failure.
func Transient(err error) error { return &Error{Kind: KindTransient, Err: err} }

// Permanent wraps err as a permanent failure.
func Permanent(err error) error { return &Error{Kind: KindPermanent, Err: err} }

// Classify returns the Kind of a non-nil delivery error.
//
// Errors already classified by an adapter keep their Kind. Otherwise
// deadlines, cancellations, dropped connections and every net.Error (dial
// failures, DNS errors, timeouts) are transient; anything else is unknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindUnknown
}

// RetryAfter returns the server-requested wait carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// ErrTimeout is reported when an adapter call outlives the delivery timeout
// without returning.
var ErrTimeout = fmt.Errorf("delivery: attempt timed out: %w", context.DeadlineExceeded)
