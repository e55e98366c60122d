// Package types contains the core domain types shared across all outboxq
// internal packages. It has zero imports of other outboxq packages so that the
// storage, scheduler and outbox layers can all depend on it without cycles.
package types

import (
	"strings"
	"time"
)

// State is the lifecycle state of a queue entry. There is no "sent" state:
// a confirmed delivery deletes the entry.
type State uint8

const (
	// StatePending means the entry is waiting for its next delivery attempt.
	StatePending State = iota
	// StateInFlight means a delivery attempt is currently running. At most one
	// entry per conversation may be in this state.
	StateInFlight
	// StateFailed is terminal until the user retries or discards the entry.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name so persisted records stay readable.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatePending
	case "in_flight":
		*s = StateInFlight
	case "failed":
		*s = StateFailed
	default:
		return &UnknownValueError{Field: "state", Value: string(b)}
	}
	return nil
}

// Failure records why an entry reached StateFailed. It keeps a rejected
// message distinguishable from one that ran out of retries.
type Failure uint8

const (
	FailureNone Failure = iota
	// FailurePermanent: the backend rejected the payload (validation, size,
	// authorization). Retrying the same payload will not help.
	FailurePermanent
	// FailureExhausted: transient or unclassified errors exceeded the retry
	// ceiling.
	FailureExhausted
)

func (f Failure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailurePermanent:
		return "permanent"
	case FailureExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

func (f Failure) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Failure) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none", "":
		*f = FailureNone
	case "permanent":
		*f = FailurePermanent
	case "exhausted":
		*f = FailureExhausted
	default:
		return &UnknownValueError{Field: "failure", Value: string(b)}
	}
	return nil
}

// UnknownValueError is returned when a persisted enum value is not recognised.
type UnknownValueError struct {
	Field string
	Value string
}

func (e *UnknownValueError) Error() string {
	return "types: unknown " + e.Field + " value " + `"` + e.Value + `"`
}

// PayloadKind distinguishes text messages from image references.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadImage PayloadKind = "image"
)

// Payload is the user-authored content of a message.
type Payload struct {
	Kind     PayloadKind       `json:"kind"`
	Text     string            `json:"text,omitempty"`
	ImageRef string            `json:"image_ref,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsEmpty reports whether the payload carries nothing worth sending.
func (p Payload) IsEmpty() bool {
	switch p.Kind {
	case PayloadImage:
		return strings.TrimSpace(p.ImageRef) == ""
	default:
		return strings.TrimSpace(p.Text) == ""
	}
}

// Size is the approximate encoded size of the payload in bytes.
func (p Payload) Size() int {
	n := len(p.Text) + len(p.ImageRef)
	for k, v := range p.Metadata {
		n += len(k) + len(v)
	}
	return n
}

// Entry is the durable record of a single send waiting to be delivered.
//
// Rules:
//   - LocalID is generated on the client, globally unique and immutable. It is
//     the deduplication key and the idempotency key forwarded to the backend.
//   - CreatedAt is the client clock in UTC milliseconds. It orders entries and
//     is never used for conflict resolution.
//   - Only optional fields may be added. Persisted entries must stay readable.
type Entry struct {
	LocalID        string  `json:"local_id"`
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	SenderName     string  `json:"sender_name,omitempty"`
	Payload        Payload `json:"payload"`

	CreatedAt     int64 `json:"created_at"`
	AttemptCount  int   `json:"attempt_count"`
	NextAttemptAt int64 `json:"next_attempt_at"`
	State         State `json:"state"`
	// UnknownAttempts counts attempts whose error could not be classified.
	// It is a subset of AttemptCount.
	UnknownAttempts int `json:"unknown_attempts,omitempty"`

	Failure   Failure `json:"failure,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Payload.Metadata != nil {
		c.Payload.Metadata = make(map[string]string, len(e.Payload.Metadata))
		for k, v := range e.Payload.Metadata {
			c.Payload.Metadata[k] = v
		}
	}
	return &c
}

// EligibleAt reports whether a pending entry may be attempted at nowMs.
func (e *Entry) EligibleAt(nowMs int64) bool {
	return e.State == StatePending && e.NextAttemptAt <= nowMs
}

// Less orders entries by CreatedAt, breaking ties on LocalID.
func Less(a, b *Entry) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.LocalID < b.LocalID
}

// Quality is an optional hint about link quality when the platform signal
// distinguishes it.
type Quality string

const (
	QualityUnknown  Quality = ""
	QualityFull     Quality = "full"
	QualityDegraded Quality = "degraded"
)

// NetworkState is the process-wide connectivity value owned by the network
// monitor.
type NetworkState struct {
	Online        bool      `json:"online"`
	LastChangedAt time.Time `json:"last_changed_at"`
	Quality       Quality   `json:"quality,omitempty"`
}

// QueueStats is derived from the live entry set and never stored.
type QueueStats struct {
	TotalMessages int `json:"total_messages"`
	// Pending counts pending and in-flight entries.
	Pending     int `json:"pending"`
	InFlight    int `json:"in_flight"`
	FailedCount int `json:"failed_count"`
	// Exhausted is the subset of FailedCount that ran out of retries.
	Exhausted int `json:"exhausted"`
}

// Fold computes QueueStats over a set of live entries.
func Fold(entries []*Entry) QueueStats {
	var s QueueStats
	for _, e := range entries {
		s.TotalMessages++
		switch e.State {
		case StatePending:
			s.Pending++
		case StateInFlight:
			s.Pending++
			s.InFlight++
		case StateFailed:
			s.FailedCount++
			if e.Failure == FailureExhausted {
				s.Exhausted++
			}
		}
	}
	return s
}
