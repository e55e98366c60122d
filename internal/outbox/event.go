package outbox

import (
	"github.com/snehjoshi/outboxq/internal/scheduler"
	"github.com/snehjoshi/outboxq/internal/types"
)

// EventKind names what changed in the queue.
type EventKind string

const (
	EventEnqueued     EventKind = "enqueued"
	EventDeduplicated EventKind = "deduplicated"
	EventDelivered    EventKind = "delivered"
	EventRescheduled  EventKind = "rescheduled"
	EventFailed       EventKind = "failed"
	EventExhausted    EventKind = "exhausted"
	EventRetried      EventKind = "retried"
	EventDiscarded    EventKind = "discarded"
)

// Event is published after the store mutation it describes is durable.
// Stats is the queue snapshot taken right after that mutation.
type Event struct {
	Kind           EventKind        `json:"kind"`
	LocalID        string           `json:"local_id"`
	ConversationID string           `json:"conversation_id,omitempty"`
	RemoteID       string           `json:"remote_id,omitempty"`
	Attempt        int              `json:"attempt,omitempty"`
	NextAttemptAt  int64            `json:"next_attempt_at,omitempty"`
	Error          string           `json:"error,omitempty"`
	Stats          types.QueueStats `json:"stats"`
}

func kindOf(o scheduler.Outcome) EventKind {
	switch o {
	case scheduler.OutcomeDelivered:
		return EventDelivered
	case scheduler.OutcomeFailed:
		return EventFailed
	case scheduler.OutcomeExhausted:
		return EventExhausted
	default:
		return EventRescheduled
	}
}
