// Package outbox is the public face of the outbound queue. The Coordinator
// accepts sends, answers queries and fans out change events; the scheduler
// it owns does the actual draining.
//
// Lifecycle:
//
//	c := outbox.New(store, adapter, monitor, cfg, outbox.Options{})
//	c.Initialize(ctx)      // recover interrupted attempts, start draining
//	id, err := c.Enqueue(ctx, msg)
//	...
//	c.Close()
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/outboxq/internal/clock"
	"github.com/snehjoshi/outboxq/internal/delivery"
	"github.com/snehjoshi/outboxq/internal/device"
	"github.com/snehjoshi/outboxq/internal/netmon"
	"github.com/snehjoshi/outboxq/internal/notify"
	"github.com/snehjoshi/outboxq/internal/scheduler"
	"github.com/snehjoshi/outboxq/internal/storage"
	"github.com/snehjoshi/outboxq/internal/types"
)

// ErrInvalidMessage is returned by Enqueue when a required field is missing
// or the payload is too large. The message is not persisted.
var ErrInvalidMessage = errors.New("outbox: invalid message")

// ErrNotFailed is returned when an operation that needs a failed entry finds
// one in another state.
var ErrNotFailed = errors.New("outbox: entry is not failed")

// ErrNotFound is returned when no entry exists for a LocalID.
var ErrNotFound = errors.New("outbox: entry not found")

// maxLocalIDLen bounds caller-supplied LocalIDs.
const maxLocalIDLen = 128

// Message is what a caller hands to Enqueue. LocalID is optional; when empty
// a ULID is minted. Supplying one makes the call idempotent.
type Message struct {
	LocalID        string        `json:"local_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	Payload        types.Payload `json:"payload"`
}

// Config tunes the coordinator.
type Config struct {
	Scheduler scheduler.Config
	// MaxPayloadBytes rejects larger payloads at Enqueue. 0 disables the check.
	MaxPayloadBytes int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Scheduler:       scheduler.DefaultConfig(),
		MaxPayloadBytes: 256 * 1024,
	}
}

// Options carries optional collaborators.
type Options struct {
	Clock clock.Clock
	// Rand feeds backoff jitter. nil uses math/rand/v2.
	Rand func() float64
	// OnResult observes every completed delivery attempt, e.g. for metrics.
	OnResult func(scheduler.Result)
}

// Coordinator owns the scheduler and the event hub. It does not own the
// store or the monitor; the caller closes those after Close.
type Coordinator struct {
	store   storage.Store
	monitor *netmon.Monitor
	sched   *scheduler.Scheduler
	ids     *device.Generator
	clk     clock.Clock
	cfg     Config
	opts    Options

	events *notify.Hub[Event]

	mu          sync.Mutex
	lastCreated int64
	seeded      bool

	netSub    *notify.Subscription
	initOnce  sync.Once
	initErr   error
	closeOnce sync.Once
}

// New wires a Coordinator. A nil monitor gets a private one that stays
// online until told otherwise.
func New(store storage.Store, adapter delivery.Adapter, monitor *netmon.Monitor, cfg Config, opts Options) *Coordinator {
	clk := clock.Or(opts.Clock)
	if monitor == nil {
		monitor = netmon.New(netmon.Options{Clock: clk})
	}
	c := &Coordinator{
		store:   store,
		monitor: monitor,
		ids:     device.NewGenerator(clk),
		clk:     clk,
		cfg:     cfg,
		opts:    opts,
		events:  notify.NewHub[Event](),
	}
	c.sched = scheduler.New(store, adapter, cfg.Scheduler, scheduler.Options{
		Online:   func() bool { return c.monitor.Current().Online },
		OnResult: c.onResult,
		Clock:    clk,
		Rand:     opts.Rand,
	})
	return c
}

// Initialize starts the monitor and the scheduler, subscribes to network
// transitions and runs a first flush. Safe to call more than once; only the
// first call does anything.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.initOnce.Do(func() {
		if err := c.seedClock(); err != nil {
			c.initErr = err
			return
		}
		c.monitor.Initialize(ctx)

		wasOnline := c.monitor.Current().Online
		var netMu sync.Mutex
		c.netSub = c.monitor.Subscribe(func(s types.NetworkState) {
			netMu.Lock()
			prev := wasOnline
			wasOnline = s.Online
			netMu.Unlock()
			if s.Online && !prev {
				slog.Info("outbox: back online, flushing")
				c.Flush()
			}
		})

		if err := c.sched.Start(ctx); err != nil {
			c.initErr = fmt.Errorf("outbox: initialize: %w", err)
			return
		}
		c.Flush()
		slog.Info("outbox: initialized", "online", c.monitor.Current().Online)
	})
	return c.initErr
}

// Close stops the scheduler, waiting up to the delivery timeout for running
// attempts, and releases event subscribers.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.netSub.Unsubscribe()
		ctx, cancel := context.WithTimeout(context.Background(), c.deliveryTimeout())
		defer cancel()
		c.sched.Stop(ctx)
		c.events.Close()
	})
}

func (c *Coordinator) deliveryTimeout() time.Duration {
	if d := c.cfg.Scheduler.DeliveryTimeout; d > 0 {
		return d
	}
	return scheduler.DefaultConfig().DeliveryTimeout
}

// ─── Commands ────────────────────────────────────────────────────────────────

// Enqueue validates and durably stores msg, then nudges the scheduler.
// It returns once the entry is on disk. Re-enqueueing a LocalID that is
// already queued returns that id without creating a second entry.
func (c *Coordinator) Enqueue(ctx context.Context, msg Message) (string, error) {
	if msg.Payload.Kind == "" {
		msg.Payload.Kind = types.PayloadText
	}
	if err := c.validate(msg); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := msg.LocalID
	if id != "" {
		if _, err := c.store.Get(id); err == nil {
			c.publish(Event{Kind: EventDeduplicated, LocalID: id, ConversationID: msg.ConversationID})
			return id, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("outbox: enqueue: %w", err)
		}
	}

	createdAt, err := c.nextCreatedAt()
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	if id == "" {
		if id, err = c.ids.NextAt(time.UnixMilli(createdAt)); err != nil {
			return "", fmt.Errorf("outbox: enqueue: %w", err)
		}
	}
	e := &types.Entry{
		LocalID:        id,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Payload:        msg.Payload,
		CreatedAt:      createdAt,
		// Eligibility follows the wall clock, not the ordering key.
		NextAttemptAt: c.clk.Now().UnixMilli(),
		State:         types.StatePending,
	}
	if err := c.store.Append(e); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			c.publish(Event{Kind: EventDeduplicated, LocalID: id, ConversationID: msg.ConversationID})
			return id, nil
		}
		slog.Error("outbox: enqueue failed", "local_id", id, "conversation_id", msg.ConversationID, "error", err)
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}

	slog.Debug("outbox: enqueued", "local_id", id, "conversation_id", msg.ConversationID)
	c.publish(Event{Kind: EventEnqueued, LocalID: id, ConversationID: msg.ConversationID})
	c.sched.Trigger()
	return id, nil
}

// RetryFailed moves a failed entry back to pending with a fresh attempt
// budget, due immediately.
func (c *Coordinator) RetryFailed(localID string) error {
	now := c.clk.Now().UnixMilli()
	e, err := c.store.Update(localID, func(x *types.Entry) error {
		if err := x.Move(types.StateFailed, types.StatePending); err != nil {
			return ErrNotFailed
		}
		x.Failure = types.FailureNone
		x.AttemptCount = 0
		x.UnknownAttempts = 0
		x.NextAttemptAt = now
		x.LastError = ""
		return nil
	})
	if err != nil {
		return c.mapErr("retry", localID, err)
	}
	slog.Info("outbox: retrying failed entry", "local_id", localID, "conversation_id", e.ConversationID)
	c.publish(Event{Kind: EventRetried, LocalID: localID, ConversationID: e.ConversationID})
	c.sched.Trigger()
	return nil
}

// Discard removes a failed entry. Discarding an entry that no longer exists
// is a no-op.
func (c *Coordinator) Discard(localID string) error {
	var conv string
	err := c.store.Remove(localID, func(x *types.Entry) error {
		if err := x.CheckRemove(types.StateFailed); err != nil {
			return ErrNotFailed
		}
		conv = x.ConversationID
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return c.mapErr("discard", localID, err)
	}
	slog.Info("outbox: discarded failed entry", "local_id", localID, "conversation_id", conv)
	c.publish(Event{Kind: EventDiscarded, LocalID: localID, ConversationID: conv})
	// A lane blocked behind the discarded head may now proceed.
	c.sched.Trigger()
	return nil
}

// Flush asks the scheduler for an immediate pass. It is a no-op while offline.
func (c *Coordinator) Flush() { c.sched.Trigger() }

// ─── Queries ─────────────────────────────────────────────────────────────────

// Stats folds the live entry set into counters.
func (c *Coordinator) Stats() (types.QueueStats, error) {
	entries, err := c.store.ListOrdered()
	if err != nil {
		return types.QueueStats{}, fmt.Errorf("outbox: stats: %w", err)
	}
	return types.Fold(entries), nil
}

// Entry returns a copy of one entry.
func (c *Coordinator) Entry(localID string) (*types.Entry, error) {
	e, err := c.store.Get(localID)
	if err != nil {
		return nil, c.mapErr("get", localID, err)
	}
	return e, nil
}

// Entries returns every live entry in delivery order.
func (c *Coordinator) Entries() ([]*types.Entry, error) {
	entries, err := c.store.ListOrdered()
	if err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	return entries, nil
}

// Network returns the current connectivity state.
func (c *Coordinator) Network() types.NetworkState { return c.monitor.Current() }

// Monitor exposes the network monitor so platform signals can be reported.
func (c *Coordinator) Monitor() *netmon.Monitor { return c.monitor }

// Subscribe registers fn for queue events. Call Unsubscribe on the returned
// handle to stop receiving them.
func (c *Coordinator) Subscribe(fn func(Event)) *notify.Subscription {
	return c.events.Subscribe(fn)
}

// SubscribeNetwork registers fn for connectivity transitions.
func (c *Coordinator) SubscribeNetwork(fn func(types.NetworkState)) *notify.Subscription {
	return c.monitor.Subscribe(fn)
}

// ─── internals ───────────────────────────────────────────────────────────────

func (c *Coordinator) validate(msg Message) error {
	switch {
	case strings.TrimSpace(msg.ConversationID) == "":
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidMessage)
	case strings.TrimSpace(msg.SenderID) == "":
		return fmt.Errorf("%w: sender_id is required", ErrInvalidMessage)
	case len(msg.LocalID) > maxLocalIDLen:
		return fmt.Errorf("%w: local_id longer than %d bytes", ErrInvalidMessage, maxLocalIDLen)
	}
	switch msg.Payload.Kind {
	case types.PayloadText, types.PayloadImage:
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrInvalidMessage, msg.Payload.Kind)
	}
	if msg.Payload.IsEmpty() {
		return fmt.Errorf("%w: empty %s payload", ErrInvalidMessage, msg.Payload.Kind)
	}
	if limit := c.cfg.MaxPayloadBytes; limit > 0 && msg.Payload.Size() > limit {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrInvalidMessage, msg.Payload.Size(), limit)
	}
	return nil
}

// seedClock loads the newest persisted CreatedAt so entries created after a
// restart never sort before existing ones.
func (c *Coordinator) seedClock() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seeded {
		return nil
	}
	entries, err := c.store.ListOrdered()
	if err != nil {
		return fmt.Errorf("outbox: load queue: %w", err)
	}
	if n := len(entries); n > 0 {
		c.lastCreated = entries[n-1].CreatedAt
	}
	c.seeded = true
	return nil
}

// nextCreatedAt returns now in UTC ms, bumped to one past the last value
// handed out when the clock has not moved forward. CreatedAt is therefore
// strictly increasing, which keeps submission order even when the clock
// steps back or two sends share a millisecond.
func (c *Coordinator) nextCreatedAt() (int64, error) {
	if err := c.seedClock(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now().UnixMilli()
	if now <= c.lastCreated {
		now = c.lastCreated + 1
	}
	c.lastCreated = now
	return now, nil
}

func (c *Coordinator) onResult(r scheduler.Result) {
	ev := Event{
		Kind:           kindOf(r.Outcome),
		LocalID:        r.LocalID,
		ConversationID: r.ConversationID,
		RemoteID:       r.RemoteID,
		Attempt:        r.Attempt,
		NextAttemptAt:  r.NextAttemptAt,
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	c.publish(ev)
	if c.opts.OnResult != nil {
		c.opts.OnResult(r)
	}
}

// publish attaches a fresh stats snapshot and fans ev out.
func (c *Coordinator) publish(ev Event) {
	if c.events.Len() == 0 {
		return
	}
	stats, err := c.Stats()
	if err != nil {
		slog.Warn("outbox: stats snapshot for event", "kind", ev.Kind, "error", err)
	}
	ev.Stats = stats
	c.events.Publish(ev)
}

func (c *Coordinator) mapErr(op, localID string, err error) error {
	switch {
	case errors.Is(err, ErrNotFailed):
		return fmt.Errorf("outbox: %s %s: %w", op, localID, ErrNotFailed)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("outbox: %s %s: %w", op, localID, ErrNotFound)
	default:
		return fmt.Errorf("outbox: %s %s: %w", op, localID, err)
	}
}
