// Package scheduler drains the persisted queue: it picks eligible lane heads,
// runs delivery attempts with bounded concurrency and writes each outcome back
// to the store as a single transition.
//
// Lanes are conversations. Within a lane at most one entry is in flight and
// entries are attempted strictly in (CreatedAt, LocalID) order. Different
// lanes progress independently, so a stalled conversation never holds up
// another one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/outboxq/internal/clock"
	"github.com/snehjoshi/outboxq/internal/delivery"
	"github.com/snehjoshi/outboxq/internal/storage"
	"github.com/snehjoshi/outboxq/internal/types"
)

// maxErrorLen bounds Entry.LastError.
const maxErrorLen = 512

// errStale aborts a store transaction whose entry changed since it was read.
var errStale = errors.New("scheduler: entry changed concurrently")

// Outcome is the result of one delivery attempt.
type Outcome uint8

const (
	// OutcomeDelivered: the backend confirmed the message and the entry was removed.
	OutcomeDelivered Outcome = iota
	// OutcomeRescheduled: the attempt failed and the entry is pending again.
	OutcomeRescheduled
	// OutcomeFailed: the backend rejected the message permanently.
	OutcomeFailed
	// OutcomeExhausted: retries ran out.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRescheduled:
		return "rescheduled"
	case OutcomeFailed:
		return "failed"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result is reported once per completed attempt, after the store transition
// has been committed.
type Result struct {
	LocalID        string
	ConversationID string
	RemoteID       string
	Outcome        Outcome
	Attempt        int
	// NextAttemptAt is set for OutcomeRescheduled (UTC ms).
	NextAttemptAt int64
	Kind          delivery.Kind
	Err           error
	Latency       time.Duration
}

// Config tunes retry and concurrency behaviour.
type Config struct {
	Backoff Backoff
	// DeliveryTimeout bounds a single attempt. Default 20s.
	DeliveryTimeout time.Duration
	// MaxTransientAttempts caps attempts that end in transient errors.
	// 0 means unlimited.
	MaxTransientAttempts int
	// MaxUnknownAttempts caps attempts whose errors cannot be classified.
	// Transient attempts do not count toward it.
	// Default 10.
	MaxUnknownAttempts int
	// Workers bounds concurrent attempts across lanes. Default 4.
	Workers int
	// BlockOnFailed keeps later entries of a lane waiting behind a failed head.
	BlockOnFailed bool
	// RatePerSec limits attempt starts. 0 disables the limiter.
	RatePerSec float64
	Burst      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:            DefaultBackoff,
		DeliveryTimeout:    20 * time.Second,
		MaxUnknownAttempts: 10,
		Workers:            4,
		BlockOnFailed:      true,
		RatePerSec:         20,
		Burst:              20,
	}
}

// Options wires the scheduler to the rest of the process.
type Options struct {
	// Online gates passes. nil means always online.
	Online func() bool
	// OnResult observes every completed attempt.
	OnResult func(Result)
	Clock    clock.Clock
	// Rand returns jitter samples in [0, 1). nil uses math/rand/v2.
	Rand func() float64
}

// Scheduler runs selection passes over the store.
type Scheduler struct {
	store   storage.Store
	adapter delivery.Adapter
	cfg     Config
	opts    Options
	clk     clock.Clock

	trigger chan struct{}
	wake    *wakeTimer
	sem     chan struct{}
	limiter *rate.Limiter

	mu   sync.Mutex
	busy map[string]bool // lanes with an attempt running in this process

	loopCtx       context.Context
	loopCancel    context.CancelFunc
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
	loopWG        sync.WaitGroup
	attempts      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Scheduler. Call Start to begin draining.
func New(store storage.Store, adapter delivery.Adapter, cfg Config, opts Options) *Scheduler {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 20 * time.Second
	}
	if cfg.MaxUnknownAttempts <= 0 {
		cfg.MaxUnknownAttempts = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	s := &Scheduler{
		store:   store,
		adapter: adapter,
		cfg:     cfg,
		opts:    opts,
		clk:     clock.Or(opts.Clock),
		trigger: make(chan struct{}, 1),
		sem:     make(chan struct{}, cfg.Workers),
		busy:    make(map[string]bool),
	}
	s.wake = newWakeTimer(s.clk)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	s.attemptCtx, s.attemptCancel = context.WithCancel(context.Background())
	return s
}

// Recover reverts entries left in_flight by a previous process to pending so
// they are retried. The attempt count is kept.
func (s *Scheduler) Recover() (int, error) {
	entries, err := s.store.ListOrdered()
	if err != nil {
		return 0, fmt.Errorf("scheduler: recover: %w", err)
	}
	now := s.clk.Now().UnixMilli()
	n := 0
	for _, e := range entries {
		if e.State != types.StateInFlight {
			continue
		}
		_, err := s.store.Update(e.LocalID, func(x *types.Entry) error {
			if err := x.Move(types.StateInFlight, types.StatePending); err != nil {
				return errStale
			}
			x.NextAttemptAt = now
			return nil
		})
		if errors.Is(err, errStale) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("scheduler: recover %s: %w", e.LocalID, err)
		}
		n++
	}
	if n > 0 {
		slog.Info("scheduler: recovered interrupted attempts", "count", n)
	}
	return n, nil
}

// Start recovers interrupted attempts and launches the selection loop.
// ctx cancellation stops the loop the same way Stop does, minus the drain.
func (s *Scheduler) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if _, err = s.Recover(); err != nil {
			return
		}
		s.wake.Start(s.loopCtx, func(string) { s.Trigger() })
		s.loopWG.Add(1)
		go s.loop(ctx)
		s.Trigger()
	})
	return err
}

// Trigger requests a selection pass. Non-blocking; concurrent triggers
// coalesce into one pass.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop halts selection, waits for running attempts until ctx expires, then
// cancels whatever is still running. Cancelled attempts go back to pending.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.loopCancel()
		s.loopWG.Wait()
		s.wake.Stop()

		done := make(chan struct{})
		go func() {
			s.attempts.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("scheduler: drain deadline reached, cancelling attempts")
			s.attemptCancel()
			<-done
		}
		s.attemptCancel()
	})
}

// Busy reports whether lane has an attempt running.
func (s *Scheduler) Busy(lane string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[lane]
}

func (s *Scheduler) loop(parent context.Context) {
	defer s.loopWG.Done()
	for {
		select {
		case <-parent.Done():
			return
		case <-s.loopCtx.Done():
			return
		case <-s.trigger:
			s.pass()
		}
	}
}

func (s *Scheduler) online() bool {
	return s.opts.Online == nil || s.opts.Online()
}

// ─── Selection ───────────────────────────────────────────────────────────────

// pass dispatches every eligible lane head it can find a worker for and arms
// the wake timer for lane heads still inside their backoff window.
func (s *Scheduler) pass() {
	if !s.online() {
		return
	}
	entries, err := s.store.ListOrdered()
	if err != nil {
		slog.Error("scheduler: list entries", "error", err)
		return
	}
	now := s.clk.Now().UnixMilli()
	decided := make(map[string]bool)

	for _, e := range entries {
		lane := e.ConversationID
		if decided[lane] {
			continue
		}
		switch e.State {
		case types.StateInFlight:
			decided[lane] = true
		case types.StateFailed:
			// A failed head either blocks its lane or is skipped so the next
			// entry becomes the effective head.
			if s.cfg.BlockOnFailed {
				decided[lane] = true
			}
		case types.StatePending:
			decided[lane] = true
			if e.NextAttemptAt > now {
				s.wake.Schedule(lane, e.NextAttemptAt)
				continue
			}
			if s.Busy(lane) {
				continue
			}
			select {
			case s.sem <- struct{}{}:
			default:
				// All workers busy; a completing attempt triggers the next pass.
				return
			}
			if !s.dispatch(e, now) {
				<-s.sem
			}
		}
	}
}

// dispatch claims e (pending → in_flight, AttemptCount+1) and starts the
// attempt. It reports whether an attempt was started.
func (s *Scheduler) dispatch(e *types.Entry, now int64) bool {
	claimed, err := s.store.Update(e.LocalID, func(x *types.Entry) error {
		if !x.EligibleAt(now) {
			return errStale
		}
		if err := x.Move(types.StatePending, types.StateInFlight); err != nil {
			return errStale
		}
		x.AttemptCount++
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) && !errors.Is(err, storage.ErrNotFound) {
			slog.Error("scheduler: claim entry", "local_id", e.LocalID, "error", err)
		}
		return false
	}

	s.mu.Lock()
	s.busy[claimed.ConversationID] = true
	s.mu.Unlock()

	s.attempts.Add(1)
	go s.attempt(claimed)
	return true
}

// ─── Attempt ─────────────────────────────────────────────────────────────────

func (s *Scheduler) attempt(e *types.Entry) {
	defer s.attempts.Done()
	defer func() {
		<-s.sem
		s.mu.Lock()
		delete(s.busy, e.ConversationID)
		s.mu.Unlock()
		s.Trigger()
	}()

	if s.limiter != nil {
		if err := s.limiter.Wait(s.attemptCtx); err != nil {
			s.revert(e)
			return
		}
	}

	start := time.Now()
	remoteID, err := s.send(e)
	latency := time.Since(start)

	if err != nil && s.attemptCtx.Err() != nil {
		s.revert(e)
		return
	}
	if err == nil {
		s.succeed(e, remoteID, latency)
		return
	}
	s.fail(e, err, latency)
}

// send runs the adapter under the delivery timeout. An adapter that ignores
// its context is abandoned when the timeout fires and the attempt counts as
// a transient failure.
func (s *Scheduler) send(e *types.Entry) (string, error) {
	ctx, cancel := context.WithTimeout(s.attemptCtx, s.cfg.DeliveryTimeout)
	defer cancel()

	type reply struct {
		id  string
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		id, err := s.adapter.Send(ctx, e.Clone())
		ch <- reply{id, err}
	}()

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", delivery.ErrTimeout
		}
		return "", ctx.Err()
	}
}

func (s *Scheduler) succeed(e *types.Entry, remoteID string, latency time.Duration) {
	err := s.store.Remove(e.LocalID, func(x *types.Entry) error {
		if err := x.CheckRemove(types.StateInFlight); err != nil {
			return errStale
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		// The backend has the message but the entry survives. Resending is
		// safe because the LocalID doubles as the idempotency key.
		slog.Error("scheduler: remove delivered entry", "local_id", e.LocalID, "error", err)
		s.revert(e)
		return
	}
	slog.Debug("scheduler: delivered", "local_id", e.LocalID, "conversation_id", e.ConversationID,
		"remote_id", remoteID, "attempt", e.AttemptCount)
	s.report(Result{
		LocalID:        e.LocalID,
		ConversationID: e.ConversationID,
		RemoteID:       remoteID,
		Outcome:        OutcomeDelivered,
		Attempt:        e.AttemptCount,
		Latency:        latency,
	})
}

func (s *Scheduler) fail(e *types.Entry, cause error, latency time.Duration) {
	kind := delivery.Classify(cause)
	now := s.clk.Now()

	outcome := OutcomeRescheduled
	switch kind {
	case delivery.KindPermanent:
		outcome = OutcomeFailed
	case delivery.KindTransient:
		if s.cfg.MaxTransientAttempts > 0 && e.AttemptCount >= s.cfg.MaxTransientAttempts {
			outcome = OutcomeExhausted
		}
	default:
		// Only unclassified attempts count toward this ceiling; earlier
		// transient failures do not use it up.
		if e.UnknownAttempts+1 >= s.cfg.MaxUnknownAttempts {
			outcome = OutcomeExhausted
		}
	}

	var next int64
	if outcome == OutcomeRescheduled {
		delay := s.cfg.Backoff.Delay(e.AttemptCount, s.opts.Rand)
		if ra := delivery.RetryAfter(cause); ra > delay {
			delay = ra
		}
		next = now.Add(delay).UnixMilli()
	}

	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}

	to := types.StatePending
	if outcome != OutcomeRescheduled {
		to = types.StateFailed
	}
	_, err := s.store.Update(e.LocalID, func(x *types.Entry) error {
		if err := x.Move(types.StateInFlight, to); err != nil {
			return errStale
		}
		x.LastError = msg
		if kind == delivery.KindUnknown {
			x.UnknownAttempts++
		}
		switch outcome {
		case OutcomeFailed:
			x.Failure = types.FailurePermanent
		case OutcomeExhausted:
			x.Failure = types.FailureExhausted
		default:
			x.NextAttemptAt = next
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) && !errors.Is(err, storage.ErrNotFound) {
			slog.Error("scheduler: record attempt failure", "local_id", e.LocalID, "error", err)
		}
		return
	}

	level := slog.LevelInfo
	if outcome != OutcomeRescheduled {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "scheduler: attempt failed",
		"local_id", e.LocalID,
		"conversation_id", e.ConversationID,
		"attempt", e.AttemptCount,
		"kind", kind.String(),
		"outcome", outcome.String(),
		"error", cause,
	)
	s.report(Result{
		LocalID:        e.LocalID,
		ConversationID: e.ConversationID,
		Outcome:        outcome,
		Attempt:        e.AttemptCount,
		NextAttemptAt:  next,
		Kind:           kind,
		Err:            cause,
		Latency:        latency,
	})
}

// revert puts an interrupted attempt back to pending, due immediately.
func (s *Scheduler) revert(e *types.Entry) {
	now := s.clk.Now().UnixMilli()
	_, err := s.store.Update(e.LocalID, func(x *types.Entry) error {
		if err := x.Move(types.StateInFlight, types.StatePending); err != nil {
			return errStale
		}
		x.NextAttemptAt = now
		return nil
	})
	if err != nil && !errors.Is(err, errStale) && !errors.Is(err, storage.ErrNotFound) {
		// Left in_flight; Recover fixes it on the next start.
		slog.Error("scheduler: revert interrupted attempt", "local_id", e.LocalID, "error", err)
	}
}

func (s *Scheduler) report(r Result) {
	if s.opts.OnResult != nil {
		s.opts.OnResult(r)
	}
}
