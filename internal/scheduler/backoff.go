package scheduler

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays:
//
//	delay(n) = min(Cap, Base·2^(n-1)) − jitter,  jitter ∈ [0, Jitter·exp)
//
// Below Cap and with Jitter < 0.5, the shortest delay for attempt n+1 is
// longer than the longest delay for attempt n. At the step into Cap a delay
// may be shorter than the one before it. NextAttemptAt still strictly
// increases for consecutive failures, because each failure happens no earlier
// than the previous NextAttemptAt and every delay is positive.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// DefaultBackoff is 2s doubling to a 60s cap with 20% jitter.
var DefaultBackoff = Backoff{Base: 2 * time.Second, Cap: time.Minute, Jitter: 0.2}

// Delay returns the wait before the attempt following attempt number n
// (1-based). rnd returns a value in [0, 1); nil uses math/rand/v2.
func (b Backoff) Delay(n int, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	if b.Base <= 0 {
		return 0
	}
	limit := b.Cap
	if limit < b.Base {
		limit = b.Base
	}

	exp := b.Base
	for i := 1; i < n && exp < limit; i++ {
		exp *= 2
	}
	if exp > limit {
		exp = limit
	}

	if b.Jitter <= 0 {
		return exp
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	j := b.Jitter
	if j >= 0.5 {
		j = 0.49
	}
	return exp - time.Duration(float64(exp)*j*rnd())
}
