// ABOUTME: Reconnect scheduling: an exponential backoff held as a deadline in engine state
// ABOUTME: The engine waits on the deadline with a timer so cancellation unwinds it immediately

package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retrySchedule decides when the next connection attempt may start.
type retrySchedule struct {
	policy  *backoff.ExponentialBackOff
	retryAt time.Time
}

func newRetrySchedule(o Options) *retrySchedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.BackoffBase
	b.MaxInterval = o.BackoffMax
	b.RandomizationFactor = o.BackoffJitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &retrySchedule{policy: b}
}

// schedule pushes the next attempt out by one backoff step and returns the delay.
func (r *retrySchedule) schedule(now time.Time) time.Duration {
	d := r.policy.NextBackOff()
	r.retryAt = now.Add(d)
	return d
}

// reset clears the deadline and restarts the backoff sequence.
func (r *retrySchedule) reset() {
	r.policy.Reset()
	r.retryAt = time.Time{}
}

// wait blocks until the scheduled deadline or ctx ends.
func (r *retrySchedule) wait(ctx context.Context) error {
	if r.retryAt.IsZero() {
		return ctx.Err()
	}
	d := time.Until(r.retryAt)
	r.retryAt = time.Time{}
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
