package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides whether and when a failed stage attempt may run again.
// One policy instance is shared by the whole pipeline; it is stateless.
type Policy struct {
	// MaxAttempts is the per-stage retry budget. A job attempt counter at
	// or above this value makes the failure terminal.
	MaxAttempts int

	// BaseDelay is the first transient backoff delay. Subsequent transient
	// delays double per attempt up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the transient backoff growth.
	MaxDelay time.Duration

	// QuotaDelay is the fixed wait after a quota rejection. The provider's
	// window resets on a fixed cadence, so the delay does not grow with
	// the attempt count.
	QuotaDelay time.Duration
}

// DefaultPolicy returns the retry policy used when config leaves the
// tuning knobs unset.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    90 * time.Second,
		QuotaDelay:  15 * time.Second,
	}
}

// ShouldRetry reports whether a failure of the given kind, observed on the
// given zero-based attempt, may be retried.
func (p Policy) ShouldRetry(kind Kind, attempt int) bool {
	if !kind.Retryable() {
		return false
	}
	return attempt+1 < p.MaxAttempts
}

// Delay returns how long to wait before the next attempt. Transient
// failures back off exponentially: min(base * 2^attempt, cap). Quota
// rejections wait a fixed interval. Auth expiry retries immediately after
// re-authentication.
func (p Policy) Delay(kind Kind, attempt int) time.Duration {
	switch kind {
	case KindTransient:
		d := p.BaseDelay
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
		if d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	case KindQuotaExceeded:
		return p.QuotaDelay
	default:
		return 0
	}
}

// Wait sleeps for d, returning early if ctx is cancelled.
func (p Policy) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewBackOff builds a context-aware exponential backoff matching the
// policy's transient parameters, for call-sites that retry inline (HTTP
// helpers) rather than through the scheduler's state machine.
func (p Policy) NewBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by max retries, not elapsed time
	var wrapped backoff.BackOff = backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1))
	return backoff.WithContext(wrapped, ctx)
}
