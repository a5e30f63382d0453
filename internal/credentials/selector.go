package credentials

import (
	"errors"
	"time"

	"callscribe/internal/ratelimit"
)

// ErrNoCapacity means usable credentials exist but none has enough hourly
// audio budget left for the job. The job should be deferred, not dropped.
var ErrNoCapacity = errors.New("no usable credential has hourly capacity for this job")

// ErrPoolExhausted means no credential is usable at all.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Selector picks the best credential for the next transcription job by
// combining remaining hourly audio capacity with remaining per-minute
// request capacity.
type Selector struct {
	pool    *Pool
	limiter *ratelimit.SlidingWindowLimiter

	// SafetyFactor shrinks the usable share of the hourly ceiling so the
	// pipeline stays inside the provider's true limit under estimation
	// error. Defaults to 0.9.
	safetyFactor float64

	now func() time.Time
}

// NewSelector creates a selector over the given pool and per-credential
// limiter.
func NewSelector(pool *Pool, limiter *ratelimit.SlidingWindowLimiter, safetyFactor float64) *Selector {
	if safetyFactor <= 0 || safetyFactor > 1 {
		safetyFactor = 0.9
	}
	return &Selector{
		pool:         pool,
		limiter:      limiter,
		safetyFactor: safetyFactor,
		now:          time.Now,
	}
}

// Pick returns the highest-scoring usable credential able to absorb
// audioSeconds within its hourly budget.
//
//	score = (hourRemaining / hourTotal) * (minuteRemaining / minuteTotal)
//
// Ties break on fewer consecutive errors, then on declaration order, so
// selection is deterministic for a given pool state.
func (s *Selector) Pick(audioSeconds float64) (*Credential, error) {
	usable := s.pool.ListUsable()
	if len(usable) == 0 {
		return nil, ErrPoolExhausted
	}

	now := s.now()
	hourTotal := s.pool.HourlyAudioSeconds()
	minuteTotal := float64(s.limiter.Limit())

	var best *Credential
	var bestScore float64

	for _, c := range usable {
		hourRemaining := c.audioSecondsRemaining(now, hourTotal)
		if c.audioSecondsUsedLocked(now)+audioSeconds > hourTotal*s.safetyFactor {
			continue
		}

		minuteRemaining := minuteTotal - float64(s.limiter.InWindow(c.ID()))
		if minuteRemaining < 0 {
			minuteRemaining = 0
		}

		score := (hourRemaining / hourTotal) * (minuteRemaining / minuteTotal)

		switch {
		case best == nil, score > bestScore:
			best, bestScore = c, score
		case score == bestScore:
			if c.errorCount() < best.errorCount() {
				best = c
			}
			// equal errors: keep the earlier declaration (usable is
			// already in declaration order)
		}
	}

	if best == nil {
		return nil, ErrNoCapacity
	}
	return best, nil
}

// audioSecondsUsedLocked reads the hour-window usage under the credential
// lock, rolling the window first.
func (c *Credential) audioSecondsUsedLocked(now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollHour(now)
	return c.audioSecondsUsed
}
