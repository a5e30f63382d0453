package credentials

import (
	"sync"
	"time"
)

// Credential is one transcription API key with its usage accounting. Every
// mutation goes through the credential's own mutex, never a pool-wide lock,
// so workers on different keys never contend.
type Credential struct {
	id    string
	index int // declaration order, used as the final tie-break

	mu                sync.Mutex
	audioSecondsUsed  float64
	hourWindowStart   time.Time
	consecutiveErrors int
	cooldownUntil     time.Time
	lastFailure       time.Time

	// lifetime counters for the run summary
	requests  int
	successes int
	failures  int
	quotaHits int
}

// ID returns the raw credential identifier. Callers must mask it before
// logging.
func (c *Credential) ID() string { return c.id }

// Index returns the credential's declaration position.
func (c *Credential) Index() int { return c.index }

// MaskedID returns the identifier shortened for logs: first 8 and last 4
// characters.
func (c *Credential) MaskedID() string {
	if len(c.id) <= 12 {
		return "..."
	}
	return c.id[:8] + "..." + c.id[len(c.id)-4:]
}

// rollHour resets the audio accounting once per rolling hour measured from
// the window start, not aligned to wall-clock hours. Caller holds c.mu.
func (c *Credential) rollHour(now time.Time) {
	if c.hourWindowStart.IsZero() {
		c.hourWindowStart = now
		return
	}
	if now.Sub(c.hourWindowStart) >= time.Hour {
		c.audioSecondsUsed = 0
		c.hourWindowStart = now
	}
}

// usable reports whether the credential may be selected: no active cooldown
// and a consecutive-error count below the ban threshold.
func (c *Credential) usable(now time.Time, banThreshold int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consecutiveErrors >= banThreshold {
		return false
	}
	return c.cooldownUntil.IsZero() || !now.Before(c.cooldownUntil)
}

// audioSecondsRemaining returns the hourly audio budget still available,
// after rolling the window if it elapsed.
func (c *Credential) audioSecondsRemaining(now time.Time, hourlyCeiling float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollHour(now)
	remaining := hourlyCeiling - c.audioSecondsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Credential) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}

// Usage is a point-in-time snapshot of one credential's counters, exposed
// through the run summary and the status API.
type Usage struct {
	MaskedID          string    `json:"credential"`
	Requests          int       `json:"requests"`
	Successes         int       `json:"successes"`
	Failures          int       `json:"failures"`
	QuotaHits         int       `json:"quota_hits"`
	AudioSecondsUsed  float64   `json:"audio_seconds_used"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	CoolingDown       bool      `json:"cooling_down"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
}

func (c *Credential) usage(now time.Time) Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := Usage{
		MaskedID:          c.MaskedID(),
		Requests:          c.requests,
		Successes:         c.successes,
		Failures:          c.failures,
		QuotaHits:         c.quotaHits,
		AudioSecondsUsed:  c.audioSecondsUsed,
		ConsecutiveErrors: c.consecutiveErrors,
	}
	if !c.cooldownUntil.IsZero() && now.Before(c.cooldownUntil) {
		u.CoolingDown = true
		u.CooldownUntil = c.cooldownUntil
	}
	return u
}
