package credentials

import (
	"time"

	"callscribe/internal/retry"
	"callscribe/pkg/logger"
)

// PoolConfig holds the per-credential limits shared by the whole pool.
type PoolConfig struct {
	// ErrorBanThreshold is the consecutive-error count at which a
	// credential stops being selectable.
	ErrorBanThreshold int

	// Cooldown is how long a credential sits out after a quota rejection.
	Cooldown time.Duration

	// HourlyAudioSeconds is the provider's per-key audio-duration ceiling
	// per rolling hour.
	HourlyAudioSeconds float64
}

// DefaultPoolConfig returns the limits used when config leaves them unset.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ErrorBanThreshold:  5,
		Cooldown:           5 * time.Minute,
		HourlyAudioSeconds: 7200,
	}
}

// Pool owns the credential set. The pool itself is immutable after
// construction; all mutable state lives inside each Credential behind its
// own mutex.
type Pool struct {
	creds  []*Credential
	byID   map[string]*Credential
	config PoolConfig
	now    func() time.Time
	logger *logger.Logger
}

// NewPool builds a pool from configured credential identifiers, preserving
// declaration order for deterministic tie-breaking.
func NewPool(ids []string, config PoolConfig, log *logger.Logger) *Pool {
	if config.ErrorBanThreshold <= 0 {
		config.ErrorBanThreshold = DefaultPoolConfig().ErrorBanThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultPoolConfig().Cooldown
	}
	if config.HourlyAudioSeconds <= 0 {
		config.HourlyAudioSeconds = DefaultPoolConfig().HourlyAudioSeconds
	}

	p := &Pool{
		byID:   make(map[string]*Credential, len(ids)),
		config: config,
		now:    time.Now,
		logger: log.Named("credpool"),
	}
	for i, id := range ids {
		c := &Credential{id: id, index: i}
		p.creds = append(p.creds, c)
		p.byID[id] = c
	}

	p.logger.Info("Credential pool initialized",
		logger.Int("credentials", len(p.creds)),
		logger.Int("error_ban_threshold", config.ErrorBanThreshold),
		logger.Duration("cooldown", config.Cooldown),
		logger.Float64("hourly_audio_seconds", config.HourlyAudioSeconds))

	return p
}

// Size returns the number of configured credentials.
func (p *Pool) Size() int { return len(p.creds) }

// HourlyAudioSeconds returns the per-key hourly audio ceiling.
func (p *Pool) HourlyAudioSeconds() float64 { return p.config.HourlyAudioSeconds }

// ListUsable returns credentials whose cooldown has elapsed (or was never
// set) and whose consecutive-error count is below the ban threshold, in
// declaration order.
func (p *Pool) ListUsable() []*Credential {
	now := p.now()
	usable := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.usable(now, p.config.ErrorBanThreshold) {
			usable = append(usable, c)
		}
	}
	return usable
}

// RecordSuccess resets the credential's consecutive-error count and charges
// the estimated audio seconds against its hourly budget.
func (p *Pool) RecordSuccess(id string, audioSeconds float64) {
	c, ok := p.byID[id]
	if !ok {
		return
	}
	now := p.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollHour(now)
	c.consecutiveErrors = 0
	c.requests++
	c.successes++
	c.audioSecondsUsed += audioSeconds
}

// RecordFailure updates the credential's error state. Quota rejections are
// expected under load, not a key defect: they start a cooldown instead of
// counting toward the error ban, and a rejection arriving while the
// credential is already cooling down does not extend the cooldown.
func (p *Pool) RecordFailure(id string, kind retry.Kind) {
	c, ok := p.byID[id]
	if !ok {
		return
	}
	now := p.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollHour(now)
	c.requests++
	c.failures++
	c.lastFailure = now

	if kind == retry.KindQuotaExceeded {
		c.quotaHits++
		if c.cooldownUntil.IsZero() || !now.Before(c.cooldownUntil) {
			c.cooldownUntil = now.Add(p.config.Cooldown)
			p.logger.Warn("Credential entering cooldown after quota rejection",
				logger.String("credential", c.MaskedID()),
				logger.Time("cooldown_until", c.cooldownUntil))
		}
		return
	}

	c.consecutiveErrors++
	if c.consecutiveErrors == p.config.ErrorBanThreshold {
		p.logger.Warn("Credential reached consecutive-error ban threshold",
			logger.String("credential", c.MaskedID()),
			logger.Int("consecutive_errors", c.consecutiveErrors))
	}
}

// LeastRecentlyFailed returns the credential whose last failure is oldest.
// Last-resort pick when every credential is unusable, so the run degrades
// instead of stalling permanently.
func (p *Pool) LeastRecentlyFailed() *Credential {
	var best *Credential
	for _, c := range p.creds {
		c.mu.Lock()
		failedAt := c.lastFailure
		c.mu.Unlock()
		if best == nil {
			best = c
			continue
		}
		best.mu.Lock()
		bestFailedAt := best.lastFailure
		best.mu.Unlock()
		if failedAt.Before(bestFailedAt) {
			best = c
		}
	}
	return best
}

// ShortestCooldown returns the smallest remaining cooldown among
// credentials currently cooling down. The second return is false when no
// credential is in cooldown.
func (p *Pool) ShortestCooldown() (time.Duration, bool) {
	now := p.now()
	var shortest time.Duration
	found := false
	for _, c := range p.creds {
		c.mu.Lock()
		until := c.cooldownUntil
		c.mu.Unlock()
		if until.IsZero() || !now.Before(until) {
			continue
		}
		remaining := until.Sub(now)
		if !found || remaining < shortest {
			shortest = remaining
			found = true
		}
	}
	return shortest, found
}

// NextHourWindowReset returns how long until the earliest hourly audio
// window with recorded usage rolls over and frees capacity. The second
// return is false when no credential has spent any hourly budget, so
// waiting cannot help.
func (p *Pool) NextHourWindowReset() (time.Duration, bool) {
	now := p.now()
	var shortest time.Duration
	found := false
	for _, c := range p.creds {
		c.mu.Lock()
		start := c.hourWindowStart
		used := c.audioSecondsUsed
		c.mu.Unlock()
		if start.IsZero() || used <= 0 {
			continue
		}
		remaining := start.Add(time.Hour).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if !found || remaining < shortest {
			shortest = remaining
			found = true
		}
	}
	return shortest, found
}

// UsageReport snapshots every credential's counters in declaration order.
func (p *Pool) UsageReport() []Usage {
	now := p.now()
	report := make([]Usage, 0, len(p.creds))
	for _, c := range p.creds {
		report = append(report, c.usage(now))
	}
	return report
}
