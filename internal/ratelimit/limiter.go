package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultEpsilon pads every computed wait so the limiter never lands
// exactly on the provider's window boundary under clock skew or network
// latency.
const DefaultEpsilon = 100 * time.Millisecond

// SlidingWindowLimiter admits at most `limit` calls per trailing window for
// each resource key. Each key has its own lock and timestamp list, so
// admission on one credential never blocks another.
type SlidingWindowLimiter struct {
	limit   int
	window  time.Duration
	epsilon time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex // guards the key map only, never held while waiting
	keys map[string]*windowState
}

type windowState struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewSlidingWindow creates a limiter admitting `limit` calls per `window`
// for each key.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:   limit,
		window:  window,
		epsilon: DefaultEpsilon,
		now:     time.Now,
		sleep:   sleepCtx,
		keys:    make(map[string]*windowState),
	}
}

// NewSlidingWindowWithClock creates a limiter with an injected time source,
// used by tests to simulate bursts without real sleeping.
func NewSlidingWindowWithClock(limit int, window time.Duration, now func() time.Time, sleep func(context.Context, time.Duration) error) *SlidingWindowLimiter {
	l := NewSlidingWindow(limit, window)
	l.now = now
	l.sleep = sleep
	return l
}

func (l *SlidingWindowLimiter) state(key string) *windowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.keys[key]
	if !ok {
		st = &windowState{}
		l.keys[key] = st
	}
	return st
}

// Wait blocks until a call against key is safe, then records the admission.
// The read-prune-append sequence holds the key's lock, so concurrent
// workers cannot over-admit; the lock is released while sleeping.
func (l *SlidingWindowLimiter) Wait(ctx context.Context, key string) error {
	st := l.state(key)

	for {
		st.mu.Lock()
		now := l.now()
		st.prune(now, l.window)

		if len(st.stamps) < l.limit {
			st.stamps = append(st.stamps, now)
			st.mu.Unlock()
			return nil
		}

		// Window is full: wait until the oldest entry ages out, then
		// re-check (time passing may have expired more than one entry).
		wait := l.window - now.Sub(st.stamps[0]) + l.epsilon
		st.mu.Unlock()

		if wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// InWindow returns how many admissions for key are still inside the
// trailing window. Used by the credential selector for capacity scoring.
func (l *SlidingWindowLimiter) InWindow(key string) int {
	st := l.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prune(l.now(), l.window)
	return len(st.stamps)
}

// Limit returns the per-window admission ceiling.
func (l *SlidingWindowLimiter) Limit() int { return l.limit }

// prune drops entries older than the window. Caller holds st.mu.
func (st *windowState) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(st.stamps) && now.Sub(st.stamps[cut]) >= window {
		cut++
	}
	if cut > 0 {
		st.stamps = st.stamps[cut:]
	}
}

// IntervalLimiter serializes calls against one shared resource, admitting
// at most one call per interval. The telephony provider's media endpoint
// gets a stricter interval than its metadata endpoint, so the pipeline
// holds two of these.
type IntervalLimiter struct {
	interval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	next time.Time
}

// NewInterval creates a limiter enforcing a minimum gap between calls.
func NewInterval(interval time.Duration) *IntervalLimiter {
	return &IntervalLimiter{
		interval: interval,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// NewIntervalWithClock creates an interval limiter with an injected time
// source for tests.
func NewIntervalWithClock(interval time.Duration, now func() time.Time, sleep func(context.Context, time.Duration) error) *IntervalLimiter {
	l := NewInterval(interval)
	l.now = now
	l.sleep = sleep
	return l
}

// Wait blocks until the minimum interval since the previous admission has
// elapsed. Concurrent callers reserve consecutive slots, so the gap holds
// regardless of worker count.
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	var wait time.Duration
	if now.Before(l.next) {
		wait = l.next.Sub(now)
		l.next = l.next.Add(l.interval)
	} else {
		l.next = now.Add(l.interval)
	}
	l.mu.Unlock()

	if wait > 0 {
		return l.sleep(ctx, wait)
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
