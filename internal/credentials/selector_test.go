package credentials

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"callscribe/internal/ratelimit"
	"callscribe/internal/retry"
)

func newTestSelector(t *testing.T, clock *stubClock, rpm int, ids ...string) (*Selector, *Pool, *ratelimit.SlidingWindowLimiter) {
	t.Helper()
	p := newTestPool(t, clock, ids...)
	limiter := ratelimit.NewSlidingWindowWithClock(rpm, time.Minute, clock.now,
		func(ctx context.Context, d time.Duration) error {
			clock.advance(d)
			return nil
		})
	s := NewSelector(p, limiter, 0.9)
	s.now = clock.now
	return s, p, limiter
}

func TestPickPrefersLeastLoadedCredential(t *testing.T) {
	clock := newStubClock()
	s, p, _ := newTestSelector(t, clock, 300, "key-alpha-0001", "key-bravo-0002")

	p.RecordSuccess("key-alpha-0001", 3600)

	c, err := s.Pick(60)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if c.ID() != "key-bravo-0002" {
		t.Fatalf("expected the unused credential, got %s", c.ID())
	}
}

func TestPickTieBreaksOnDeclarationOrder(t *testing.T) {
	clock := newStubClock()
	s, _, _ := newTestSelector(t, clock, 300, "key-alpha-0001", "key-bravo-0002", "key-charlie-03")

	c, err := s.Pick(60)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if c.ID() != "key-alpha-0001" {
		t.Fatalf("expected first declared credential on a fresh pool, got %s", c.ID())
	}
}

func TestPickTieBreaksOnFewerErrors(t *testing.T) {
	clock := newStubClock()
	s, p, _ := newTestSelector(t, clock, 300, "key-alpha-0001", "key-bravo-0002")

	// A transient error charges no audio, so the scores stay equal and the
	// error streak decides.
	p.RecordFailure("key-alpha-0001", retry.KindTransient)

	c, err := s.Pick(60)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if c.ID() != "key-bravo-0002" {
		t.Fatalf("expected the credential without errors, got %s", c.ID())
	}
}

func TestPickRespectsSafetyBuffer(t *testing.T) {
	clock := newStubClock()
	s, p, _ := newTestSelector(t, clock, 300, "key-alpha-0001")

	// 6400 of 7200 used; safety factor 0.9 caps the spend at 6480. A 100s
	// job would land at 6500, over the buffered ceiling.
	p.RecordSuccess("key-alpha-0001", 6400)

	if _, err := s.Pick(100); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}

	// An 80s job still fits.
	if _, err := s.Pick(80); err != nil {
		t.Fatalf("expected 80s job to fit under the buffer, got %v", err)
	}
}

func TestPickPoolExhausted(t *testing.T) {
	clock := newStubClock()
	s, p, _ := newTestSelector(t, clock, 300, "key-alpha-0001")

	p.RecordFailure("key-alpha-0001", retry.KindQuotaExceeded)

	if _, err := s.Pick(60); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted during cooldown, got %v", err)
	}
}

func TestPickDistributesJobsEvenly(t *testing.T) {
	clock := newStubClock()
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("key-%02d-padding-0000", i)
	}
	s, p, limiter := newTestSelector(t, clock, 300, ids...)

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		c, err := s.Pick(30)
		if err != nil {
			t.Fatalf("Pick %d: %v", i, err)
		}
		if err := limiter.Wait(context.Background(), c.ID()); err != nil {
			t.Fatalf("limiter.Wait: %v", err)
		}
		p.RecordSuccess(c.ID(), 30)
		counts[c.ID()]++
	}

	for id, n := range counts {
		if n < 15 || n > 25 {
			t.Fatalf("uneven distribution: %s handled %d of 100 jobs", id, n)
		}
	}
}
