package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestKindOfClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"classified", NewError(KindQuotaExceeded, errors.New("slow down")), KindQuotaExceeded},
		{"wrapped classified", fmt.Errorf("upload: %w", NewError(KindAuthExpired, errors.New("401"))), KindAuthExpired},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"429 in message", errors.New("provider returned 429"), KindQuotaExceeded},
		{"rate limit in message", errors.New("rate limit reached for model"), KindQuotaExceeded},
		{"401 in message", errors.New("got 401 from gateway"), KindAuthExpired},
		{"connection reset", errors.New("read tcp: connection reset by peer"), KindTransient},
		{"unexpected eof", errors.New("unexpected EOF"), KindTransient},
		{"anything else", errors.New("invalid audio container"), KindPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindQuotaExceeded},
		{http.StatusUnauthorized, KindAuthExpired},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusNotFound, KindPermanent},
		{http.StatusBadRequest, KindPermanent},
		{http.StatusOK, KindNone},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.status); got != tc.want {
			t.Fatalf("ClassifyStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestRetryableKinds(t *testing.T) {
	retryable := []Kind{KindQuotaExceeded, KindAuthExpired, KindTransient}
	terminal := []Kind{KindNone, KindPermanent, KindOversized}

	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("expected %s to be retryable", k)
		}
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Fatalf("expected %s to be terminal", k)
		}
	}
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	body := strings.Repeat("x", 1000)
	err := StatusError(http.StatusBadRequest, body)
	if err.Kind != KindPermanent {
		t.Fatalf("kind = %s, want permanent", err.Kind)
	}
	if len(err.Error()) > 400 {
		t.Fatalf("error message not truncated: %d chars", len(err.Error()))
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := NewError(KindTransient, fmt.Errorf("wrapped: %w", inner))
	if !errors.Is(err, inner) {
		t.Fatal("expected errors.Is to reach the inner error")
	}
}

func TestPolicyDelayGrowsExponentiallyForTransient(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, QuotaDelay: 15 * time.Second}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for attempt, expected := range want {
		if got := p.Delay(KindTransient, attempt); got != expected {
			t.Fatalf("Delay(transient, %d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestPolicyDelayIsFixedForQuota(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 0; attempt < 3; attempt++ {
		if got := p.Delay(KindQuotaExceeded, attempt); got != p.QuotaDelay {
			t.Fatalf("Delay(quota, %d) = %v, want %v", attempt, got, p.QuotaDelay)
		}
	}
}

func TestPolicyShouldRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute, QuotaDelay: time.Second}

	if !p.ShouldRetry(KindTransient, 0) {
		t.Fatal("first transient failure must be retried")
	}
	if !p.ShouldRetry(KindTransient, 1) {
		t.Fatal("second transient failure must be retried")
	}
	if p.ShouldRetry(KindTransient, 2) {
		t.Fatal("third failure exhausts 3 attempts")
	}
	if p.ShouldRetry(KindPermanent, 0) {
		t.Fatal("permanent failures are never retried")
	}
	if p.ShouldRetry(KindOversized, 0) {
		t.Fatal("oversized failures are never retried")
	}
}

func TestPolicyWaitHonoursCancellation(t *testing.T) {
	p := DefaultPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx, time.Hour); err == nil {
		t.Fatal("expected cancelled wait to return an error")
	}
}
