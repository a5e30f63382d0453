package pipeline

import (
	"testing"
	"time"
)

func TestDeadlineRemaining(t *testing.T) {
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	d := newDeadlineWithClock(2*time.Hour, clock)
	if d.Exceeded() {
		t.Fatal("fresh deadline must not be exceeded")
	}
	if d.Remaining() != 2*time.Hour {
		t.Fatalf("Remaining = %v, want 2h", d.Remaining())
	}

	now = now.Add(90 * time.Minute)
	if d.Remaining() != 30*time.Minute {
		t.Fatalf("Remaining = %v, want 30m", d.Remaining())
	}
	if d.Exceeded() {
		t.Fatal("deadline exceeded with 30m left")
	}

	now = now.Add(31 * time.Minute)
	if !d.Exceeded() {
		t.Fatal("expected deadline exceeded")
	}
	if d.Elapsed() != 121*time.Minute {
		t.Fatalf("Elapsed = %v, want 121m", d.Elapsed())
	}
}
