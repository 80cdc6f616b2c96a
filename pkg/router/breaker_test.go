package router

import (
	"testing"
	"time"
)

func newTestBreaker(threshold int, window, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, window, cooldown)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 20*time.Second)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("breaker still closed after 3 failures")
	}
	if b.State() != stateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}

func TestBreakerWindowResetsFailureCount(t *testing.T) {
	b, now := newTestBreaker(3, 10*time.Second, 20*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	*now = now.Add(11 * time.Second) // outside the window
	b.RecordFailure()
	if !b.Allow() {
		t.Fatalf("failures outside window must not accumulate")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Second, 20*time.Second)

	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("breaker should be open")
	}

	*now = now.Add(21 * time.Second)
	if !b.Allow() {
		t.Fatalf("cooldown elapsed, probe should be admitted")
	}
	if b.Allow() {
		t.Fatalf("only one probe may be in flight")
	}

	// Failed probe reopens.
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("failed probe must reopen the breaker")
	}

	// Successful probe closes.
	*now = now.Add(21 * time.Second)
	if !b.Allow() {
		t.Fatalf("second probe should be admitted")
	}
	b.RecordSuccess()
	if b.State() != stateClosed || !b.Allow() {
		t.Fatalf("successful probe must close the breaker")
	}
}

func TestBreakerSuccessClearsHistory(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second, 20*time.Second)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatalf("success must reset the consecutive-failure count")
	}
}
