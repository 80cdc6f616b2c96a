package router

import (
	"sync"
	"time"
)

// breaker states.
const (
	stateClosed   = "closed"
	stateOpen     = "open"
	stateHalfOpen = "half-open"
)

// Breaker is a consecutive-failure circuit breaker guarding one generation
// tier. It is shared across sessions and does its own locking, independent
// of session locks.
type Breaker struct {
	mu sync.Mutex

	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	state     string
	failures  int
	firstFail time.Time
	openedAt  time.Time
	probing   bool
}

// NewBreaker creates a closed breaker. threshold consecutive failures within
// window open it; after cooldown a single probe call is allowed through.
func NewBreaker(threshold int, window, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
		state:     stateClosed,
	}
}

// Allow reports whether a call may proceed. In the half-open state only one
// probe is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			b.probing = true
			return true
		}
		return false
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess closes the breaker and clears failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure (timeouts included). A failed half-open
// probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = now
		b.probing = false
		return
	}

	if b.failures == 0 || now.Sub(b.firstFail) > b.window {
		b.failures = 0
		b.firstFail = now
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = now
		b.failures = 0
	}
}

// State returns the current state name, for logs and tests.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
