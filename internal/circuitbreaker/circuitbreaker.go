// Package circuitbreaker stops a CallableService from dialing a target that
// keeps failing. After threshold consecutive failures the breaker opens and
// rejects calls for the cooldown; the first call after that is a probe whose
// outcome closes or reopens it. Other calls are rejected while the probe is
// outstanding.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrOpen is returned while the breaker rejects calls.
type ErrOpen struct {
	Target  string
	LastErr string
	RetryIn time.Duration
}

func (e *ErrOpen) Error() string {
	if e.RetryIn <= 0 {
		return fmt.Sprintf("%s unavailable: probe in flight after %q", e.Target, e.LastErr)
	}
	return fmt.Sprintf("%s unavailable after %q, next probe in %s", e.Target, e.LastErr, e.RetryIn.Round(time.Millisecond))
}

// Breaker guards one target. A nil Breaker or a threshold of zero lets
// everything through.
type Breaker struct {
	target    string
	threshold int
	cooldown  time.Duration
	nowFunc   func() time.Time

	mu          sync.Mutex
	state       State
	consecutive int
	lastFailure string
	reopenAt    time.Time
}

func New(target string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{target: target, threshold: threshold, cooldown: cooldown, nowFunc: time.Now}
}

func (b *Breaker) disabled() bool {
	return b == nil || b.threshold <= 0
}

// Allow reports whether a call may proceed, moving an expired open breaker
// to half-open and admitting the caller as its probe.
func (b *Breaker) Allow() error {
	if b.disabled() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		return b.rejection(0)
	case Open:
		wait := b.reopenAt.Sub(b.nowFunc())
		if wait > 0 {
			return b.rejection(wait)
		}
		b.state = HalfOpen
	}
	return nil
}

func (b *Breaker) rejection(wait time.Duration) error {
	return &ErrOpen{Target: b.target, LastErr: b.lastFailure, RetryIn: wait}
}

func (b *Breaker) RecordSuccess() {
	if b.disabled() {
		return
	}
	b.mu.Lock()
	b.state = Closed
	b.consecutive = 0
	b.mu.Unlock()
}

func (b *Breaker) RecordFailure(err error) {
	if b.disabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = "unknown error"
	if err != nil {
		b.lastFailure = err.Error()
	}
	b.consecutive++
	if b.state == HalfOpen || b.consecutive >= b.threshold {
		b.state = Open
		b.reopenAt = b.nowFunc().Add(b.cooldown)
	}
}

// Release ends a call that says nothing about the target's health. A probe
// released this way hands the half-open slot to the next caller.
func (b *Breaker) Release() {
	if b.disabled() {
		return
	}
	b.mu.Lock()
	if b.state == HalfOpen {
		b.state = Open
	}
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
