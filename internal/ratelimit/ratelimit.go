// Package ratelimit provides per-client token buckets for the directory
// server. Each client gets a bucket of rpm tokens refilled continuously over a
// minute; a request that finds its bucket empty is refused with the time
// until the next token.
package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has no tokens left.
type ErrRateLimited struct {
	Key        string
	Limit      int
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited %s (%d/min), retry after %s", e.Key, e.Limit, e.RetryAfter.Round(time.Millisecond))
}

type bucket struct {
	tokens    float64
	lastRefil time.Time
}

// Limiter holds one bucket per key. A zero rpm disables limiting.
type Limiter struct {
	rpm int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time

	// nowFunc allows tests to inject a fake clock.
	nowFunc func() time.Time
}

func New(rpm int) *Limiter {
	return &Limiter{rpm: rpm, buckets: map[string]*bucket{}, nowFunc: time.Now}
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) error {
	if l == nil || l.rpm <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rpm), lastRefil: now}
		l.buckets[key] = b
	}

	perSecond := float64(l.rpm) / 60.0
	b.tokens += now.Sub(b.lastRefil).Seconds() * perSecond
	if b.tokens > float64(l.rpm) {
		b.tokens = float64(l.rpm)
	}
	b.lastRefil = now

	if b.tokens < 1.0 {
		wait := time.Duration((1.0 - b.tokens) / perSecond * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return &ErrRateLimited{Key: key, Limit: l.rpm, RetryAfter: wait}
	}
	b.tokens--
	return nil
}

// sweep drops buckets idle for a full refill period. Such a bucket is full,
// so recreating it later changes nothing for its client.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastRefil) >= time.Minute {
			delete(l.buckets, key)
		}
	}
}

// Middleware refuses requests with 429 once keyFn's bucket is empty.
func (l *Limiter) Middleware(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := l.Allow(keyFn(r)); err != nil {
				var rl *ErrRateLimited
				if errors.As(err, &rl) {
					secs := int(rl.RetryAfter.Seconds() + 0.999)
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
				http.Error(w, err.Error(), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
