// Package ratelimit implements a per-user token bucket rate limiter for the
// gateway. Thread-safe. No background goroutines — tokens are refilled
// lazily on each Allow call, and idle buckets are pruned opportunistically.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleTTL is how long an untouched bucket survives before pruning.
const idleTTL = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute
}

// Limiter is a per-user token bucket rate limiter. Each user gets an
// independent bucket; one user cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	rate  float64 // tokens per second
	burst float64 // max bucket capacity

	// now is swappable for tests.
	now func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		users: make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Allow checks whether the user has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(user string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.refill(user, now)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--

	// Cheap opportunistic prune once the map gets busy.
	if len(l.users) > 1024 {
		l.prune(now)
	}
	return nil
}

// Remaining reports the whole tokens currently available to the user,
// without consuming any. Used for RateLimit-Remaining response headers.
func (l *Limiter) Remaining(user string) int {
	if l.rate <= 0 {
		return -1 // unlimited
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.refill(user, l.now()).tokens)
}

// refill updates the user's bucket to now, creating a full one on first use.
// Caller holds l.mu.
func (l *Limiter) refill(user string, now time.Time) *bucket {
	b, ok := l.users[user]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[user] = b
		return b
	}
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	return b
}

// prune drops buckets idle past the TTL. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	for user, b := range l.users {
		if now.Sub(b.lastFill) > idleTTL {
			delete(l.users, user)
		}
	}
}
