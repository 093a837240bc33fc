package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter manages per-driver rate limits using a token bucket per key
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*entry
	perMinute int
	idleTTL   time.Duration
	now       func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing perMinute events per key, with bursts of
// up to perMinute. A non-positive perMinute disables limiting.
func New(perMinute int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*entry),
		perMinute: perMinute,
		idleTTL:   10 * time.Minute,
		now:       time.Now,
	}
}

// Allow reports whether key may send one more event now
func (rl *RateLimiter) Allow(key string) bool {
	if rl.perMinute <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.limiters[key]
	if !ok {
		e = &entry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.perMinute),
		}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune drops limiters idle for longer than the TTL and returns how many
// were removed.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, e := range rl.limiters {
		if now.Sub(e.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
