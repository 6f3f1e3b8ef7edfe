// Package ratelimit provides per-key token buckets and the conversation
// creation cooldown built on top of them.
//
// Buckets is a process-local map of golang.org/x/time/rate limiters with
// opportunistic eviction of idle entries. It backs both the HTTP request
// limiter (middleware.RateLimiter) and the creation Cooldown. For
// horizontally scaled deployments use RedisCooldown for creation limits.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	gcEvery        = 5000
)

// visitor holds a single limiter and the last time it was used.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Buckets is a concurrency-safe set of token buckets keyed by string.
// Buckets idle for longer than the TTL are evicted every gcEvery lookups.
type Buckets struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

// NewBuckets returns buckets refilling at limit tokens per second with the
// given burst (values <= 0 are coerced to 1).
func NewBuckets(limit rate.Limit, burst int) *Buckets {
	if burst <= 0 {
		burst = 1
	}
	return &Buckets{
		limit:    limit,
		burst:    burst,
		ttl:      defaultIdleTTL,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Burst returns the configured bucket size.
func (b *Buckets) Burst() int { return b.burst }

// Len returns the number of live buckets.
func (b *Buckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.visitors)
}

// Get returns the limiter for key, creating it if absent.
//
// GC runs before the requested visitor is touched so an idle bucket can be
// evicted even when it is the one being fetched.
func (b *Buckets) Get(key string) *rate.Limiter {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lookups++
	if b.lookups >= gcEvery {
		for k, v := range b.visitors {
			if now.Sub(v.lastSeen) >= b.ttl {
				delete(b.visitors, k)
			}
		}
		b.lookups = 0
	}

	if v, ok := b.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(b.limit, b.burst)
	b.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Reserve takes one token from key's bucket at the current clock reading.
// It returns zero when the token was available, otherwise the wait until it
// would be, leaving the bucket untouched.
func (b *Buckets) Reserve(key string) time.Duration {
	now := b.now()
	lim := b.Get(key)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return b.ttl
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d
	}
	return 0
}
