package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCooldown is the minimum spacing between two conversation creations
// by the same user.
const DefaultCooldown = 3 * time.Second

// ErrLimited is matched by every *LimitError.
var ErrLimited = errors.New("rate limited")

// LimitError reports a refused action and how long the caller should wait.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrLimited) hold.
func (e *LimitError) Is(target error) bool { return target == ErrLimited }

// RetryAfterSeconds rounds the wait up to whole seconds, minimum 1, for the
// Retry-After header.
func (e *LimitError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter decides whether key may act now. A refusal is a *LimitError.
type Limiter interface {
	Check(ctx context.Context, key string) error
}

// Cooldown allows one action per key per window. Time is read from the
// monotonic clock so wall-clock jumps do not shorten or extend the window.
// State is process-local.
type Cooldown struct {
	window  time.Duration
	buckets *Buckets
}

// NewCooldown returns a cooldown of the given window (DefaultCooldown when
// window <= 0).
func NewCooldown(window time.Duration) *Cooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	b := NewBuckets(rate.Every(window), 1)
	if b.ttl < window {
		b.ttl = window
	}
	return &Cooldown{window: window, buckets: b}
}

// Window returns the configured cooldown.
func (c *Cooldown) Window() time.Duration { return c.window }

// Check records an action for key, or refuses it with the remaining wait.
func (c *Cooldown) Check(_ context.Context, key string) error {
	if wait := c.buckets.Reserve(key); wait > 0 {
		return &LimitError{RetryAfter: wait}
	}
	return nil
}

// Unlimited never refuses.
type Unlimited struct{}

// Check always succeeds.
func (Unlimited) Check(context.Context, string) error { return nil }
