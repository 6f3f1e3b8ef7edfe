package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCooldown is a Cooldown shared by every instance pointing at the same
// Redis. The first action sets key with a PX expiry; later actions within the
// window see the key and are refused with its remaining TTL.
//
// Redis errors fail open: the action is allowed and the error is logged.
type RedisCooldown struct {
	client redis.Cmdable
	window time.Duration
	prefix string
}

// NewRedisCooldown returns a shared cooldown. prefix namespaces the keys
// (e.g. "cooldown:create:").
func NewRedisCooldown(client redis.Cmdable, window time.Duration, prefix string) *RedisCooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	return &RedisCooldown{client: client, window: window, prefix: prefix}
}

// Check implements Limiter.
func (r *RedisCooldown) Check(ctx context.Context, key string) error {
	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, 1, r.window).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", k).Msg("cooldown: redis unavailable, allowing")
		return nil
	}
	if ok {
		return nil
	}
	ttl, err := r.client.PTTL(ctx, k).Result()
	if err != nil || ttl <= 0 {
		ttl = r.window
	}
	return &LimitError{RetryAfter: ttl}
}
