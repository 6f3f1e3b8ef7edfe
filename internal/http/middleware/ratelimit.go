// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file installs a per-identity token bucket in front of the API. The
// buckets themselves live in internal/ratelimit; this layer only picks the
// key, honors idempotent replays and renders the 429.
//
// The limiter is process-local and intended for edge-level abuse control.
// It is independent of the conversation creation cooldown enforced by the
// session service.
package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-conversation-backend/internal/ratelimit"
)

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by "user:<id>" when Authenticate has run and by
// "ip:<addr>" otherwise.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if uid := UserID(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// RateLimiter enforces per-key token-bucket limits on HTTP requests.
// It is safe for concurrent use.
type RateLimiter struct {
	buckets *ratelimit.Buckets
	keyFn   keyFunc
}

// NewRateLimiter refills rps tokens per second up to burst (values <= 0 are
// coerced to 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	return &RateLimiter{
		buckets: ratelimit.NewBuckets(rate.Limit(rps), burst),
		keyFn:   keyFn,
	}
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay that should not consume tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns the Gin middleware. Refused requests get
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: <seconds>
//	{"request_id": "...", "code": "too_many_requests", "message": "rate limit exceeded"}
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		wait := rl.buckets.Reserve(rl.keyFn(c))
		if wait == 0 {
			c.Next()
			return
		}

		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
