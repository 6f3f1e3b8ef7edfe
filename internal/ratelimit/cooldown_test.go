package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeClock is a settable clock for Buckets.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCooldown(window time.Duration) (*Cooldown, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewCooldown(window)
	c.buckets.now = clk.Now
	return c, clk
}

func TestCooldown_RefusesWithinWindow(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCooldown(3 * time.Second)

	require.NoError(t, c.Check(ctx, "u1"))

	clk.Advance(time.Second)
	err := c.Check(ctx, "u1")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLimited))

	var le *LimitError
	require.True(t, errors.As(err, &le))
	require.InDelta(t, (2 * time.Second).Seconds(), le.RetryAfter.Seconds(), 0.01)

	// A refused attempt does not push the window out.
	clk.Advance(2*time.Second + 10*time.Millisecond)
	require.NoError(t, c.Check(ctx, "u1"))
}

func TestCooldown_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCooldown(time.Minute)

	require.NoError(t, c.Check(ctx, "u1"))
	require.NoError(t, c.Check(ctx, "u2"))
	require.ErrorIs(t, c.Check(ctx, "u1"), ErrLimited)
}

func TestCooldown_DefaultWindow(t *testing.T) {
	require.Equal(t, DefaultCooldown, NewCooldown(0).Window())
}

func TestLimitError_RetryAfterSecondsMinimumOne(t *testing.T) {
	require.Equal(t, 1, (&LimitError{RetryAfter: 10 * time.Millisecond}).RetryAfterSeconds())
	require.Equal(t, 3, (&LimitError{RetryAfter: 2100 * time.Millisecond}).RetryAfterSeconds())
}

func TestUnlimited(t *testing.T) {
	for i := 0; i < 10; i++ {
		require.NoError(t, Unlimited{}.Check(context.Background(), "u"))
	}
}

func TestBuckets_ReuseAndGC(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := NewBuckets(rate.Limit(1), 0)
	b.now = clk.Now
	require.Equal(t, 1, b.Burst())

	first := b.Get("k")
	require.Same(t, first, b.Get("k"))

	b.ttl = time.Minute
	clk.Advance(2 * time.Minute)
	b.lookups = gcEvery - 1
	fresh := b.Get("k")
	require.NotSame(t, first, fresh)
	require.Equal(t, 1, b.Len())
}

func TestRedisCooldown_FailsOpenWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	rc := NewRedisCooldown(client, time.Second, "cooldown:create:")
	require.NoError(t, rc.Check(context.Background(), "u1"))
	require.NoError(t, rc.Check(context.Background(), "u1"))
}
