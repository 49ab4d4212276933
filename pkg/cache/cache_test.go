package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentmat/bore-control/pkg/clock"
)

func newRedisLiveness(t *testing.T, ttl time.Duration, clk clock.Clock) (*Liveness, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLiveness(rdb, ttl, clk), mr
}

func TestTouchAndLastSeenViaRedis(t *testing.T) {
	liveness, _ := newRedisLiveness(t, time.Minute, nil)

	at := time.Now().Truncate(time.Millisecond)
	liveness.Touch(context.Background(), "inst-1", at)

	seen, ok := liveness.LastSeen(context.Background(), "inst-1")
	require.True(t, ok)
	assert.Equal(t, at.UnixMilli(), seen.UnixMilli())
}

func TestLastSeenUnknownInstance(t *testing.T) {
	liveness, _ := newRedisLiveness(t, time.Minute, nil)

	_, ok := liveness.LastSeen(context.Background(), "never-seen")
	assert.False(t, ok)
}

func TestRedisExpiryFallsThroughToLocalTTL(t *testing.T) {
	fake := clock.NewFake(time.Now())
	liveness, mr := newRedisLiveness(t, time.Minute, fake)

	liveness.Touch(context.Background(), "inst-1", fake.Now())

	// Expire the redis entry; the local mirror uses the same TTL and the
	// fake clock has not advanced past it yet.
	mr.FastForward(2 * time.Minute)
	_, ok := liveness.LastSeen(context.Background(), "inst-1")
	assert.True(t, ok)

	fake.Advance(2 * time.Minute)
	_, ok = liveness.LastSeen(context.Background(), "inst-1")
	assert.False(t, ok)
}

func TestLocalFallbackWhenRedisDown(t *testing.T) {
	fake := clock.NewFake(time.Now())
	liveness, mr := newRedisLiveness(t, time.Minute, fake)

	at := fake.Now()
	liveness.Touch(context.Background(), "inst-1", at)

	mr.Close()

	seen, ok := liveness.LastSeen(context.Background(), "inst-1")
	require.True(t, ok)
	assert.Equal(t, at.UnixMilli(), seen.UnixMilli())
}

func TestForget(t *testing.T) {
	liveness, _ := newRedisLiveness(t, time.Minute, nil)

	liveness.Touch(context.Background(), "inst-1", time.Now())
	liveness.Forget(context.Background(), "inst-1")

	_, ok := liveness.LastSeen(context.Background(), "inst-1")
	assert.False(t, ok)
}

func TestWithoutRedis(t *testing.T) {
	fake := clock.NewFake(time.Now())
	liveness := NewLiveness(nil, 30*time.Second, fake)

	liveness.Touch(context.Background(), "inst-1", fake.Now())
	_, ok := liveness.LastSeen(context.Background(), "inst-1")
	assert.True(t, ok)

	fake.Advance(time.Minute)
	_, ok = liveness.LastSeen(context.Background(), "inst-1")
	assert.False(t, ok)

	assert.True(t, liveness.Healthy(context.Background()))
}
