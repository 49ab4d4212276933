package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/log"
)

const lastSeenPrefix = "bore:lastseen:"

// Liveness records the last-seen timestamp per instance. Redis is the primary
// backend so multiple control plane replicas observe the same heartbeats; a
// local map mirrors every write so liveness reads survive a Redis outage.
type Liveness struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock clock.Clock

	mu    sync.RWMutex
	local map[string]time.Time
}

// NewLiveness creates a liveness tracker. rdb may be nil, in which case only
// the local map is used. Entries expire after ttl.
func NewLiveness(rdb *redis.Client, ttl time.Duration, clk clock.Clock) *Liveness {
	if clk == nil {
		clk = clock.Real()
	}
	return &Liveness{
		rdb:   rdb,
		ttl:   ttl,
		clock: clk,
		local: make(map[string]time.Time),
	}
}

// Touch records a heartbeat for the instance at the given time
func (l *Liveness) Touch(ctx context.Context, instanceID string, at time.Time) {
	l.mu.Lock()
	l.local[instanceID] = at
	l.mu.Unlock()

	if l.rdb == nil {
		return
	}
	key := lastSeenPrefix + instanceID
	val := strconv.FormatInt(at.UnixMilli(), 10)
	if err := l.rdb.Set(ctx, key, val, l.ttl).Err(); err != nil {
		log.Logger.Warn().Err(err).Str("instance_id", instanceID).Msg("liveness write to redis failed, local copy retained")
	}
}

// LastSeen returns the most recent heartbeat time for the instance. The
// second return is false when no live entry exists.
func (l *Liveness) LastSeen(ctx context.Context, instanceID string) (time.Time, bool) {
	if l.rdb != nil {
		key := lastSeenPrefix + instanceID
		val, err := l.rdb.Get(ctx, key).Result()
		if err == nil {
			ms, perr := strconv.ParseInt(val, 10, 64)
			if perr == nil {
				return time.UnixMilli(ms), true
			}
		} else if err != redis.Nil {
			log.Logger.Warn().Err(err).Str("instance_id", instanceID).Msg("liveness read from redis failed, falling back to local copy")
			return l.lastSeenLocal(instanceID)
		}
		// redis.Nil means the entry expired or never existed; the local
		// map applies the same TTL so consult it anyway.
	}
	return l.lastSeenLocal(instanceID)
}

func (l *Liveness) lastSeenLocal(instanceID string) (time.Time, bool) {
	l.mu.RLock()
	at, ok := l.local[instanceID]
	l.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	if l.clock.Now().Sub(at) > l.ttl {
		l.mu.Lock()
		delete(l.local, instanceID)
		l.mu.Unlock()
		return time.Time{}, false
	}
	return at, true
}

// Forget drops the instance's liveness entry
func (l *Liveness) Forget(ctx context.Context, instanceID string) {
	l.mu.Lock()
	delete(l.local, instanceID)
	l.mu.Unlock()

	if l.rdb != nil {
		if err := l.rdb.Del(ctx, lastSeenPrefix+instanceID).Err(); err != nil {
			log.Logger.Warn().Err(err).Str("instance_id", instanceID).Msg("liveness delete from redis failed")
		}
	}
}

// Healthy reports whether the Redis backend is reachable. Always true when
// running without Redis.
func (l *Liveness) Healthy(ctx context.Context) bool {
	if l.rdb == nil {
		return true
	}
	return l.rdb.Ping(ctx).Err() == nil
}
