package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/log"
)

const relayLoadPrefix = "bore:relayload:"

// LoadSnapshot is the cached load report for a relay
type LoadSnapshot struct {
	ActiveTunnels int       `json:"activeTunnels"`
	BandwidthMbps float64   `json:"bwMbps"`
	ReportedAt    time.Time `json:"reportedAt"`
}

// RelayLoads mirrors the latest relay load reports, keyed by relay ID.
// Same write-through shape as Liveness: Redis best effort, local map always.
type RelayLoads struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock clock.Clock

	mu    sync.RWMutex
	local map[string]LoadSnapshot
}

// NewRelayLoads creates a relay load mirror. rdb may be nil. Entries expire
// after ttl, typically a couple of probe intervals.
func NewRelayLoads(rdb *redis.Client, ttl time.Duration, clk clock.Clock) *RelayLoads {
	if clk == nil {
		clk = clock.Real()
	}
	return &RelayLoads{
		rdb:   rdb,
		ttl:   ttl,
		clock: clk,
		local: make(map[string]LoadSnapshot),
	}
}

// Store records the latest load report for a relay
func (rl *RelayLoads) Store(ctx context.Context, relayID string, activeTunnels int, bwMbps float64) {
	snap := LoadSnapshot{
		ActiveTunnels: activeTunnels,
		BandwidthMbps: bwMbps,
		ReportedAt:    rl.clock.Now().UTC(),
	}
	rl.mu.Lock()
	rl.local[relayID] = snap
	rl.mu.Unlock()

	if rl.rdb == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := rl.rdb.Set(ctx, relayLoadPrefix+relayID, raw, rl.ttl).Err(); err != nil {
		log.Logger.Warn().Err(err).Str("relay_id", relayID).Msg("relay load write to redis failed, local copy retained")
	}
}

// Latest returns the most recent load report for a relay. The second return
// is false when no live entry exists.
func (rl *RelayLoads) Latest(ctx context.Context, relayID string) (LoadSnapshot, bool) {
	if rl.rdb != nil {
		raw, err := rl.rdb.Get(ctx, relayLoadPrefix+relayID).Bytes()
		if err == nil {
			var snap LoadSnapshot
			if json.Unmarshal(raw, &snap) == nil {
				return snap, true
			}
		} else if err != redis.Nil {
			log.Logger.Warn().Err(err).Str("relay_id", relayID).Msg("relay load read from redis failed, falling back to local")
		}
	}

	rl.mu.RLock()
	snap, ok := rl.local[relayID]
	rl.mu.RUnlock()
	if !ok || rl.clock.Now().Sub(snap.ReportedAt) > rl.ttl {
		return LoadSnapshot{}, false
	}
	return snap, true
}
