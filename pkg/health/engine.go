package health

import (
	"context"
	"time"

	"github.com/gentmat/bore-control/pkg/cache"
	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/instance"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/types"
)

// Engine ingests heartbeats: it records liveness, persists the health
// sample, classifies the instance, and applies the resulting status.
type Engine struct {
	store       store.Store
	manager     *instance.Manager
	liveness    *cache.Liveness
	idleTimeout time.Duration
	clock       clock.Clock
}

// NewEngine wires the heartbeat engine
func NewEngine(st store.Store, mgr *instance.Manager, liveness *cache.Liveness, idleTimeout time.Duration, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		store:       st,
		manager:     mgr,
		liveness:    liveness,
		idleTimeout: idleTimeout,
		clock:       clk,
	}
}

// Heartbeat processes one heartbeat from an instance agent. Ownership is
// enforced the same way as instance reads: a foreign instance is not found.
// Heartbeats for disconnected instances are recorded but do not change
// status; status refinement only applies while the tunnel is up.
func (e *Engine) Heartbeat(ctx context.Context, userID, instanceID string, sample *types.HealthSample) (*types.Instance, error) {
	start := time.Now()
	defer func() {
		metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())
	}()

	inst, err := e.manager.Get(ctx, userID, instanceID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	e.liveness.Touch(ctx, instanceID, now)

	sample.InstanceID = instanceID
	sample.Timestamp = now
	if err := e.store.SaveHealthSample(ctx, sample); err != nil {
		// A lost sample must not fail the heartbeat; liveness already
		// counted it.
		log.WithInstanceID(instanceID).Warn().Err(err).Msg("failed to persist health sample")
	}

	if !connectedFamily(inst.Status) {
		return inst, nil
	}

	status, reason := Classify(inst, sample, e.idleTimeout, now)
	return e.manager.ApplyStatus(ctx, instanceID, status, reason)
}

// LastSeen reports when the instance last heartbeated, if it ever did
func (e *Engine) LastSeen(ctx context.Context, instanceID string) (time.Time, bool) {
	return e.liveness.LastSeen(ctx, instanceID)
}

// Latest returns the most recent health sample for an owned instance
func (e *Engine) Latest(ctx context.Context, userID, instanceID string) (*types.HealthSample, error) {
	if _, err := e.manager.Get(ctx, userID, instanceID); err != nil {
		return nil, err
	}
	return e.store.LatestHealthSample(ctx, instanceID)
}

func connectedFamily(st types.InstanceStatus) bool {
	switch st {
	case types.StatusActive, types.StatusOnline, types.StatusIdle, types.StatusDegraded:
		return true
	}
	return false
}
