package health

import (
	"fmt"
	"time"

	"github.com/gentmat/bore-control/pkg/types"
)

// Classify derives a status from an instance's latest heartbeat. Rules are
// evaluated in order and the first match wins, so the result is a pure
// function of its inputs:
//
//  1. tunnel down      -> offline
//  2. component failed -> degraded
//  3. no activity      -> idle
//  4. otherwise        -> online
func Classify(inst *types.Instance, sample *types.HealthSample, idleTimeout time.Duration, now time.Time) (types.InstanceStatus, string) {
	if !inst.TunnelConnected {
		return types.StatusOffline, "tunnel disconnected"
	}

	if sample.HasCodeServer && sample.VSCodeResponsive != nil && !*sample.VSCodeResponsive {
		return types.StatusDegraded, "component not responding"
	}

	if sample.LastActivityEpoch != nil {
		lastActivity := time.Unix(*sample.LastActivityEpoch, 0)
		if now.Sub(lastActivity) >= idleTimeout {
			return types.StatusIdle, fmt.Sprintf("idle for %d+ minutes", int(idleTimeout.Minutes()))
		}
	}

	return types.StatusOnline, "all systems operational"
}
