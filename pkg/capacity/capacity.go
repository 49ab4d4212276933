package capacity

import (
	"context"

	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/relay"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/types"
)

// LimitsFunc resolves the quota for a plan
type LimitsFunc func(plan types.PlanType) types.PlanLimits

// Admission gates tunnel connects on per-user quota and fleet headroom. A
// slice of fleet capacity is held in reserve so existing tunnels can
// reconnect even when new connects are being turned away.
type Admission struct {
	store       store.Store
	registry    *relay.Registry
	limitsFor   LimitsFunc
	reservedPct int
}

// Info summarizes a user's standing for quota-aware clients
type Info struct {
	ActiveTunnels  int              `json:"activeTunnels"`
	MaxTunnels     int              `json:"maxTunnels"`
	Plan           types.PlanType   `json:"plan"`
	MaxBandwidthGB int64            `json:"maxBandwidthGb"`
	Fleet          types.FleetStats `json:"fleet"`
}

// NewAdmission creates an admission gate. reservedPct is the share of fleet
// capacity held back from new connects, in percent.
func NewAdmission(st store.Store, registry *relay.Registry, limitsFor LimitsFunc, reservedPct int) *Admission {
	return &Admission{
		store:       st,
		registry:    registry,
		limitsFor:   limitsFor,
		reservedPct: reservedPct,
	}
}

// AdmitNew checks whether the user may open one more tunnel. The user quota
// is checked first so quota errors are reported even when the fleet is
// saturated; then the fleet must have headroom beyond the reserve. On
// success it returns the capacity snapshot for downstream logging.
func (a *Admission) AdmitNew(ctx context.Context, user *types.User) (*Info, error) {
	info, err := a.checkUser(ctx, user, 0)
	if err != nil {
		return nil, err
	}
	if err := a.checkSystem(); err != nil {
		return nil, err
	}
	return info, nil
}

// AdmitCreate checks only fleet headroom. Registering an instance reserves
// nothing, but a saturated fleet should turn away new instances before their
// first connect attempt.
func (a *Admission) AdmitCreate(ctx context.Context) error {
	return a.checkSystem()
}

// AdmitReconnect checks only the user quota. Reconnects of existing tunnels
// may dip into the reserved headroom, and the reconnecting instance is
// already in the active count, so one counted slot is discounted before
// comparing against the plan limit.
func (a *Admission) AdmitReconnect(ctx context.Context, user *types.User) (*Info, error) {
	return a.checkUser(ctx, user, 1)
}

// checkUser enforces the plan's concurrent-tunnel limit. discount is the
// number of counted tunnels the caller is replacing rather than adding.
func (a *Admission) checkUser(ctx context.Context, user *types.User, discount int) (*Info, error) {
	limits := a.limitsFor(user.Plan)
	active, err := a.store.CountUserActiveTunnels(ctx, user.ID)
	if err != nil {
		// Fail closed: without a trustworthy count the quota cannot be
		// enforced.
		log.WithUserID(user.ID).Error().Err(err).Msg("quota lookup failed, refusing connect")
		return nil, errdefs.Unavailable("quota check unavailable").WithCause(err)
	}
	active -= discount
	if active < 0 {
		active = 0
	}
	if active >= limits.MaxConcurrent {
		return nil, errdefs.QuotaExceeded("plan %s allows %d concurrent tunnels", user.Plan, limits.MaxConcurrent).
			WithDetails(map[string]any{
				"activeTunnels": active,
				"maxTunnels":    limits.MaxConcurrent,
			})
	}
	return &Info{
		ActiveTunnels:  active,
		MaxTunnels:     limits.MaxConcurrent,
		Plan:           user.Plan,
		MaxBandwidthGB: limits.MaxBandwidthGB,
		Fleet:          a.registry.FleetStats(),
	}, nil
}

func (a *Admission) checkSystem() error {
	stats := a.registry.FleetStats()
	if stats.TotalCapacity == 0 {
		return errdefs.CapacityExceeded("no relay capacity available")
	}
	threshold := float64(100 - a.reservedPct)
	if stats.UtilizationPct > threshold {
		return errdefs.CapacityExceeded("fleet at %.1f%% utilization, new connects paused", stats.UtilizationPct).
			WithDetails(map[string]any{
				"utilizationPct": stats.UtilizationPct,
				"thresholdPct":   threshold,
			})
	}
	return nil
}

// UserInfo returns the user's quota standing alongside fleet stats
func (a *Admission) UserInfo(ctx context.Context, user *types.User) (*Info, error) {
	limits := a.limitsFor(user.Plan)
	active, err := a.store.CountUserActiveTunnels(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &Info{
		ActiveTunnels:  active,
		MaxTunnels:     limits.MaxConcurrent,
		Plan:           user.Plan,
		MaxBandwidthGB: limits.MaxBandwidthGB,
		Fleet:          a.registry.FleetStats(),
	}, nil
}
