package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gentmat/bore-control/pkg/cache"
	"github.com/gentmat/bore-control/pkg/capacity"
	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/events"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/relay"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/token"
	"github.com/gentmat/bore-control/pkg/types"
)

// ConnectInfo is handed to a client after a successful connect request. The
// token inside is single use and expires after TTLSeconds.
type ConnectInfo struct {
	InstanceID     string     `json:"instanceId"`
	TunnelToken    string     `json:"tunnelToken"`
	BoreServerHost string     `json:"boreServerHost"`
	BoreServerPort int        `json:"boreServerPort"`
	LocalPort      int        `json:"localPort"`
	TTLSeconds     int        `json:"ttl"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	ServerInfo     ServerInfo `json:"serverInfo"`
}

// ServerInfo describes the relay chosen for a connection
type ServerInfo struct {
	ServerID    string  `json:"serverId"`
	Utilization float64 `json:"utilization"`
}

// Manager drives the instance lifecycle state machine. All status changes
// funnel through the store's transactional transition so concurrent actors
// serialize per instance.
type Manager struct {
	store     store.Store
	bus       *events.Bus
	registry  *relay.Registry
	admission *capacity.Admission
	broker    *token.Broker
	liveness  *cache.Liveness
	clock     clock.Clock
}

// NewManager wires the instance manager
func NewManager(st store.Store, bus *events.Bus, registry *relay.Registry, admission *capacity.Admission, broker *token.Broker, liveness *cache.Liveness, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		store:     st,
		bus:       bus,
		registry:  registry,
		admission: admission,
		broker:    broker,
		liveness:  liveness,
		clock:     clk,
	}
}

// Create registers a new instance in the inactive state
func (m *Manager) Create(ctx context.Context, userID, name string, localPort int, region string, preferredHost *string) (*types.Instance, error) {
	if name == "" {
		return nil, errdefs.Validation("instance name is required")
	}
	if localPort < 1 || localPort > 65535 {
		return nil, errdefs.Validation("local port must be between 1 and 65535")
	}
	if err := m.admission.AdmitCreate(ctx); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	inst := &types.Instance{
		ID:            uuid.New().String(),
		UserID:        userID,
		Name:          name,
		LocalPort:     localPort,
		Region:        region,
		PreferredHost: preferredHost,
		Status:        types.StatusInactive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	log.WithInstanceID(inst.ID).Info().Str("user_id", userID).Str("name", name).Msg("instance created")
	m.bus.Publish(&events.Event{
		Type:       events.EventInstanceCreated,
		UserID:     userID,
		InstanceID: inst.ID,
		Status:     types.StatusInactive,
	})
	return inst, nil
}

// Get fetches an instance, enforcing ownership. A foreign instance reads as
// not found so instance IDs are not probeable across tenants.
func (m *Manager) Get(ctx context.Context, userID, instanceID string) (*types.Instance, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.UserID != userID {
		return nil, errdefs.NotFound("instance not found")
	}
	return inst, nil
}

// List returns all instances owned by the user
func (m *Manager) List(ctx context.Context, userID string) ([]*types.Instance, error) {
	return m.store.ListInstancesByUser(ctx, userID)
}

// Rename changes the instance's display name
func (m *Manager) Rename(ctx context.Context, userID, instanceID, name string) (*types.Instance, error) {
	if name == "" {
		return nil, errdefs.Validation("instance name is required")
	}
	if _, err := m.Get(ctx, userID, instanceID); err != nil {
		return nil, err
	}

	inst, err := m.store.TransitionInstance(ctx, instanceID, func(*types.Instance) (*store.InstancePatch, error) {
		return &store.InstancePatch{Name: &name}, nil
	})
	if err != nil {
		return nil, err
	}

	m.bus.Publish(&events.Event{
		Type:       events.EventInstanceRenamed,
		UserID:     userID,
		InstanceID: instanceID,
		Metadata:   map[string]string{"name": name},
	})
	return inst, nil
}

// Delete removes an instance, revoking its tokens and liveness record
func (m *Manager) Delete(ctx context.Context, userID, instanceID string) error {
	inst, err := m.Get(ctx, userID, instanceID)
	if err != nil {
		return err
	}

	if err := m.store.DeleteInstance(ctx, instanceID); err != nil {
		return err
	}
	m.liveness.Forget(ctx, instanceID)
	if inst.Connected() {
		metrics.TunnelsConnected.Dec()
	}

	log.WithInstanceID(instanceID).Info().Str("user_id", userID).Msg("instance deleted")
	m.bus.Publish(&events.Event{
		Type:       events.EventInstanceDeleted,
		UserID:     userID,
		InstanceID: instanceID,
	})
	return nil
}

// Connect admits the user, schedules a relay, rotates the tunnel token, and
// moves the instance to starting. Reconnects of an already-connected
// instance rotate the token without consuming new fleet headroom.
func (m *Manager) Connect(ctx context.Context, user *types.User, instanceID string) (*ConnectInfo, error) {
	inst, err := m.Get(ctx, user.ID, instanceID)
	if err != nil {
		return nil, err
	}

	var capInfo *capacity.Info
	if inst.Connected() || inst.Status == types.StatusStarting {
		capInfo, err = m.admission.AdmitReconnect(ctx, user)
	} else {
		capInfo, err = m.admission.AdmitNew(ctx, user)
	}
	if err != nil {
		return nil, err
	}
	log.WithUserID(user.ID).Debug().
		Int("active_tunnels", capInfo.ActiveTunnels).
		Int("max_tunnels", capInfo.MaxTunnels).
		Float64("fleet_utilization_pct", capInfo.Fleet.UtilizationPct).
		Msg("connect admitted")

	best, err := m.registry.Best(inst.PreferredHost)
	if err != nil {
		return nil, err
	}

	rotation, err := m.broker.Mint()
	if err != nil {
		return nil, err
	}

	starting := types.StatusStarting
	reason := "connect requested"
	var from types.InstanceStatus
	updated, err := m.store.TransitionInstance(ctx, instanceID, func(cur *types.Instance) (*store.InstancePatch, error) {
		from = cur.Status
		relayID := best.ID
		return &store.InstancePatch{
			Status:        &starting,
			StatusReason:  &reason,
			AssignedRelay: &relayID,
			Rotate:        &rotation,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if from != updated.Status && connectedFamily(from) {
		metrics.TunnelsConnected.Dec()
	}
	m.afterTransition(from, updated)

	return &ConnectInfo{
		InstanceID:     instanceID,
		TunnelToken:    rotation.Token,
		BoreServerHost: best.Host,
		BoreServerPort: best.Port,
		LocalPort:      updated.LocalPort,
		TTLSeconds:     int(m.broker.TTL().Seconds()),
		ExpiresAt:      rotation.ExpiresAt,
		ServerInfo: ServerInfo{
			ServerID:    best.ID,
			Utilization: best.Utilization(),
		},
	}, nil
}

// TunnelConnected handles the relay callback confirming the tunnel is up.
// The instance lands on active even if heartbeats had classified it idle or
// degraded before the reconnect; the next heartbeat reclassifies it.
func (m *Manager) TunnelConnected(ctx context.Context, instanceID, publicURL string, remotePort int) (*types.Instance, error) {
	active := types.StatusActive
	reason := "tunnel established"
	connected := true
	var from types.InstanceStatus
	updated, err := m.store.TransitionInstance(ctx, instanceID, func(cur *types.Instance) (*store.InstancePatch, error) {
		from = cur.Status
		if cur.Status != types.StatusStarting && !cur.Connected() {
			log.WithInstanceID(instanceID).Error().
				Str("status", string(cur.Status)).
				Msg("tunnel-connected callback for instance that never started")
			return nil, errdefs.Internal("instance is not starting")
		}
		url := publicURL
		if url == "" && cur.AssignedRelay != nil {
			if rel, err := m.registry.Get(*cur.AssignedRelay); err == nil {
				url = fmt.Sprintf("%s:%d", rel.Host, remotePort)
			}
		}
		return &store.InstancePatch{
			TunnelConnected: &connected,
			PublicURL:       &url,
			RemotePort:      &remotePort,
			Status:          &active,
			StatusReason:    &reason,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TunnelConnects.Inc()
	if from != updated.Status && !connectedFamily(from) {
		metrics.TunnelsConnected.Inc()
	}
	// Stamp liveness so the sweeper grants a full heartbeat window before
	// the client's first heartbeat arrives.
	m.liveness.Touch(ctx, instanceID, m.clock.Now())
	m.afterTransition(from, updated)
	return updated, nil
}

// TunnelDisconnected handles the relay callback reporting the tunnel went
// down. The instance moves to offline and its token is revoked; repeated
// callbacks are no-ops.
func (m *Manager) TunnelDisconnected(ctx context.Context, instanceID string) (*types.Instance, error) {
	var from types.InstanceStatus
	updated, err := m.store.TransitionInstance(ctx, instanceID, func(cur *types.Instance) (*store.InstancePatch, error) {
		from = cur.Status
		if cur.Status == types.StatusOffline || cur.Status == types.StatusInactive {
			return nil, nil
		}
		return teardownPatch(types.StatusOffline, "tunnel disconnected"), nil
	})
	if err != nil {
		return nil, err
	}

	if from != updated.Status {
		if connectedFamily(from) {
			metrics.TunnelsConnected.Dec()
		}
		m.liveness.Forget(ctx, instanceID)
	}
	m.afterTransition(from, updated)
	return updated, nil
}

// Disconnect is the user-initiated stop. The instance returns to inactive
// and its token is revoked. Disconnecting an inactive instance is a no-op.
func (m *Manager) Disconnect(ctx context.Context, userID, instanceID string) (*types.Instance, error) {
	if _, err := m.Get(ctx, userID, instanceID); err != nil {
		return nil, err
	}

	inactive := types.StatusInactive
	reason := "disconnected by user"
	disconnected := false
	var from types.InstanceStatus
	updated, err := m.store.TransitionInstance(ctx, instanceID, func(cur *types.Instance) (*store.InstancePatch, error) {
		from = cur.Status
		if cur.Status == types.StatusInactive {
			return nil, nil
		}
		return &store.InstancePatch{
			Status:          &inactive,
			StatusReason:    &reason,
			TunnelConnected: &disconnected,
			ClearEndpoint:   true,
			ClearRelay:      true,
			ClearToken:      true,
			RevokeToken:     true,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if from != updated.Status {
		if connectedFamily(from) {
			metrics.TunnelsConnected.Dec()
		}
		m.liveness.Forget(ctx, instanceID)
	}
	m.afterTransition(from, updated)
	return updated, nil
}

// ApplyStatus moves an instance to the given status with a reason. It is
// the entry point for the health engine and the sweeper. Applying the
// current status is a no-op apart from refreshing the reason.
func (m *Manager) ApplyStatus(ctx context.Context, instanceID string, status types.InstanceStatus, reason string) (*types.Instance, error) {
	var from types.InstanceStatus
	updated, err := m.store.TransitionInstance(ctx, instanceID, func(cur *types.Instance) (*store.InstancePatch, error) {
		from = cur.Status
		if cur.Status == status && cur.StatusReason == reason {
			return nil, nil
		}
		if status == types.StatusOffline || status == types.StatusError {
			return teardownPatch(status, reason), nil
		}
		return &store.InstancePatch{
			Status:       &status,
			StatusReason: &reason,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if from != updated.Status && (updated.Status == types.StatusOffline || updated.Status == types.StatusError) {
		if connectedFamily(from) {
			metrics.TunnelsConnected.Dec()
		}
		m.liveness.Forget(ctx, instanceID)
	}
	m.afterTransition(from, updated)
	return updated, nil
}

func connectedFamily(st types.InstanceStatus) bool {
	switch st {
	case types.StatusActive, types.StatusOnline, types.StatusIdle, types.StatusDegraded:
		return true
	}
	return false
}

// teardownPatch is the single shape of the offline and error transitions:
// the tunnel is down, its endpoint is gone, and any outstanding token is
// revoked.
func teardownPatch(status types.InstanceStatus, reason string) *store.InstancePatch {
	disconnected := false
	return &store.InstancePatch{
		Status:          &status,
		StatusReason:    &reason,
		TunnelConnected: &disconnected,
		ClearEndpoint:   true,
		ClearToken:      true,
		RevokeToken:     true,
	}
}

func (m *Manager) afterTransition(from types.InstanceStatus, inst *types.Instance) {
	if from == inst.Status {
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(from), string(inst.Status)).Inc()
	log.WithInstanceID(inst.ID).Info().
		Str("from", string(from)).
		Str("to", string(inst.Status)).
		Str("reason", inst.StatusReason).
		Msg("instance status changed")
	m.bus.Publish(&events.Event{
		Type:       events.EventStatusChanged,
		UserID:     inst.UserID,
		InstanceID: inst.ID,
		Status:     inst.Status,
		Reason:     inst.StatusReason,
	})
}
