package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentmat/bore-control/pkg/breaker"
	"github.com/gentmat/bore-control/pkg/cache"
	"github.com/gentmat/bore-control/pkg/capacity"
	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/events"
	"github.com/gentmat/bore-control/pkg/instance"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/relay"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/token"
	"github.com/gentmat/bore-control/pkg/types"
)

func limitsFor(plan types.PlanType) types.PlanLimits {
	limits, ok := types.DefaultPlanLimits[plan]
	if !ok {
		return types.DefaultPlanLimits[types.PlanTrial]
	}
	return limits
}

type fixture struct {
	sweeper  *Sweeper
	manager  *instance.Manager
	registry *relay.Registry
	liveness *cache.Liveness
	store    *store.MemoryStore
	clock    *clock.Fake
	user     *types.User
	probeErr *error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStoreWithClock(fake)
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	var probeErr error
	registry := relay.NewRegistry(st, bus, fake, breaker.Settings{
		FailureThreshold: 3, ResetTimeout: time.Minute, CallTimeout: time.Second,
	}, func(context.Context, *types.Relay) error { return probeErr })
	require.NoError(t, registry.Register(context.Background(), &types.Relay{
		ID: "relay-a", Host: "relay-a.bore.dev", Port: 7835, MaxTunnels: 100, MaxBandwidth: 1000,
	}))

	admission := capacity.NewAdmission(st, registry, limitsFor, 20)
	broker := token.NewBroker(st, limitsFor, time.Hour, fake)
	liveness := cache.NewLiveness(nil, time.Hour, fake)
	mgr := instance.NewManager(st, bus, registry, admission, broker, liveness, fake)

	user := &types.User{ID: "user-1", Email: "dev@example.com", Plan: types.PlanPro}
	require.NoError(t, st.CreateUser(context.Background(), user))

	sw := New(Config{
		HeartbeatTimeout:   30 * time.Second,
		CheckInterval:      10 * time.Second,
		TokenReapInterval:  time.Minute,
		RelayProbeInterval: 30 * time.Second,
	}, st, mgr, broker, registry, liveness, fake)

	return &fixture{
		sweeper:  sw,
		manager:  mgr,
		registry: registry,
		liveness: liveness,
		store:    st,
		clock:    fake,
		user:     user,
		probeErr: &probeErr,
	}
}

func (f *fixture) connectedInstance(t *testing.T) *types.Instance {
	t.Helper()
	inst, err := f.manager.Create(context.Background(), f.user.ID, "dev-box", 8080, "", nil)
	require.NoError(t, err)
	_, err = f.manager.Connect(context.Background(), f.user, inst.ID)
	require.NoError(t, err)
	_, err = f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)
	return inst
}

func TestDemoteSilentAfterTimeout(t *testing.T) {
	f := newFixture(t)
	inst := f.connectedInstance(t)
	f.liveness.Touch(context.Background(), inst.ID, f.clock.Now())

	f.clock.Advance(45 * time.Second)
	f.sweeper.DemoteSilent(context.Background())

	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, got.Status)
	assert.Equal(t, "heartbeat timeout", got.StatusReason)
	assert.Nil(t, got.CurrentToken)
}

func TestDemoteSkipsFreshHeartbeats(t *testing.T) {
	f := newFixture(t)
	inst := f.connectedInstance(t)
	f.liveness.Touch(context.Background(), inst.ID, f.clock.Now())

	f.clock.Advance(20 * time.Second)
	f.sweeper.DemoteSilent(context.Background())

	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
}

func TestDemoteGrantsGraceToFreshConnections(t *testing.T) {
	f := newFixture(t)
	inst := f.connectedInstance(t)
	// no heartbeat yet; UpdatedAt is the connect time

	f.sweeper.DemoteSilent(context.Background())

	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)

	f.clock.Advance(45 * time.Second)
	f.sweeper.DemoteSilent(context.Background())

	got, err = f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, got.Status)
}

func TestStalledStartMovesToError(t *testing.T) {
	f := newFixture(t)
	inst, err := f.manager.Create(context.Background(), f.user.ID, "dev-box", 8080, "", nil)
	require.NoError(t, err)
	_, err = f.manager.Connect(context.Background(), f.user, inst.ID)
	require.NoError(t, err)

	// The relay callback never arrives; within the timeout the instance
	// keeps its starting slot.
	f.sweeper.DemoteSilent(context.Background())
	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, got.Status)

	f.clock.Advance(45 * time.Second)
	f.sweeper.DemoteSilent(context.Background())

	got, err = f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)
	assert.Equal(t, "tunnel never connected", got.StatusReason)
	assert.Nil(t, got.CurrentToken)

	// The freed slot no longer counts against the user's quota.
	n, err := f.store.CountUserActiveTunnels(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDemoteIgnoresDisconnectedInstances(t *testing.T) {
	f := newFixture(t)
	inst, err := f.manager.Create(context.Background(), f.user.ID, "idle-box", 8080, "", nil)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	f.sweeper.DemoteSilent(context.Background())

	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, got.Status)
}

func TestReapTokens(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveTunnelToken(context.Background(), &types.TunnelToken{
		Token: "stale", InstanceID: "i1", UserID: "u1", ExpiresAt: f.clock.Now().Add(-time.Minute),
	}))

	f.sweeper.ReapTokens(context.Background())

	_, err := f.store.GetTunnelToken(context.Background(), "stale")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestProbeRelaysMarksUnhealthy(t *testing.T) {
	f := newFixture(t)
	*f.probeErr = errors.New("connection refused")

	f.sweeper.ProbeRelays(context.Background())

	r, err := f.registry.Get("relay-a")
	require.NoError(t, err)
	assert.Equal(t, types.RelayUnhealthy, r.Status)

	health := metrics.GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["relays"], "0/1 relays healthy")

	*f.probeErr = nil
	f.sweeper.ProbeRelays(context.Background())

	r, err = f.registry.Get("relay-a")
	require.NoError(t, err)
	assert.Equal(t, types.RelayActive, r.Status)
	assert.Equal(t, "healthy", metrics.GetHealth().Components["relays"])
}

func TestSweepReportsStoreHealth(t *testing.T) {
	f := newFixture(t)

	f.sweeper.DemoteSilent(context.Background())

	health := metrics.GetHealth()
	assert.Equal(t, "healthy", health.Components["store"])
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.sweeper.Start()
	f.sweeper.Stop()
	// stopping twice must not panic
	f.sweeper.Stop()
}
