package instance

import (
	"context"
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
	"github.com/gentmat/bore-control/pkg/relay"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/token"
	"github.com/gentmat/bore-control/pkg/types"
)

type fixture struct {
	manager *Manager
	store   *store.MemoryStore
	bus     *events.Bus
	clock   *clock.Fake
	user    *types.User
}

func limitsFor(plan types.PlanType) types.PlanLimits {
	limits, ok := types.DefaultPlanLimits[plan]
	if !ok {
		return types.DefaultPlanLimits[types.PlanTrial]
	}
	return limits
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)

	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := relay.NewRegistry(st, bus, fake, breaker.Settings{}, nil)
	require.NoError(t, registry.Register(context.Background(), &types.Relay{
		ID: "relay-a", Host: "relay-a.bore.dev", Port: 7835, MaxTunnels: 100, MaxBandwidth: 1000,
	}))

	admission := capacity.NewAdmission(st, registry, limitsFor, 20)
	broker := token.NewBroker(st, limitsFor, time.Hour, fake)
	liveness := cache.NewLiveness(nil, time.Minute, fake)

	user := &types.User{ID: "user-1", Email: "dev@example.com", Plan: types.PlanPro, CreatedAt: fake.Now()}
	require.NoError(t, st.CreateUser(context.Background(), user))

	return &fixture{
		manager: NewManager(st, bus, registry, admission, broker, liveness, fake),
		store:   st,
		bus:     bus,
		clock:   fake,
		user:    user,
	}
}

func (f *fixture) create(t *testing.T) *types.Instance {
	t.Helper()
	inst, err := f.manager.Create(context.Background(), f.user.ID, "dev-box", 8080, "us-east", nil)
	require.NoError(t, err)
	return inst
}

func (f *fixture) connect(t *testing.T, instanceID string) *ConnectInfo {
	t.Helper()
	info, err := f.manager.Connect(context.Background(), f.user, instanceID)
	require.NoError(t, err)
	return info
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Create(context.Background(), f.user.ID, "", 8080, "", nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))

	_, err = f.manager.Create(context.Background(), f.user.ID, "dev", 0, "", nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))

	_, err = f.manager.Create(context.Background(), f.user.ID, "dev", 70000, "", nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestCreateStartsInactive(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)

	assert.Equal(t, types.StatusInactive, inst.Status)
	assert.False(t, inst.TunnelConnected)
	assert.Nil(t, inst.CurrentToken)
}

func TestGetEnforcesOwnership(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)

	_, err := f.manager.Get(context.Background(), "someone-else", inst.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestConnectMovesToStartingWithToken(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)

	info := f.connect(t, inst.ID)
	assert.Equal(t, inst.ID, info.InstanceID)
	assert.Len(t, info.TunnelToken, 64)
	assert.Equal(t, "relay-a.bore.dev", info.BoreServerHost)
	assert.Equal(t, 7835, info.BoreServerPort)
	assert.Equal(t, 8080, info.LocalPort)
	assert.Equal(t, 3600, info.TTLSeconds)

	got, err := f.manager.Get(context.Background(), f.user.ID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, got.Status)
	require.NotNil(t, got.AssignedRelay)
	assert.Equal(t, "relay-a", *got.AssignedRelay)
	require.NotNil(t, got.CurrentToken)
	assert.Equal(t, info.TunnelToken, *got.CurrentToken)
}

func TestReconnectRotatesToken(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)

	first := f.connect(t, inst.ID)
	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)

	second := f.connect(t, inst.ID)
	assert.NotEqual(t, first.TunnelToken, second.TunnelToken)

	_, err = f.store.GetTunnelToken(context.Background(), first.TunnelToken)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	_, err = f.store.GetTunnelToken(context.Background(), second.TunnelToken)
	assert.NoError(t, err)
}

func TestConnectQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	trial := &types.User{ID: "user-trial", Email: "t@example.com", Plan: types.PlanTrial}
	require.NoError(t, f.store.CreateUser(context.Background(), trial))

	first, err := f.manager.Create(context.Background(), trial.ID, "one", 8080, "", nil)
	require.NoError(t, err)
	second, err := f.manager.Create(context.Background(), trial.ID, "two", 8081, "", nil)
	require.NoError(t, err)

	_, err = f.manager.Connect(context.Background(), trial, first.ID)
	require.NoError(t, err)

	_, err = f.manager.Connect(context.Background(), trial, second.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindQuotaExceeded))
}

func TestTrialUserReconnectRotatesToken(t *testing.T) {
	f := newFixture(t)
	trial := &types.User{ID: "user-trial", Email: "t@example.com", Plan: types.PlanTrial}
	require.NoError(t, f.store.CreateUser(context.Background(), trial))

	inst, err := f.manager.Create(context.Background(), trial.ID, "only-one", 8080, "", nil)
	require.NoError(t, err)

	first, err := f.manager.Connect(context.Background(), trial, inst.ID)
	require.NoError(t, err)
	_, err = f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)

	// The single allowed tunnel is the one being reconnected; the quota
	// must not count it against itself.
	second, err := f.manager.Connect(context.Background(), trial, inst.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.TunnelToken, second.TunnelToken)
}

func TestTunnelConnectedSetsEndpoint(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)
	f.connect(t, inst.ID)

	got, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.True(t, got.TunnelConnected)
	require.NotNil(t, got.PublicURL)
	assert.Equal(t, "http://abc.bore.dev", *got.PublicURL)
	require.NotNil(t, got.RemotePort)
	assert.Equal(t, 31022, *got.RemotePort)
}

func TestTunnelConnectedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)
	f.connect(t, inst.ID)

	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)

	got, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)

	history, err := f.store.ListStatusHistory(context.Background(), inst.ID, 10)
	require.NoError(t, err)
	// starting, then active; the repeat callback adds nothing
	require.Len(t, history, 2)
}

func TestTunnelConnectedResetsClassificationToActive(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)
	f.connect(t, inst.ID)
	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)
	_, err = f.manager.ApplyStatus(context.Background(), inst.ID, types.StatusDegraded, "code-server not responding")
	require.NoError(t, err)

	got, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
	assert.Equal(t, "tunnel established", got.StatusReason)
}

func TestTunnelConnectedWithoutConnectIsRejected(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)

	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInternal))

	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, got.Status)
	assert.False(t, got.TunnelConnected)
}

func TestTunnelDisconnectedGoesOfflineAndRevokesToken(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)
	info := f.connect(t, inst.ID)
	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)

	got, err := f.manager.TunnelDisconnected(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, got.Status)
	assert.Equal(t, "tunnel disconnected", got.StatusReason)
	assert.False(t, got.TunnelConnected)
	assert.Nil(t, got.PublicURL)
	assert.Nil(t, got.RemotePort)
	assert.Nil(t, got.CurrentToken)

	_, err = f.store.GetTunnelToken(context.Background(), info.TunnelToken)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestTunnelDisconnectedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)
	f.connect(t, inst.ID)
	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)

	_, err = f.manager.TunnelDisconnected(context.Background(), inst.ID)
	require.NoError(t, err)
	got, err := f.manager.TunnelDisconnected(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, got.Status)
}

func TestDisconnectReturnsToInactive(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)
	f.connect(t, inst.ID)
	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)

	got, err := f.manager.Disconnect(context.Background(), f.user.ID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, got.Status)
	assert.Nil(t, got.AssignedRelay)
	assert.Nil(t, got.CurrentToken)
}

func TestDisconnectInactiveIsNoop(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)

	got, err := f.manager.Disconnect(context.Background(), f.user.ID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, got.Status)

	history, err := f.store.ListStatusHistory(context.Background(), inst.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestConnectOfflineInstanceReconnects(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)
	f.connect(t, inst.ID)
	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)
	_, err = f.manager.TunnelDisconnected(context.Background(), inst.ID)
	require.NoError(t, err)

	info := f.connect(t, inst.ID)
	assert.NotEmpty(t, info.TunnelToken)

	got, err := f.manager.Get(context.Background(), f.user.ID, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, got.Status)
}

func TestRename(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)

	got, err := f.manager.Rename(context.Background(), f.user.ID, inst.ID, "new-name")
	require.NoError(t, err)
	assert.Equal(t, "new-name", got.Name)
	assert.Equal(t, types.StatusInactive, got.Status)
}

func TestDeleteRemovesInstanceAndTokens(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)
	info := f.connect(t, inst.ID)

	require.NoError(t, f.manager.Delete(context.Background(), f.user.ID, inst.ID))

	_, err := f.manager.Get(context.Background(), f.user.ID, inst.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	_, err = f.store.GetTunnelToken(context.Background(), info.TunnelToken)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestStatusChangePublishesEvent(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(f.user.ID)

	inst := f.create(t)
	f.connect(t, inst.ID)

	// The creation event may arrive first; wait for the status change.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type != events.EventStatusChanged {
				continue
			}
			assert.Equal(t, inst.ID, ev.InstanceID)
			assert.Equal(t, types.StatusStarting, ev.Status)
			return
		case <-deadline:
			t.Fatal("no status event received")
		}
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(t)
	inst := f.create(t)

	f.connect(t, inst.ID)
	_, err := f.manager.TunnelConnected(context.Background(), inst.ID, "http://abc.bore.dev", 31022)
	require.NoError(t, err)
	_, err = f.manager.ApplyStatus(context.Background(), inst.ID, types.StatusOnline, "all systems operational")
	require.NoError(t, err)
	_, err = f.manager.Disconnect(context.Background(), f.user.ID, inst.ID)
	require.NoError(t, err)
	require.NoError(t, f.manager.Delete(context.Background(), f.user.ID, inst.ID))

	instances, err := f.manager.List(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, instances)
}
