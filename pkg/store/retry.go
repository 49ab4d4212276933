package store

import (
	"context"
	"math/rand"
	"time"

	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/types"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

// WithRetry wraps st so calls failing with a transient unavailable error
// are reissued up to twice with jittered backoff before the error reaches
// the caller. Any other error surfaces immediately.
func WithRetry(st Store) Store {
	return &retryStore{inner: st}
}

type retryStore struct {
	inner Store
}

func retried[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var out T
	var err error
	delay := retryBaseDelay
	for attempt := 1; ; attempt++ {
		out, err = fn()
		if err == nil || !errdefs.IsKind(err, errdefs.KindUnavailable) || attempt == retryAttempts {
			return out, err
		}
		log.WithComponent("store").Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Msg("transient store error, retrying")
		jittered := delay + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return out, err
		case <-time.After(jittered):
		}
		delay *= 2
	}
}

func retried0(ctx context.Context, op string, fn func() error) error {
	_, err := retried(ctx, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *retryStore) CreateUser(ctx context.Context, user *types.User) error {
	return retried0(ctx, "create_user", func() error { return r.inner.CreateUser(ctx, user) })
}

func (r *retryStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	return retried(ctx, "get_user", func() (*types.User, error) { return r.inner.GetUser(ctx, id) })
}

func (r *retryStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return retried(ctx, "get_user_by_email", func() (*types.User, error) { return r.inner.GetUserByEmail(ctx, email) })
}

func (r *retryStore) UpdateUserPlan(ctx context.Context, userID string, plan types.PlanType, expires *time.Time) error {
	return retried0(ctx, "update_user_plan", func() error { return r.inner.UpdateUserPlan(ctx, userID, plan, expires) })
}

func (r *retryStore) CreateInstance(ctx context.Context, inst *types.Instance) error {
	return retried0(ctx, "create_instance", func() error { return r.inner.CreateInstance(ctx, inst) })
}

func (r *retryStore) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	return retried(ctx, "get_instance", func() (*types.Instance, error) { return r.inner.GetInstance(ctx, id) })
}

func (r *retryStore) ListInstancesByUser(ctx context.Context, userID string) ([]*types.Instance, error) {
	return retried(ctx, "list_instances_by_user", func() ([]*types.Instance, error) { return r.inner.ListInstancesByUser(ctx, userID) })
}

func (r *retryStore) ListInstancesByStatuses(ctx context.Context, statuses ...types.InstanceStatus) ([]*types.Instance, error) {
	return retried(ctx, "list_instances_by_statuses", func() ([]*types.Instance, error) {
		return r.inner.ListInstancesByStatuses(ctx, statuses...)
	})
}

func (r *retryStore) DeleteInstance(ctx context.Context, id string) error {
	return retried0(ctx, "delete_instance", func() error { return r.inner.DeleteInstance(ctx, id) })
}

func (r *retryStore) TransitionInstance(ctx context.Context, id string, fn func(*types.Instance) (*InstancePatch, error)) (*types.Instance, error) {
	return retried(ctx, "transition_instance", func() (*types.Instance, error) { return r.inner.TransitionInstance(ctx, id, fn) })
}

func (r *retryStore) SaveTunnelToken(ctx context.Context, token *types.TunnelToken) error {
	return retried0(ctx, "save_tunnel_token", func() error { return r.inner.SaveTunnelToken(ctx, token) })
}

func (r *retryStore) GetTunnelToken(ctx context.Context, token string) (*types.TunnelToken, error) {
	return retried(ctx, "get_tunnel_token", func() (*types.TunnelToken, error) { return r.inner.GetTunnelToken(ctx, token) })
}

func (r *retryStore) DeleteTunnelToken(ctx context.Context, token string) error {
	return retried0(ctx, "delete_tunnel_token", func() error { return r.inner.DeleteTunnelToken(ctx, token) })
}

func (r *retryStore) DeleteInstanceTokens(ctx context.Context, instanceID string) error {
	return retried0(ctx, "delete_instance_tokens", func() error { return r.inner.DeleteInstanceTokens(ctx, instanceID) })
}

func (r *retryStore) DeleteUserTunnelTokens(ctx context.Context, userID string) error {
	return retried0(ctx, "delete_user_tunnel_tokens", func() error { return r.inner.DeleteUserTunnelTokens(ctx, userID) })
}

func (r *retryStore) DeleteExpiredTunnelTokens(ctx context.Context, now time.Time) (int64, error) {
	return retried(ctx, "delete_expired_tunnel_tokens", func() (int64, error) { return r.inner.DeleteExpiredTunnelTokens(ctx, now) })
}

func (r *retryStore) SaveRefreshToken(ctx context.Context, token *types.RefreshToken) error {
	return retried0(ctx, "save_refresh_token", func() error { return r.inner.SaveRefreshToken(ctx, token) })
}

func (r *retryStore) GetRefreshToken(ctx context.Context, token string) (*types.RefreshToken, error) {
	return retried(ctx, "get_refresh_token", func() (*types.RefreshToken, error) { return r.inner.GetRefreshToken(ctx, token) })
}

func (r *retryStore) DeleteRefreshToken(ctx context.Context, token string) error {
	return retried0(ctx, "delete_refresh_token", func() error { return r.inner.DeleteRefreshToken(ctx, token) })
}

func (r *retryStore) DeleteUserRefreshTokens(ctx context.Context, userID string) error {
	return retried0(ctx, "delete_user_refresh_tokens", func() error { return r.inner.DeleteUserRefreshTokens(ctx, userID) })
}

func (r *retryStore) SaveHealthSample(ctx context.Context, sample *types.HealthSample) error {
	return retried0(ctx, "save_health_sample", func() error { return r.inner.SaveHealthSample(ctx, sample) })
}

func (r *retryStore) LatestHealthSample(ctx context.Context, instanceID string) (*types.HealthSample, error) {
	return retried(ctx, "latest_health_sample", func() (*types.HealthSample, error) { return r.inner.LatestHealthSample(ctx, instanceID) })
}

func (r *retryStore) ListStatusHistory(ctx context.Context, instanceID string, limit int) ([]*types.StatusHistoryEntry, error) {
	return retried(ctx, "list_status_history", func() ([]*types.StatusHistoryEntry, error) {
		return r.inner.ListStatusHistory(ctx, instanceID, limit)
	})
}

func (r *retryStore) UpsertRelay(ctx context.Context, relay *types.Relay) error {
	return retried0(ctx, "upsert_relay", func() error { return r.inner.UpsertRelay(ctx, relay) })
}

func (r *retryStore) SetRelayStatus(ctx context.Context, relayID string, status types.RelayStatus, at time.Time) error {
	return retried0(ctx, "set_relay_status", func() error { return r.inner.SetRelayStatus(ctx, relayID, status, at) })
}

func (r *retryStore) UpdateRelayLoad(ctx context.Context, relayID string, load int, bwMbps float64) error {
	return retried0(ctx, "update_relay_load", func() error { return r.inner.UpdateRelayLoad(ctx, relayID, load, bwMbps) })
}

func (r *retryStore) ListRelays(ctx context.Context) ([]*types.Relay, error) {
	return retried(ctx, "list_relays", func() ([]*types.Relay, error) { return r.inner.ListRelays(ctx) })
}

func (r *retryStore) CountActiveTunnels(ctx context.Context) (int, error) {
	return retried(ctx, "count_active_tunnels", func() (int, error) { return r.inner.CountActiveTunnels(ctx) })
}

func (r *retryStore) CountUserActiveTunnels(ctx context.Context, userID string) (int, error) {
	return retried(ctx, "count_user_active_tunnels", func() (int, error) { return r.inner.CountUserActiveTunnels(ctx, userID) })
}

func (r *retryStore) JoinWaitlist(ctx context.Context, email string) error {
	return retried0(ctx, "join_waitlist", func() error { return r.inner.JoinWaitlist(ctx, email) })
}

func (r *retryStore) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

func (r *retryStore) Close() error { return r.inner.Close() }
