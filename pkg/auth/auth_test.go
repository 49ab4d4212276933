package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/errdefs"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/types"
)

const testSecret = "test-secret-not-for-production"

func newManager(t *testing.T) (*Manager, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	st := store.NewMemoryStore()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewManager(st, testSecret, 15*time.Minute, 30*24*time.Hour, 14*24*time.Hour, fake)
	return m, st, fake
}

func TestSignupCreatesTrialUser(t *testing.T) {
	m, _, fake := newManager(t)

	user, pair, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "Dev")
	require.NoError(t, err)
	assert.Equal(t, types.PlanTrial, user.Plan)
	require.NotNil(t, user.PlanExpires)
	assert.Equal(t, fake.Now().Add(14*24*time.Hour), *user.PlanExpires)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, 900, pair.ExpiresIn)
}

func TestSignupValidation(t *testing.T) {
	m, _, _ := newManager(t)

	_, _, err := m.Signup(context.Background(), "not-an-email", "hunter2hunter2", "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))

	_, _, err = m.Signup(context.Background(), "dev@example.com", "short", "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestSignupDuplicateEmail(t *testing.T) {
	m, _, _ := newManager(t)

	_, _, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	_, _, err = m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestLoginAndParseAccess(t *testing.T) {
	m, _, _ := newManager(t)
	signed, _, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	user, pair, err := m.Login(context.Background(), "dev@example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, signed.ID, user.ID)

	claims, err := m.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, "bore-control", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	assert.False(t, claims.IsAdmin)
}

func TestLoginWrongPassword(t *testing.T) {
	m, _, _ := newManager(t)
	_, _, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	_, _, err = m.Login(context.Background(), "dev@example.com", "wrong-password")
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidCredentials))
}

func TestLoginUnknownEmail(t *testing.T) {
	m, _, _ := newManager(t)

	_, _, err := m.Login(context.Background(), "nobody@example.com", "hunter2hunter2")
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidCredentials))
}

func TestParseAccessRejectsExpired(t *testing.T) {
	m, _, fake := newManager(t)
	_, pair, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	fake.Advance(16 * time.Minute)

	_, err = m.ParseAccess(pair.AccessToken)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidToken))
}

func TestParseAccessRejectsTampered(t *testing.T) {
	m, _, _ := newManager(t)
	_, pair, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	other := NewManager(store.NewMemoryStore(), "different-secret", 15*time.Minute, time.Hour, time.Hour, nil)
	_, err = other.ParseAccess(pair.AccessToken)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidToken))
}

func TestRefreshRotates(t *testing.T) {
	m, _, _ := newManager(t)
	_, pair, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	fresh, err := m.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, fresh.RefreshToken)

	// the consumed token no longer refreshes
	_, err = m.Refresh(context.Background(), pair.RefreshToken)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidToken))

	_, err = m.Refresh(context.Background(), fresh.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshExpired(t *testing.T) {
	m, _, fake := newManager(t)
	_, pair, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	fake.Advance(31 * 24 * time.Hour)

	_, err = m.Refresh(context.Background(), pair.RefreshToken)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidToken))
}

func TestLogout(t *testing.T) {
	m, _, _ := newManager(t)
	_, pair, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background(), pair.RefreshToken))
	_, err = m.Refresh(context.Background(), pair.RefreshToken)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidToken))

	// logging out twice is fine
	assert.NoError(t, m.Logout(context.Background(), pair.RefreshToken))
}

func TestLogoutAll(t *testing.T) {
	m, _, _ := newManager(t)
	user, first, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)
	_, second, err := m.Login(context.Background(), "dev@example.com", "hunter2hunter2")
	require.NoError(t, err)

	require.NoError(t, m.LogoutAll(context.Background(), user.ID))

	_, err = m.Refresh(context.Background(), first.RefreshToken)
	assert.Error(t, err)
	_, err = m.Refresh(context.Background(), second.RefreshToken)
	assert.Error(t, err)
}

func TestLogoutAllRevokesTunnelTokens(t *testing.T) {
	m, st, fake := newManager(t)
	user, _, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	require.NoError(t, st.SaveTunnelToken(context.Background(), &types.TunnelToken{
		Token:      "tunnel-token",
		InstanceID: "inst-1",
		UserID:     user.ID,
		ExpiresAt:  fake.Now().Add(time.Hour),
	}))

	require.NoError(t, m.LogoutAll(context.Background(), user.ID))

	_, err = st.GetTunnelToken(context.Background(), "tunnel-token")
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestClaimPlan(t *testing.T) {
	m, _, _ := newManager(t)
	user, _, err := m.Signup(context.Background(), "dev@example.com", "hunter2hunter2", "")
	require.NoError(t, err)

	upgraded, err := m.ClaimPlan(context.Background(), user.ID, types.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, types.PlanPro, upgraded.Plan)
	assert.Nil(t, upgraded.PlanExpires)

	_, err = m.ClaimPlan(context.Background(), user.ID, types.PlanType("platinum"))
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}
