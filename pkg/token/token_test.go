package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/types"
)

func limitsFor(plan types.PlanType) types.PlanLimits {
	limits, ok := types.DefaultPlanLimits[plan]
	if !ok {
		return types.DefaultPlanLimits[types.PlanTrial]
	}
	return limits
}

func newBroker(t *testing.T) (*Broker, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	st := store.NewMemoryStore()
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewBroker(st, limitsFor, time.Hour, fake), st, fake
}

func seedToken(t *testing.T, st *store.MemoryStore, clk *clock.Fake, token, userID string, plan types.PlanType, planExpires *time.Time) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), &types.User{
		ID: userID, Email: userID + "@example.com", Plan: plan, PlanExpires: planExpires,
	}))
	require.NoError(t, st.SaveTunnelToken(context.Background(), &types.TunnelToken{
		Token:      token,
		InstanceID: "inst-1",
		UserID:     userID,
		ExpiresAt:  clk.Now().Add(time.Hour),
		CreatedAt:  clk.Now(),
	}))
}

func TestMintProducesUniqueHexTokens(t *testing.T) {
	b, _, fake := newBroker(t)

	first, err := b.Mint()
	require.NoError(t, err)
	second, err := b.Mint()
	require.NoError(t, err)

	assert.Len(t, first.Token, 64)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, fake.Now().Add(time.Hour), first.ExpiresAt)
}

func TestValidateHappyPath(t *testing.T) {
	b, st, fake := newBroker(t)
	seedToken(t, st, fake, "tok-1", "user-1", types.PlanPro, nil)

	verdict, err := b.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	assert.True(t, verdict.UsageAllowed)
	assert.Equal(t, "user-1", verdict.UserID)
	assert.Equal(t, "inst-1", verdict.InstanceID)
	assert.Equal(t, types.PlanPro, verdict.PlanType)
	assert.Equal(t, 5, verdict.MaxConcurrent)
	assert.Equal(t, int64(500), verdict.MaxBandwidthGB)
}

func TestValidateIsSingleUse(t *testing.T) {
	b, st, fake := newBroker(t)
	seedToken(t, st, fake, "tok-1", "user-1", types.PlanPro, nil)

	first, err := b.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	require.True(t, first.Valid)

	second, err := b.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Equal(t, "invalid or expired token", second.Message)
}

func TestValidateUnknownToken(t *testing.T) {
	b, _, _ := newBroker(t)

	verdict, err := b.Validate(context.Background(), "never-minted")
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
}

func TestValidateEmptyToken(t *testing.T) {
	b, _, _ := newBroker(t)

	verdict, err := b.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Equal(t, "missing token", verdict.Message)
}

func TestValidateExpiredTokenIsDeleted(t *testing.T) {
	b, st, fake := newBroker(t)
	seedToken(t, st, fake, "tok-1", "user-1", types.PlanPro, nil)

	fake.Advance(2 * time.Hour)

	verdict, err := b.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.False(t, verdict.Valid)

	_, err = st.GetTunnelToken(context.Background(), "tok-1")
	assert.Error(t, err)
}

func TestValidateExpiredPlanDisallowsUsage(t *testing.T) {
	b, st, fake := newBroker(t)
	lapsed := fake.Now().Add(-24 * time.Hour)
	seedToken(t, st, fake, "tok-1", "user-1", types.PlanTrial, &lapsed)

	verdict, err := b.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	assert.False(t, verdict.UsageAllowed)
	assert.Contains(t, verdict.Message, "plan expired")
}

func TestRevoke(t *testing.T) {
	b, st, fake := newBroker(t)
	seedToken(t, st, fake, "tok-1", "user-1", types.PlanPro, nil)

	require.NoError(t, b.Revoke(context.Background(), "inst-1"))

	verdict, err := b.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
}

func TestReapExpired(t *testing.T) {
	b, st, fake := newBroker(t)
	require.NoError(t, st.SaveTunnelToken(context.Background(), &types.TunnelToken{
		Token: "old", InstanceID: "i1", UserID: "u1", ExpiresAt: fake.Now().Add(-time.Minute),
	}))
	require.NoError(t, st.SaveTunnelToken(context.Background(), &types.TunnelToken{
		Token: "live", InstanceID: "i1", UserID: "u1", ExpiresAt: fake.Now().Add(time.Hour),
	}))

	n, err := b.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
