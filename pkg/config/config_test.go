package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentmat/bore-control/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.Development())
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatCheckInterval)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Hour, cfg.TunnelTokenTTL)
	assert.Equal(t, 20, cfg.CapacityReservedPct)
	assert.Equal(t, 1, cfg.LimitsFor(types.PlanTrial).MaxConcurrent)
	assert.Equal(t, 5, cfg.LimitsFor(types.PlanPro).MaxConcurrent)
	assert.Equal(t, 20, cfg.LimitsFor(types.PlanEnterprise).MaxConcurrent)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("CAPACITY_RESERVED_PCT", "30")
	t.Setenv("CACHE_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 30, cfg.CapacityReservedPct)
	assert.False(t, cfg.CacheEnabled)
}

func TestProductionRequiresSecrets(t *testing.T) {
	t.Setenv("BORE_ENV", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("INTERNAL_API_KEY", "")

	_, err := Load()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "secret")
	_, err = Load()
	assert.Error(t, err, "internal API key still missing")

	t.Setenv("INTERNAL_API_KEY", "relay-key")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Development())
}

func TestPlanFileOverride(t *testing.T) {
	dir := t.TempDir()
	planFile := filepath.Join(dir, "plans.yaml")
	content := "pro:\n  max_concurrent: 10\n  max_bandwidth_gb: 1000\n"
	require.NoError(t, os.WriteFile(planFile, []byte(content), 0o600))

	t.Setenv("PLAN_FILE", planFile)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.LimitsFor(types.PlanPro).MaxConcurrent)
	assert.Equal(t, int64(1000), cfg.LimitsFor(types.PlanPro).MaxBandwidthGB)
	// Untouched plans keep defaults
	assert.Equal(t, 1, cfg.LimitsFor(types.PlanTrial).MaxConcurrent)
}

func TestUnknownPlanFallsBackToTrial(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, cfg.LimitsFor(types.PlanTrial), cfg.LimitsFor(types.PlanType("free")))
}

func TestValidateRejectsBadReservedPct(t *testing.T) {
	t.Setenv("CAPACITY_RESERVED_PCT", "100")
	_, err := Load()
	assert.Error(t, err)
}
