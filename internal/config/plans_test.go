package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPlanConfigIsValid(t *testing.T) {
	cfg := DefaultPlanConfig()
	require.NoError(t, validatePlanConfig(cfg))
	assert.Equal(t, "free", cfg.DefaultTier)
	assert.Equal(t, int64(250), cfg.Tiers[0].Credits)
	assert.Equal(t, int64(4000), cfg.Tiers[1].Credits)
}

func TestValidatePlanConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  PlanConfig
	}{
		{
			name: "empty tiers",
			cfg:  PlanConfig{DefaultTier: "free"},
		},
		{
			name: "duplicate tier",
			cfg: PlanConfig{DefaultTier: "free", Tiers: []PlanTier{
				{Name: "free", Credits: 1},
				{Name: "FREE", Credits: 2},
			}},
		},
		{
			name: "negative credits",
			cfg: PlanConfig{DefaultTier: "free", Tiers: []PlanTier{
				{Name: "free", Credits: -1},
			}},
		},
		{
			name: "unknown cadence",
			cfg: PlanConfig{DefaultTier: "free", Tiers: []PlanTier{
				{Name: "free", Credits: 1, Cadence: "hourly"},
			}},
		},
		{
			name: "missing default tier",
			cfg: PlanConfig{DefaultTier: "team", Tiers: []PlanTier{
				{Name: "free", Credits: 1},
			}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, validatePlanConfig(tc.cfg))
		})
	}
}

func TestLoadReadsMeteringOverrides(t *testing.T) {
	t.Setenv("METERING_MAX_RETRIES", "5")
	t.Setenv("METERING_RETRY_BACKOFF", "250ms")
	t.Setenv("METERING_UNKNOWN_FEATURE_POLICY", "FREE")
	t.Setenv("METERING_REQUIRED_FEATURES", "chat_message, stats_lookup,,")

	cfg := Load()
	assert.Equal(t, 5, cfg.Metering.MaxRetries)
	assert.Equal(t, "250ms", cfg.Metering.RetryBackoff.String())
	assert.Equal(t, UnknownFeatureFree, cfg.Metering.UnknownFeaturePolicy)
	assert.Equal(t, []string{"chat_message", "stats_lookup"}, cfg.Metering.RequiredFeatures)
}

func TestLoadDefaultsToRejectingUnknownFeatures(t *testing.T) {
	t.Setenv("METERING_UNKNOWN_FEATURE_POLICY", "whatever")
	cfg := Load()
	assert.Equal(t, UnknownFeatureReject, cfg.Metering.UnknownFeaturePolicy)
	assert.Equal(t, 3, cfg.Metering.MaxRetries)
}
