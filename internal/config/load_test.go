package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("NETUID", "52")
	t.Setenv("SCORING_PERIOD", "30m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 52, cfg.Netuid)
	assert.Equal(t, 52, cfg.ValidatorEnvConfig.Netuid)
	assert.Equal(t, 30*time.Minute, cfg.ScoringPeriod)
	assert.Equal(t, 0.1, cfg.CapacityToScoreFraction)
	assert.Equal(t, 3, cfg.SetWeightsAttempts)
	assert.Equal(t, int64(5000), cfg.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Second, cfg.StreamFirstChunkTimeout)
	assert.Empty(t, cfg.DatabaseDSN)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("SCORING_PERIOD", "hourly")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadMinerConfig(t *testing.T) {
	t.Setenv("MINER_CAPACITIES", "chat:1200,text-to-image:15.5")

	cfg, err := LoadMinerConfig()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"chat": 1200, "text-to-image": 15.5}, cfg.MinerCapacities)
	assert.Equal(t, "0.0.0.0:8080", cfg.MinerAddress)
	assert.Equal(t, 20*time.Millisecond, cfg.MinerChunkDelay)
}

func TestNewIntervalConfig(t *testing.T) {
	assert.Same(t, ProdIntervalConfig, NewIntervalConfig("PROD"))
	assert.Same(t, TestIntervalConfig, NewIntervalConfig("test"))
	assert.Same(t, DevIntervalConfig, NewIntervalConfig("staging"))
}
