package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"LOOMD_DB_PATH", "LOOMD_POOL_MIN", "LOOMD_POOL_MAX", "LOOMD_HTTP_PORT",
		"LOOMD_INTEGRITY_FULL_INTERVAL_HOURS", "LOOMD_EVIDENCE_RING_SIZE",
		"LOOMD_STDIO_ENABLED", "OTEL_EXPORTER_OTLP_INSECURE", "LOOMD_TUI_ENABLED",
		"LOOMD_LOG_REQUESTS", "LOOMD_QUALITY_EMBEDDER_ENABLED", "LOOMD_POOL_ACQUIRE_TIMEOUT",
		"LOOMD_HTTP_READ_TIMEOUT", "LOOMD_HTTP_WRITE_TIMEOUT", "LOOMD_GOVERNOR_TICK_INTERVAL",
		"LOOMD_JWT_EXPIRATION", "LOOMD_JWT_SIGNING_KEY", "OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_SERVICE_NAME", "LOOMD_LOG_LEVEL", "LOOMD_EVIDENCE_SINK_PATH",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadAppliesDefaultsWithNoEnvironment(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "loomd.db", cfg.DBPath)
	assert.Equal(t, 1, cfg.PoolMin)
	assert.Equal(t, 8, cfg.PoolMax)
	assert.Equal(t, 8085, cfg.HTTPPort)
	assert.True(t, cfg.StdioEnabled)
}

func TestLoadRejectsMalformedInteger(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOOMD_POOL_MAX", "not-a-number")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOOMD_POOL_ACQUIRE_TIMEOUT", "soon")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestValidateRejectsPoolMaxBelowPoolMin(t *testing.T) {
	cfg := config.Config{
		DBPath:               "x.db",
		PoolMin:              4,
		PoolMax:              2,
		HTTPPort:             8085,
		PoolAcquireTimeout:   1,
		GovernorTickInterval: 1,
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeHTTPPort(t *testing.T) {
	cfg := config.Config{
		DBPath:               "x.db",
		PoolMin:              1,
		PoolMax:              1,
		HTTPPort:             70000,
		PoolAcquireTimeout:   1,
		GovernorTickInterval: 1,
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsSaneDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}
