package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SL_BASE_URL", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "memory", cfg.CacheBackend)
	require.Equal(t, 5*time.Minute, cfg.CacheTTL)
	require.Equal(t, 30*time.Minute, cfg.SLIdleTimeout)
	require.Equal(t, 3, cfg.RetryMaxAttempts)
	require.False(t, cfg.IntegrationEnabled())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("LATE_FEE_PERCENT", "2.5")
	t.Setenv("LATE_FEE_GRACE_DAYS", "10")
	t.Setenv("SL_BASE_URL", "https://sl.example.com/b1s/v1")
	t.Setenv("SL_USERNAME", "manager")
	t.Setenv("SL_PASSWORD", "secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.True(t, cfg.IntegrationEnabled())
	require.Equal(t, 2.5, cfg.LateFeePercent)
	require.Equal(t, 10, cfg.LateFeeGraceDays)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{
		CacheBackend:     "memcached",
		LockBackend:      "memory",
		SLSessionStore:   "memory",
		LateFeePercent:   120,
		RetryMaxAttempts: 0,
		SLBaseURL:        "https://sl.example.com",
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "CACHE_BACKEND")
	require.Contains(t, err.Error(), "LATE_FEE_PERCENT")
	require.Contains(t, err.Error(), "RETRY_MAX_ATTEMPTS")
	require.Contains(t, err.Error(), "SL_USERNAME")
}
