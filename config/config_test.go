package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_DSN", "postgres://localhost/dispatch")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ADMIN_JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "production", cfg.AppEnv)
	assert.False(t, cfg.Relaxed())
	assert.Equal(t, QuotaRequests, cfg.QuotaUnit)
	assert.Equal(t, int64(600), cfg.QuotaLimit)
	assert.Equal(t, time.Minute, cfg.QuotaWindow)
	assert.Equal(t, 5*time.Minute, cfg.TenantCacheTTL)
	assert.Equal(t, uint(3), cfg.UsageWriteAttempts)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ADMIN_JWT_SECRET", "secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"QUOTA_LIMIT":          "many",
		"QUOTA_WINDOW":         "soon",
		"QUOTA_UNIT":           "dollars",
		"USAGE_WRITE_ATTEMPTS": "0",
		"TENANT_CACHE_TTL":     "0s",
		"LOG_PRETTY":           "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestRelaxed(t *testing.T) {
	for env, want := range map[string]bool{
		"development": true,
		"Local":       true,
		"test":        true,
		"production":  false,
		"staging":     false,
		"":            false,
	} {
		cfg := &Config{AppEnv: env}
		assert.Equal(t, want, cfg.Relaxed(), "APP_ENV=%q", env)
	}
}
