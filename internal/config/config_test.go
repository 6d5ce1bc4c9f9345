package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := Load()

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 5*time.Minute, cfg.MinSessionDuration)
	assert.Equal(t, 24*time.Hour, cfg.MaxSessionAge)
	assert.Zero(t, cfg.ClosureTimeout)
	assert.Empty(t, cfg.CORSOrigins)
	assert.Equal(t, BackendMemory, cfg.RateLimitBackend)
	assert.Equal(t, 10, cfg.DBMaxConns)
	assert.Equal(t, 15*time.Second, cfg.ConnectWait)
	assert.False(t, cfg.Production())
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("APP_ENV", "prod")
	t.Setenv("STORE_BACKEND", BackendMemory)
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("MIN_SESSION_DURATION", "10m")
	t.Setenv("CLOSURE_TIMEOUT", "90s")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")
	t.Setenv("RATE_LIMIT_BACKEND", BackendRedis)
	t.Setenv("REDIS_POOL_SIZE", "50")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg := Load()
	assert.True(t, cfg.Production())
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, 10*time.Minute, cfg.MinSessionDuration)
	assert.Equal(t, 90*time.Second, cfg.ClosureTimeout)
	assert.Equal(t, 30, cfg.RateLimitPerMin)
	assert.Equal(t, BackendRedis, cfg.RateLimitBackend)
	assert.Equal(t, 50, cfg.RedisPoolSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAX_SESSION_AGE", "a day")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")
	t.Setenv("AUTO_MIGRATE", "maybe")

	cfg := Load()
	assert.Equal(t, 24*time.Hour, cfg.MaxSessionAge)
	assert.Equal(t, 120, cfg.RateLimitPerMin)
	assert.True(t, cfg.AutoMigrate)
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HTTP_PORT=9999\nOUTBOX_PATH=/var/lib/qrattend/outbox.db\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("HTTP_PORT", "7000")
	t.Cleanup(func() { _ = os.Unsetenv("OUTBOX_PATH") })

	cfg := Load()
	assert.Equal(t, "7000", cfg.HTTPPort)
	assert.Equal(t, "/var/lib/qrattend/outbox.db", cfg.OutboxPath)
}

func TestPolicy(t *testing.T) {
	cfg := App{Timezone: "America/Guayaquil", MinSessionDuration: 5 * time.Minute, MaxSessionAge: 24 * time.Hour}
	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "America/Guayaquil", p.Location.String())
	assert.Equal(t, 5*time.Minute, p.MinDuration)

	cfg.Timezone = "Mars/Olympus"
	_, err = cfg.Policy()
	assert.Error(t, err)

	cfg.Timezone = "UTC"
	cfg.MinSessionDuration = 48 * time.Hour
	_, err = cfg.Policy()
	assert.Error(t, err)
}
