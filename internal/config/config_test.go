package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "data/mailhook.db", cfg.DatabasePath)
	assert.Equal(t, 3, cfg.RefreshAttemptCount())
	assert.Equal(t, 10*time.Second, cfg.RefreshAttemptTimeout())
	assert.Equal(t, 60*time.Second, cfg.SyncTimeoutDuration())
	assert.Equal(t, "memory", cfg.DedupBackend)
	assert.Equal(t, 1000, cfg.DedupCapacityInt())
	assert.Equal(t, time.Hour, cfg.DedupTTLDuration())
	assert.False(t, cfg.PullEnabled())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DEDUP_BACKEND", "redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("DEDUP_TTL", "15m")
	t.Setenv("PUBSUB_PROJECT", "proj")
	t.Setenv("PUBSUB_SUBSCRIPTION", "sub")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3, cfg.RedisDBInt())
	assert.Equal(t, 15*time.Minute, cfg.DedupTTLDuration())
	assert.True(t, cfg.PullEnabled())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing client", map[string]string{"GOOGLE_CLIENT_ID": ""}, "GOOGLE_CLIENT_ID"},
		{"bad port", map[string]string{"PORT": "0"}, "PORT"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"bad driver", map[string]string{"DATABASE_DRIVER": "postgres"}, "DATABASE_DRIVER"},
		{"bad attempts", map[string]string{"REFRESH_ATTEMPTS": "0"}, "REFRESH_ATTEMPTS"},
		{"bad timeout", map[string]string{"REFRESH_ATTEMPT_TIMEOUT": "soon"}, "REFRESH_ATTEMPT_TIMEOUT"},
		{"bad sync timeout", map[string]string{"SYNC_TIMEOUT": "-1s"}, "SYNC_TIMEOUT"},
		{"sync timeout below refresh", map[string]string{"SYNC_TIMEOUT": "30s"}, "worst-case refresh time of 33s"},
		{"sync timeout below longer refresh", map[string]string{"SYNC_TIMEOUT": "45s", "REFRESH_ATTEMPTS": "4"}, "SYNC_TIMEOUT"},
		{"bad backend", map[string]string{"DEDUP_BACKEND": "disk"}, "DEDUP_BACKEND"},
		{"bad capacity", map[string]string{"DEDUP_CAPACITY": "x"}, "DEDUP_CAPACITY"},
		{"bad redis db", map[string]string{"DEDUP_BACKEND": "redis", "REDIS_DB": "20"}, "REDIS_DB"},
		{"half pubsub", map[string]string{"PUBSUB_PROJECT": "p"}, "PUBSUB_PROJECT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			err := Load().Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MAILHOOK_TEST_VALUE=from-file\nMAILHOOK_TEST_SET=from-file\n"), 0o600))

	t.Setenv("MAILHOOK_TEST_SET", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("MAILHOOK_TEST_VALUE") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("MAILHOOK_TEST_VALUE"))
	assert.Equal(t, "from-env", os.Getenv("MAILHOOK_TEST_SET"))
}
