package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper() {
	viper.Reset()
}

func TestLoadDefaults(t *testing.T) {
	resetViper()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Dispatcher.Host)
	assert.Equal(t, 8080, cfg.Dispatcher.Port)
	assert.Equal(t, 5, cfg.Dispatcher.DefaultMaxAttempts)
	assert.Equal(t, 120*time.Second, cfg.Dispatcher.DefaultLeaseDuration)
	assert.Equal(t, 60*time.Second, cfg.Dispatcher.DefaultHeartbeatTimeout)
	assert.Equal(t, 15*time.Second, cfg.Dispatcher.HeartbeatMonitorInterval)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 3600*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 10*time.Second, cfg.Cache.RetryInterval)
	assert.False(t, cfg.Checkpoint.Enabled)
}

func TestLoadHonorsLiteralEnvNames(t *testing.T) {
	resetViper()
	t.Setenv("DISPATCHER_HOST", "127.0.0.1")
	t.Setenv("DISPATCHER_PORT", "9090")
	t.Setenv("DEFAULT_MAX_ATTEMPTS", "7")
	t.Setenv("WORKER_ID", "worker-xyz")
	defer os.Unsetenv("DISPATCHER_HOST")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Dispatcher.Host)
	assert.Equal(t, 9090, cfg.Dispatcher.Port)
	assert.Equal(t, 7, cfg.Dispatcher.DefaultMaxAttempts)
	assert.Equal(t, "worker-xyz", cfg.Worker.ID)
}
