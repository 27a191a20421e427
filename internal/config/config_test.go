package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8082, cfg.Server.Port)
	assert.Equal(t, 64, cfg.WebSocket.ShardCount)
	assert.Equal(t, 4, cfg.Actor.MinPoolSize)
	assert.Equal(t, 64, cfg.Actor.MaxPoolSize)
	assert.True(t, cfg.Streaming.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.AMQP.Enabled)
	assert.False(t, cfg.JMS.Enabled)
}

// No SetEnvKeyReplacer is configured (matching the teacher's own
// config.go), so AutomaticEnv only binds a nested key's literal dotted
// name, not the underscored form a shell would normally export.
func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("DGFACADE_ACTOR.MAX_POOL_SIZE", "128")
	t.Setenv("DGFACADE_KAFKA.ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 128, cfg.Actor.MaxPoolSize)
	assert.True(t, cfg.Kafka.Enabled)
}

func TestLoad_ClampsMinPoolSizeToMax(t *testing.T) {
	t.Setenv("DGFACADE_ACTOR.MIN_POOL_SIZE", "200")
	t.Setenv("DGFACADE_ACTOR.MAX_POOL_SIZE", "64")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Actor.MinPoolSize)
}
