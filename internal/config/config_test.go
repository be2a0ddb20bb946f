package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReturnsDefaultsWhenNoEnvVarsSet(t *testing.T) {
	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warning", env.LogLevel)
	assert.Equal(t, "text", env.LogFormat)
	assert.False(t, env.MetricsEnabled)
	assert.Equal(t, ":9090", env.MetricsAddr)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	t.Setenv("REACTIVE_TOOLS_LOG_LEVEL", "debug")
	t.Setenv("REACTIVE_TOOLS_METRICS_ENABLED", "true")

	env, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", env.LogLevel)
	assert.True(t, env.MetricsEnabled)
}
