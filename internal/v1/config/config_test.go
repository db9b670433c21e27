package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_Defaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, DefaultFloorTimeout, cfg.FloorTimeout)
	assert.Equal(t, DefaultMaxHoldTime, cfg.FloorMaxHoldTime)
	assert.Equal(t, DefaultQueueMaxSize, cfg.FloorQueueMax)
	assert.Equal(t, DefaultRouterTimeout, cfg.RouterTimeout)
	assert.Equal(t, DefaultRouterQueueSize, cfg.RouterQueueSize)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "1000-M", cfg.RateLimitAPI)
	assert.Equal(t, "100-M", cfg.RateLimitStreams)
}

func TestValidateEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FLOOR_TIMEOUT", "5")
	t.Setenv("FLOOR_MAX_HOLD_TIME", "60")
	t.Setenv("FLOOR_QUEUE_MAX_SIZE", "10")
	t.Setenv("ROUTER_TIMEOUT", "2")
	t.Setenv("ROUTER_QUEUE_SIZE", "50")
	t.Setenv("HEARTBEAT_INTERVAL", "15")

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.FloorTimeout)
	assert.Equal(t, time.Minute, cfg.FloorMaxHoldTime)
	assert.Equal(t, 10, cfg.FloorQueueMax)
	assert.Equal(t, 2*time.Second, cfg.RouterTimeout)
	assert.Equal(t, 50, cfg.RouterQueueSize)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}

func TestValidateEnv_InvalidValues(t *testing.T) {
	t.Setenv("PORT", "notaport")
	t.Setenv("FLOOR_TIMEOUT", "-3")
	t.Setenv("FLOOR_QUEUE_MAX_SIZE", "many")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
	assert.Contains(t, err.Error(), "FLOOR_TIMEOUT")
	assert.Contains(t, err.Error(), "FLOOR_QUEUE_MAX_SIZE")
}

func TestValidateEnv_Redis(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("REDIS_PASSWORD", "secret")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, "secret", cfg.RedisPassword)
}

func TestValidateEnv_RedisBadAddr(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-an-addr")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestAllowedOrigins(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	cfg := &Config{}
	assert.Equal(t, defaults, cfg.AllowedOrigins(defaults))

	cfg.CORSOrigins = "https://a.example.com, https://b.example.com"
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins(defaults))

	cfg.CORSOrigins = " , "
	assert.Equal(t, defaults, cfg.AllowedOrigins(defaults))
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.True(t, isValidHostPort("10.0.0.1:1"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("localhost:0"))
	assert.False(t, isValidHostPort("localhost:notaport"))
}
