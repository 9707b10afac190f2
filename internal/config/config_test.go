package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/parking")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr())
	assert.Equal(t, "parking.bookings", c.AMQPExchange)
	assert.Equal(t, 5*time.Minute, c.DirectoryCacheTTL)
	assert.True(t, c.MigrateOnStart)
	assert.False(t, c.GoogleConfigured())
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadTrimsStaticTokens(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/parking")
	t.Setenv("STATIC_TOKENS", " alpha, ,beta ")
	t.Setenv("RATE_LIMIT_CAPACITY", "0")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, c.StaticTokens)
	assert.Equal(t, 1, c.RateLimitCapacity)
}
