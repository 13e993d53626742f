package bastion

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_DefaultsAreValid(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Shards)
	assert.Equal(t, 100, cfg.IPLimitPerMinute)
	assert.Equal(t, 20, cfg.EndpointLimitPerMinute)
	assert.Equal(t, 200, cfg.GlobalLimitPerMinute)
	assert.Equal(t, 3, cfg.StrikeLimit)
	assert.Equal(t, 2*time.Minute, cfg.SignatureMaxAge.Std())
	assert.Equal(t, 8, cfg.Penalty.StrikeOneThreshold)
	assert.Equal(t, time.Hour, cfg.Penalty.StrikeOneDuration.Std())
	assert.Equal(t, 24*time.Hour, cfg.Penalty.StrikeTwoDuration.Std())
}

func TestLoadConfigFromFile(t *testing.T) {
	yaml := `
ip_limit_per_minute: 50
endpoint_limit_per_minute: 5
penalty:
  strike_one_threshold: 4
  strike_one_window: 1m
  strike_one_duration: 30m
  strike_two_threshold: 2
  strike_two_window: 5m
  strike_two_duration: 12h
  strike_three_threshold: 2
  strike_three_window: 24h
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.IPLimitPerMinute)
	assert.Equal(t, 5, cfg.EndpointLimitPerMinute)
	assert.Equal(t, 4, cfg.Penalty.StrikeOneThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Penalty.StrikeOneDuration.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, 200, cfg.GlobalLimitPerMinute)
	assert.Equal(t, 10, cfg.Shards)
}

func TestLoadConfigFromFile_Errors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shards: [not a number"), 0o600))
	_, err = LoadConfigFromFile(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero shards", mutate: func(c *Config) { c.Shards = 0 }},
		{name: "short counter ttl", mutate: func(c *Config) { c.CounterTTL = Duration(30 * time.Second) }},
		{name: "negative ip limit", mutate: func(c *Config) { c.IPLimitPerMinute = -1 }},
		{name: "zero endpoint limit", mutate: func(c *Config) { c.EndpointLimitPerMinute = 0 }},
		{name: "zero strike limit", mutate: func(c *Config) { c.StrikeLimit = 0 }},
		{name: "zero signature max age", mutate: func(c *Config) { c.SignatureMaxAge = 0 }},
		{name: "zero strike one threshold", mutate: func(c *Config) { c.Penalty.StrikeOneThreshold = 0 }},
		{name: "zero strike one window", mutate: func(c *Config) { c.Penalty.StrikeOneWindow = 0 }},
		{name: "zero injection threshold", mutate: func(c *Config) { c.Patterns.InjectionThreshold = 0 }},
		{name: "zero dos window", mutate: func(c *Config) { c.Patterns.DoSWindow = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigIsExempt(t *testing.T) {
	cfg := NewConfig()
	assert.True(t, cfg.IsExempt("/health"))
	assert.True(t, cfg.IsExempt("/admin/restore_system"))
	assert.False(t, cfg.IsExempt("/chat"))
	assert.False(t, cfg.IsExempt("/healthz"))
}
