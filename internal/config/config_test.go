package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:            DefaultPort,
		Env:             DefaultEnv,
		EscrowWindow:    DefaultEscrowWindow,
		SweepInterval:   DefaultSweepInterval,
		SweepBatch:      DefaultSweepBatch,
		MinQuantity:     DefaultMinQuantity,
		MaxQuantity:     DefaultMaxQuantity,
		BonusThreshold:  DefaultBonusThreshold,
		BonusPercent:    DefaultBonusPercent,
		MaxOpenPerBuyer: DefaultMaxOpenPerBuyer,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.EscrowWindow)
	assert.Equal(t, int64(10), cfg.MinQuantity)
	assert.Equal(t, int64(10000), cfg.MaxQuantity)
	assert.Equal(t, int64(1000), cfg.BonusThreshold)
	assert.Equal(t, int64(10), cfg.BonusPercent)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "ESCROW_WINDOW", "15m")
	setEnv(t, "ESCROW_SWEEP_INTERVAL", "45s")
	setEnv(t, "ESCROW_MAX_OPEN_PER_BUYER", "2")
	setEnv(t, "RATE_LIMIT_RPS", "2.5")
	setEnv(t, "MIGRATE_ON_START", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.EscrowWindow)
	assert.Equal(t, 45*time.Second, cfg.SweepInterval)
	assert.Equal(t, 2, cfg.MaxOpenPerBuyer)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.True(t, cfg.MigrateOnStart)
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"min above max", func(c *Config) { c.MinQuantity = 20000 }, "exceeds"},
		{"zero min", func(c *Config) { c.MinQuantity = 0 }, "ESCROW_MIN_QUANTITY"},
		{"zero window", func(c *Config) { c.EscrowWindow = 0 }, "ESCROW_WINDOW"},
		{"sweep too fast", func(c *Config) { c.SweepInterval = 10 * time.Millisecond }, "ESCROW_SWEEP_INTERVAL"},
		{"sweep too slow", func(c *Config) { c.SweepInterval = time.Hour }, "ESCROW_SWEEP_INTERVAL"},
		{"bonus over 100", func(c *Config) { c.BonusPercent = 150 }, "ESCROW_BONUS_PERCENT"},
		{"zero batch", func(c *Config) { c.SweepBatch = 0 }, "ESCROW_SWEEP_BATCH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
