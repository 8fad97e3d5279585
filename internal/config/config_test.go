// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "scalpel-replay", cfg.Logger().ServiceName)
	assert.Equal(t, 0.7, cfg.Replay().HailMaryDiscount)
	assert.Equal(t, 2.0, cfg.Replay().CombinedThresholdFactor)
	assert.Equal(t, 1, cfg.Replay().ExceptionCap)
	assert.Equal(t, 2, cfg.Replay().KeywordRetries)
	assert.Equal(t, 90*time.Second, cfg.Replay().Timeouts.Event)
	assert.Equal(t, 10*time.Millisecond, cfg.Replay().DrainInitialDelay)
	assert.Equal(t, 2*time.Second, cfg.Replay().GraceWindow)
	assert.Equal(t, ChoiceSkip, cfg.Replay().DefaultTimeoutChoice)
	assert.NotEmpty(t, cfg.Activity().IgnoreURLPatterns)
	assert.Empty(t, cfg.Database().URL)
	assert.NoError(t, cfg.Validate())
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetReplayMinMatchScore(0.8)
	cfg.SetReplayPromptEnabled(true)
	cfg.SetReplayMaxSkippedEvents(3)
	cfg.SetBrowserHeadless(true)

	assert.Equal(t, 0.8, cfg.Replay().MinMatchScore)
	assert.True(t, cfg.Replay().PromptEnabled)
	assert.Equal(t, 3, cfg.Replay().MaxSkippedEvents)
	assert.True(t, cfg.Browser().Headless)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"min score zero", func(c *Config) { c.ReplayCfg.MinMatchScore = 0 }, "replay.min_match_score must be between 0 and 1"},
		{"min score above one", func(c *Config) { c.ReplayCfg.MinMatchScore = 1.5 }, "replay.min_match_score must be between 0 and 1"},
		{"discount", func(c *Config) { c.ReplayCfg.HailMaryDiscount = 0 }, "replay.hail_mary_discount must be between 0 and 1"},
		{"threshold factor", func(c *Config) { c.ReplayCfg.CombinedThresholdFactor = -1 }, "replay.combined_threshold_factor must be positive"},
		{"skipped events", func(c *Config) { c.ReplayCfg.MaxSkippedEvents = -1 }, "replay.max_skipped_events must not be negative"},
		{"negative keyword retries", func(c *Config) { c.ReplayCfg.KeywordRetries = -1 }, "replay.keyword_retries must be between 0 and 10"},
		{"too many keyword retries", func(c *Config) { c.ReplayCfg.KeywordRetries = 64 }, "replay.keyword_retries must be between 0 and 10"},
		{"grace window", func(c *Config) { c.ReplayCfg.GraceWindow = 3 * time.Second }, "replay.grace_window must be in (0, 2s]"},
		{"timeout choice", func(c *Config) { c.ReplayCfg.DefaultTimeoutChoice = "maybe" }, "replay.default_timeout_choice"},
		{"event timeout", func(c *Config) { c.ReplayCfg.Timeouts.Event = 0 }, "replay.timeouts.event must be a positive duration"},
		{"drain delays", func(c *Config) { c.ReplayCfg.DrainMaxDelay = time.Millisecond }, "replay.drain_initial_delay"},
		{"op timeout", func(c *Config) { c.BrowserCfg.OpTimeout = 0 }, "browser.op_timeout must be a positive duration"},
		{"monitor", func(c *Config) {
			c.SchedulerCfg.Monitors = []MonitorConfig{{Name: "home", Cron: "@every 1m"}}
		}, "scheduler.monitors[0] requires both cron and script"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
replay:
  min_match_score: 0.8
  timeouts:
    event: 45s
scheduler:
  monitors:
    - name: checkout
      cron: "0 */5 * * * *"
      script: checkout.yaml
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 0.8, cfg.Replay().MinMatchScore)
		assert.Equal(t, 45*time.Second, cfg.Replay().Timeouts.Event)
		// Untouched defaults survive.
		assert.Equal(t, 30*time.Second, cfg.Replay().Timeouts.Network)
		require.Len(t, cfg.Scheduler().Monitors, 1)
		assert.Equal(t, "checkout.yaml", cfg.Scheduler().Monitors[0].Script)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("replay.hail_mary_discount", 1.5)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "replay.hail_mary_discount")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		t.Setenv("SCALPEL_REPLAY_AUTH_SECRET", "s3cret")
		t.Setenv("SCALPEL_REPLAY_DATABASE_URL", "postgres://replay@localhost/replay")

		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "s3cret", cfg.Server().AuthSecret)
		assert.Equal(t, "postgres://replay@localhost/replay", cfg.Database().URL)
	})
}
