package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larder/internal/browser"
	"larder/internal/checkout"
	"larder/internal/models"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Jobs, cfg.Jobs)

	_, err = os.Stat(path)
	require.NoError(t, err, "defaults should be written out")

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Suppliers["broadline"].Selectors, again.Suppliers["broadline"].Selectors)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug: true
jobs:
  workers: 9
suppliers:
  broadline:
    minimum_order: 350
    live_mode_enabled: true
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 9, cfg.Jobs.Workers)
	assert.Equal(t, 3, cfg.Jobs.MaxRetries, "unset keys keep defaults")

	p, ok := cfg.Supplier("broadline")
	require.True(t, ok)
	assert.Equal(t, 350.0, p.MinimumOrder)
	assert.True(t, p.LiveModeEnabled)
	assert.Equal(t, "broadline", p.Adapter)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: [oops"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(headlessEnvVar, "false")
	t.Setenv(navTimeoutEnvVar, "45")
	t.Setenv(dsnEnvVar, "postgres://larder@db/larder")
	t.Setenv(webhookEnvVar, "https://hooks.example/2fa")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 45, cfg.Browser.NavigationTimeoutSeconds)
	assert.Equal(t, "postgres://larder@db/larder", cfg.Database.DSN)
	assert.Equal(t, "https://hooks.example/2fa", cfg.Notify.WebhookURL)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv(navTimeoutEnvVar, "soon")
	assert.Error(t, Default().ApplyEnv())

	t.Setenv(navTimeoutEnvVar, "")
	t.Setenv(headlessEnvVar, "maybe")
	assert.Error(t, Default().ApplyEnv())
}

func TestGetEnv(t *testing.T) {
	t.Setenv("LARDER_TEST_VALUE", "")
	assert.Equal(t, "fallback", GetEnv("LARDER_TEST_VALUE", "fallback"))
	t.Setenv("LARDER_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnv("LARDER_TEST_VALUE", "fallback"))
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero workers", func(c *Config) { c.Jobs.Workers = 0 }},
		{"inverted retry delay", func(c *Config) { c.Jobs.RetryDelayMinMs, c.Jobs.RetryDelayMaxMs = 5000, 10 }},
		{"unknown auth type", func(c *Config) {
			p := c.Suppliers["broadline"]
			p.AuthType = "magic_link"
			c.Suppliers["broadline"] = p
		}},
		{"unknown policy", func(c *Config) {
			p := c.Suppliers["broadline"]
			p.UnavailablePolicy = "shrug"
			c.Suppliers["broadline"] = p
		}},
		{"two factor without long session", func(c *Config) {
			p := c.Suppliers["cashcarry"]
			p.LongSession = false
			c.Suppliers["cashcarry"] = p
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSessionConfigLongSession(t *testing.T) {
	cfg := Default()

	short := cfg.SessionConfig(cfg.Suppliers["broadline"])
	assert.Equal(t, 30*time.Second, short.ProcessTimeout)

	long := cfg.SessionConfig(cfg.Suppliers["cashcarry"])
	assert.Equal(t, browser.LongProcessTimeout, long.ProcessTimeout)
	assert.Greater(t, long.IdleTimeout, models.TwoFactorTimeout)
}

func TestProfileDefaults(t *testing.T) {
	cfg := Default()

	b := cfg.Suppliers["broadline"]
	assert.Equal(t, models.PasswordSessionTTL, b.SessionTTL())
	assert.Equal(t, models.TwoFactorTimeout, b.TwoFATimeout())
	assert.Equal(t, checkout.HardFail, b.UnavailablePolicy)
	assert.False(t, b.CanChallenge())

	c := cfg.Suppliers["cashcarry"]
	assert.Equal(t, 20*time.Hour, c.SessionTTL())
	assert.Equal(t, checkout.WarnAndContinue, c.UnavailablePolicy)
	assert.True(t, c.CanChallenge())
}
