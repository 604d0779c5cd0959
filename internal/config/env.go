package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	headlessEnvVar   = "LARDER_HEADLESS"
	chromePathEnvVar = "LARDER_CHROME_PATH"
	navTimeoutEnvVar = "LARDER_NAV_TIMEOUT"
	dsnEnvVar        = "LARDER_DATABASE_DSN"
	secretKeyEnvVar  = "LARDER_SECRET_KEY"
	webhookEnvVar    = "LARDER_WEBHOOK_URL"
	debugEnvVar      = "LARDER_DEBUG"
)

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

// ApplyEnv overlays the infrastructure settings the environment provides.
func (c *Config) ApplyEnv() error {
	var err error
	if c.Browser.Headless, err = envBool(headlessEnvVar, c.Browser.Headless); err != nil {
		return err
	}
	if c.Debug, err = envBool(debugEnvVar, c.Debug); err != nil {
		return err
	}
	if v := GetEnv(navTimeoutEnvVar, ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive number of seconds, got %q", navTimeoutEnvVar, v)
		}
		c.Browser.NavigationTimeoutSeconds = n
	}
	c.Browser.ExecutablePath = GetEnv(chromePathEnvVar, c.Browser.ExecutablePath)
	c.Database.DSN = GetEnv(dsnEnvVar, c.Database.DSN)
	c.SecretKey = GetEnv(secretKeyEnvVar, c.SecretKey)
	c.Notify.WebhookURL = GetEnv(webhookEnvVar, c.Notify.WebhookURL)
	return nil
}

func envBool(name string, def bool) (bool, error) {
	v := GetEnv(name, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be true or false, got %q", name, v)
	}
	return b, nil
}
