package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larder/internal/cart"
	"larder/internal/config"
	"larder/internal/models"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SecretKey = "cli-test-secret"
	cfg.Database.DSN = filepath.Join(dir, "larder.db")
	cfg.Browser.ProfileDir = filepath.Join(dir, "profile")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, cfg.Save(path))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootRegistersCommands(t *testing.T) {
	cmd := NewRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"migrate", "credential", "validate", "scrape", "lists", "order", "submit-code", "cancel-code", "sweep", "disconnect", "logs"} {
		assert.Contains(t, names, want)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	t.Setenv("LARDER_SECRET_KEY", "")
	path := writeConfig(t)

	out, err := run(t, "", "--config", path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "2 supplier(s) loaded")

	out, err = run(t, "hunter2\n", "--config", path, "credential", "add", "-s", "broadline", "-u", "chef@bistro.example", "--password-stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "credential 1 created for broadline")

	_, err = run(t, "", "--config", path, "credential", "add", "-s", "broadline", "-u", "chef@bistro.example")
	assert.ErrorIs(t, err, models.ErrPasswordRequired)

	out, err = run(t, "", "--config", path, "credential", "add", "-s", "cashcarry", "-u", "buyer@bistro.example")
	require.NoError(t, err, "two-factor suppliers need no password")
	assert.Contains(t, out, "credential 2 created")

	_, err = run(t, "", "--config", path, "credential", "add", "-s", "nowhere", "-u", "x")
	assert.Error(t, err)

	require.NoError(t, runQuiet(t, "--config", path, "credential", "hold", "1", "--reason", "audit"))
	require.NoError(t, runQuiet(t, "--config", path, "credential", "release", "1"))

	out, err = run(t, "", "--config", path, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "0 request(s) expired")

	out, err = run(t, "", "--config", path, "logs", "1")
	require.NoError(t, err)
	var rows []models.ScrapingLog
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Empty(t, rows)

	require.NoError(t, runQuiet(t, "--config", path, "disconnect", "1"))

	_, err = run(t, "", "--config", path, "logs", "zero")
	assert.Error(t, err)
}

func runQuiet(t *testing.T, args ...string) error {
	t.Helper()
	_, err := run(t, "", args...)
	return err
}

func TestMissingSecretKey(t *testing.T) {
	t.Setenv("LARDER_SECRET_KEY", "")
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SecretKey = ""
	cfg.Database.DSN = filepath.Join(dir, "larder.db")
	cfg.Browser.ProfileDir = filepath.Join(dir, "profile")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, cfg.Save(path))

	_, err := run(t, "", "--config", path, "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LARDER_SECRET_KEY")
}

func TestParseItems(t *testing.T) {
	tests := []struct {
		name    string
		specs   []string
		want    []cart.Item
		wantErr bool
	}{
		{"sku only", []string{"A1"}, []cart.Item{{SKU: "A1", Quantity: 1}}, false},
		{"with quantity", []string{"A1:3", " B2:12 "}, []cart.Item{{SKU: "A1", Quantity: 3}, {SKU: "B2", Quantity: 12}}, false},
		{"zero quantity", []string{"A1:0"}, nil, true},
		{"junk quantity", []string{"A1:two"}, nil, true},
		{"empty sku", []string{":4"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseItems(tt.specs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadItems(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "order.yaml")
	require.NoError(t, os.WriteFile(good, []byte("- sku: A1\n  quantity: 2\n- sku: B2\n  name: Whole Milk\n  quantity: 6\n"), 0600))
	items, err := loadItems(good)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{SKU: "A1", Quantity: 2}, {SKU: "B2", Name: "Whole Milk", Quantity: 6}}, items)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- sku: A1\n"), 0600))
	_, err = loadItems(bad)
	assert.Error(t, err)
}

func TestDeliveryDate(t *testing.T) {
	now := time.Date(2026, 10, 17, 15, 0, 0, 0, time.UTC) // Saturday

	d, err := deliveryDate("", false, now)
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = deliveryDate("2026-10-20", false, now)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 20, d.Day())

	d, err = deliveryDate("", true, now)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.After(now))
	assert.NotEqual(t, time.Sunday, d.Weekday())

	_, err = deliveryDate("someday", false, now)
	assert.Error(t, err)
}

func TestOrderNeedsItems(t *testing.T) {
	path := writeConfig(t)
	_, err := run(t, "", "--config", path, "order", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no items")
}
