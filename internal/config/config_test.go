package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("MEZGEB_CONFIG", "")
	return home
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("MEZGEB_CONFIG", path)
	return path
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:5000", c.Server.URL)
	assert.Equal(t, 30*time.Second, c.Server.Timeout)
	assert.Equal(t, filepath.Join(home, ".local", "share", "mezgeb", "cache.db"), c.Cache.Path)
	assert.Equal(t, 5*time.Minute, c.Sync.Interval)
	assert.Equal(t, 200*time.Millisecond, c.Sync.Debounce)
	assert.Equal(t, 2*time.Minute, c.Sync.LeaseTTL)
	assert.Equal(t, 8765, c.Dashboard.Port)
	assert.Equal(t, CalendarGregorian, c.UI.Calendar)
	assert.Equal(t, "text", c.UI.Format)
	assert.Empty(t, c.Log.File)
}

func TestLoadFile(t *testing.T) {
	home := isolate(t)
	writeConfig(t, `
[server]
url = "https://mezgeb.example"
timeout = "5s"

[cache]
path = "~/data/mezgeb.db"

[sync]
interval = "1m"
lease_ttl = "45s"

[log]
file = "/var/log/mezgeb.log"
max_size_mb = 2

[ui]
calendar = "ethiopian"
format = "json"
`)

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://mezgeb.example", c.Server.URL)
	assert.Equal(t, 5*time.Second, c.Server.Timeout)
	assert.Equal(t, filepath.Join(home, "data", "mezgeb.db"), c.Cache.Path)
	assert.Equal(t, time.Minute, c.Sync.Interval)
	assert.Equal(t, 45*time.Second, c.Sync.LeaseTTL)
	assert.Equal(t, 30*time.Second, c.Sync.ProbeInterval, "unset keys keep defaults")
	assert.Equal(t, "/var/log/mezgeb.log", c.Log.File)
	assert.Equal(t, 2, c.Log.MaxSizeMB)
	assert.Equal(t, CalendarEthiopian, c.UI.Calendar)
	assert.Equal(t, "json", c.UI.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	writeConfig(t, `
[server]
url = "https://from-file.example"
`)
	t.Setenv("MEZGEB_SERVER_URL", "http://10.0.0.2:5000")
	t.Setenv("MEZGEB_DASHBOARD_PORT", "9100")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:5000", c.Server.URL)
	assert.Equal(t, 9100, c.Dashboard.Port)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	t.Setenv("MEZGEB_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))

	_, err := Load()
	assert.NoError(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"calendar", "[ui]\ncalendar = \"julian\"\n", "ui.calendar"},
		{"format", "[ui]\nformat = \"xml\"\n", "ui.format"},
		{"url", "[server]\nurl = \"localhost\"\n", "server.url"},
		{"port", "[dashboard]\nport = 70000\n", "dashboard.port"},
		{"syntax", "[server\n", "read config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			writeConfig(t, tt.body)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	t.Setenv("MEZGEB_CONFIG", path)

	c, err := Load()
	require.NoError(t, err)
	c.Server.URL = "https://saved.example"
	c.Sync.Debounce = 750 * time.Millisecond
	c.UI.Calendar = CalendarEthiopian
	require.NoError(t, Save(c))

	var out strings.Builder
	require.NoError(t, c.Encode(&out))
	assert.Contains(t, out.String(), `debounce = "750ms"`)

	again, err := Load()
	require.NoError(t, err)
	assert.Equal(t, c, again)
}
