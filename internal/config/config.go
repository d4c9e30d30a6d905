// Package config loads client settings from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Calendars accepted for ui.calendar.
const (
	CalendarGregorian = "gregorian"
	CalendarEthiopian = "ethiopian"
)

// Formats accepted for ui.format.
var Formats = []string{"text", "json", "yaml"}

// Config holds application configuration.
type Config struct {
	Server    ServerConfig
	Cache     CacheConfig
	Sync      SyncConfig
	Daemon    DaemonConfig
	Dashboard DashboardConfig
	Log       LogConfig
	UI        UIConfig
}

// ServerConfig locates the API.
type ServerConfig struct {
	URL     string
	Timeout time.Duration
}

// CacheConfig locates the local record store.
type CacheConfig struct {
	Path string
}

// SyncConfig tunes the reconciler and its triggers.
type SyncConfig struct {
	Interval      time.Duration
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	Debounce      time.Duration
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
}

// DaemonConfig holds the daemon's working directory.
type DaemonConfig struct {
	StateDir string `mapstructure:"state_dir"`
}

// DashboardConfig holds the websocket feed settings.
type DashboardConfig struct {
	Port int
}

// LogConfig enables the rotated log file. An empty File logs to stderr only.
type LogConfig struct {
	File       string
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// UIConfig holds presentation settings.
type UIConfig struct {
	Calendar string
	Format   string
}

// Path returns the config file location: $MEZGEB_CONFIG, or
// ~/.config/mezgeb/config.toml.
func Path() string {
	if p := os.Getenv("MEZGEB_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(homeDir(), ".config", "mezgeb", "config.toml")
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.Getenv("HOME")
}

func setDefaults(v *viper.Viper) {
	data := filepath.Join(homeDir(), ".local", "share", "mezgeb")

	v.SetDefault("server.url", "http://localhost:5000")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("cache.path", filepath.Join(data, "cache.db"))
	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.probe_interval", "30s")
	v.SetDefault("sync.debounce", "200ms")
	v.SetDefault("sync.lease_ttl", "2m")
	v.SetDefault("daemon.state_dir", filepath.Join(data, "state"))
	v.SetDefault("dashboard.port", 8765)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("ui.calendar", CalendarGregorian)
	v.SetDefault("ui.format", "text")
}

// Load reads configuration from file and env. Env var overrides use prefix
// MEZGEB_, e.g. MEZGEB_SERVER_URL. A missing config file, including an
// explicit $MEZGEB_CONFIG that does not exist yet, is not an error.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if p := os.Getenv("MEZGEB_CONFIG"); p != "" {
		v.SetConfigFile(p)
	} else {
		v.AddConfigPath(filepath.Join(homeDir(), ".config", "mezgeb"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("MEZGEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Cache.Path = expandHome(c.Cache.Path)
	c.Daemon.StateDir = expandHome(c.Daemon.StateDir)
	c.Log.File = expandHome(c.Log.File)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func expandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}

// Validate checks values viper cannot type-check.
func (c Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server.url %q: want http(s)://host[:port]", c.Server.URL)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.ProbeInterval < 0 || c.Sync.Debounce < 0 {
		return fmt.Errorf("sync.probe_interval and sync.debounce must not be negative")
	}
	if c.Sync.LeaseTTL <= 0 {
		return fmt.Errorf("sync.lease_ttl must be positive")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard.port %d", c.Dashboard.Port)
	}
	switch c.UI.Calendar {
	case CalendarGregorian, CalendarEthiopian:
	default:
		return fmt.Errorf("invalid ui.calendar %q (want %s or %s)", c.UI.Calendar, CalendarGregorian, CalendarEthiopian)
	}
	if !ValidFormat(c.UI.Format) {
		return fmt.Errorf("invalid ui.format %q (want %s)", c.UI.Format, strings.Join(Formats, ", "))
	}
	return nil
}

// ValidFormat reports whether f is an output format.
func ValidFormat(f string) bool {
	for _, valid := range Formats {
		if f == valid {
			return true
		}
	}
	return false
}

// file mirrors Config with durations as strings, the way they are written.
type file struct {
	Server struct {
		URL     string `toml:"url"`
		Timeout string `toml:"timeout"`
	} `toml:"server"`
	Cache struct {
		Path string `toml:"path"`
	} `toml:"cache"`
	Sync struct {
		Interval      string `toml:"interval"`
		ProbeInterval string `toml:"probe_interval"`
		Debounce      string `toml:"debounce"`
		LeaseTTL      string `toml:"lease_ttl"`
	} `toml:"sync"`
	Daemon struct {
		StateDir string `toml:"state_dir"`
	} `toml:"daemon"`
	Dashboard struct {
		Port int `toml:"port"`
	} `toml:"dashboard"`
	Log struct {
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
	} `toml:"log"`
	UI struct {
		Calendar string `toml:"calendar"`
		Format   string `toml:"format"`
	} `toml:"ui"`
}

// Encode writes c as TOML in the layout Load reads.
func (c Config) Encode(w io.Writer) error {
	var f file
	f.Server.URL = c.Server.URL
	f.Server.Timeout = c.Server.Timeout.String()
	f.Cache.Path = c.Cache.Path
	f.Sync.Interval = c.Sync.Interval.String()
	f.Sync.ProbeInterval = c.Sync.ProbeInterval.String()
	f.Sync.Debounce = c.Sync.Debounce.String()
	f.Sync.LeaseTTL = c.Sync.LeaseTTL.String()
	f.Daemon.StateDir = c.Daemon.StateDir
	f.Dashboard.Port = c.Dashboard.Port
	f.Log.File = c.Log.File
	f.Log.MaxSizeMB = c.Log.MaxSizeMB
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAgeDays = c.Log.MaxAgeDays
	f.UI.Calendar = c.UI.Calendar
	f.UI.Format = c.UI.Format

	if err := toml.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Save writes c to Path(), creating the config directory if needed.
func Save(c Config) error {
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := c.Encode(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
