// Package config loads and validates server configuration from an optional
// JSON file and the environment using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the session server configuration.
type Config struct {
	// ListenAddr is the websocket listen address (e.g. :9000).
	ListenAddr string `mapstructure:"listen_addr"`
	// DatabasePath is the SQLite database file path.
	DatabasePath string `mapstructure:"database_path"`

	// LogDevelopment switches the logger to the console encoder at debug
	// level.
	LogDevelopment bool `mapstructure:"log_development"`

	// RedisAddr enables the live-session presence registry when set.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// MaxClients is the advertised client capacity.
	MaxClients int `mapstructure:"max_clients"`

	// ConnectionTimeout is the liveness timeout: a connected client silent
	// for longer than this is timed out.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ReconnectGrace is how long a disconnected session is kept around for
	// the same identity to reconnect to.
	ReconnectGrace time.Duration `mapstructure:"reconnect_grace"`
	// MonitorPollInterval is the session monitor tick.
	MonitorPollInterval time.Duration `mapstructure:"monitor_poll_interval"`

	// HostSettleDelay is how long a host claim stays pending before it is
	// released unconditionally.
	HostSettleDelay time.Duration `mapstructure:"host_settle_delay"`
	// HostLivenessWindow bounds how stale a host's last activity may be for
	// it to still count as responsive.
	HostLivenessWindow time.Duration `mapstructure:"host_liveness_window"`

	// BootKeepAliveInterval is how often the boot record's last-active
	// timestamp is refreshed.
	BootKeepAliveInterval time.Duration `mapstructure:"boot_keepalive_interval"`

	// Values echoed to clients in the initialize reply.
	ClientConsoleLogLevel string   `mapstructure:"client_console_log_level"`
	ClientMirrorLogLevel  string   `mapstructure:"client_mirror_log_level"`
	LocaleCultures        []string `mapstructure:"locale_cultures"`
	LocaleTimezone        string   `mapstructure:"locale_timezone"`
}

// Load reads the JSON config file at path (skipped when path is empty), then
// applies environment overrides (SESSION_ prefix) and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("SESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":9000")
	v.SetDefault("database_path", "sessions.db")
	v.SetDefault("log_development", false)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("max_clients", 32)
	v.SetDefault("connection_timeout", "30s")
	v.SetDefault("reconnect_grace", "90s")
	v.SetDefault("monitor_poll_interval", "100ms")
	v.SetDefault("host_settle_delay", "5s")
	v.SetDefault("host_liveness_window", "1s")
	v.SetDefault("boot_keepalive_interval", "30s")
	v.SetDefault("client_console_log_level", "info")
	v.SetDefault("client_mirror_log_level", "error")
	v.SetDefault("locale_cultures", []string{"en-US"})
	v.SetDefault("locale_timezone", "America/New_York")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ListenAddr == "" {
		return nil, errors.New("config: listen_addr must be set")
	}
	if cfg.DatabasePath == "" {
		return nil, errors.New("config: database_path must be set")
	}
	if cfg.MaxClients <= 0 {
		return nil, errors.New("config: max_clients must be greater than zero")
	}
	if cfg.ConnectionTimeout <= 0 {
		return nil, errors.New("config: connection_timeout must be greater than zero")
	}
	if cfg.ReconnectGrace < 0 {
		return nil, errors.New("config: reconnect_grace must not be negative")
	}
	if cfg.MonitorPollInterval <= 0 {
		return nil, errors.New("config: monitor_poll_interval must be greater than zero")
	}
	if cfg.HostSettleDelay <= 0 {
		return nil, errors.New("config: host_settle_delay must be greater than zero")
	}
	if cfg.HostLivenessWindow <= 0 {
		return nil, errors.New("config: host_liveness_window must be greater than zero")
	}

	return &cfg, nil
}
