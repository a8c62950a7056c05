package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/vrlink/internal/logger"
	"github.com/loykin/vrlink/internal/metrics"
)

// EnvPrefix prefixes environment overrides, e.g. VRLINK_SERVER_LISTEN.
const EnvPrefix = "VRLINK"

var ErrInvalid = errors.New("invalid config")

// Config represents the top-level TOML structure.
type Config struct {
	Log         logger.Config  `mapstructure:"log"`
	Watcher     WatcherConfig  `mapstructure:"watcher"`
	Service     ServiceConfig  `mapstructure:"service"`
	Preferences Preferences    `mapstructure:"preferences"`
	Recovery    RecoveryConfig `mapstructure:"recovery"`
	Server      ServerConfig   `mapstructure:"server"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	History     HistoryConfig  `mapstructure:"history"`

	// path of the file this config was read from, "" for defaults only
	path string
}

type WatcherConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Ignore   []string      `mapstructure:"ignore"`
}

type ServiceConfig struct {
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Backend is "system" for the host service manager or "memory" for an
	// in-process stand-in.
	Backend string `mapstructure:"backend"`
}

// Preferences are the user toggles that gate the automatic policies.
type Preferences struct {
	ExitLinkOnSteamVRExit bool `mapstructure:"exit_link_on_steamvr_exit"`
	SteamVRFocusFix       bool `mapstructure:"steamvr_focus_fix"`
}

type RecoveryConfig struct {
	RelaunchDelay time.Duration `mapstructure:"relaunch_delay"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
	Burst         int           `mapstructure:"burst"`
	FocusInterval time.Duration `mapstructure:"focus_interval"`
}

type ServerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Listen serves /metrics on its own listener; empty mounts it on the API server.
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)

	v.SetDefault("watcher.interval", time.Second)
	v.SetDefault("watcher.ignore", []string{})

	v.SetDefault("service.name", "OVRService")
	v.SetDefault("service.timeout", 30*time.Second)
	v.SetDefault("service.backend", "system")

	v.SetDefault("preferences.exit_link_on_steamvr_exit", true)
	v.SetDefault("preferences.steamvr_focus_fix", true)

	v.SetDefault("recovery.relaunch_delay", 2*time.Second)
	v.SetDefault("recovery.min_interval", time.Duration(0))
	v.SetDefault("recovery.burst", 1)
	v.SetDefault("recovery.focus_interval", time.Second)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8089")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)
	v.SetDefault("metrics.resources.max_history", 60)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Load reads path (TOML) on top of the defaults. An empty path loads
// defaults and environment overrides only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.path = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadPreferences reads only the [preferences] section of path.
func LoadPreferences(path string) (Preferences, error) {
	c, err := Load(path)
	if err != nil {
		return Preferences{}, err
	}
	return c.Preferences, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	switch c.Service.Backend {
	case "system", "memory":
	default:
		errs = append(errs, fmt.Errorf("service.backend %q must be system or memory", c.Service.Backend))
	}
	if c.Watcher.Interval <= 0 {
		errs = append(errs, errors.New("watcher.interval must be positive"))
	}
	if c.Recovery.RelaunchDelay < 0 {
		errs = append(errs, errors.New("recovery.relaunch_delay must not be negative"))
	}
	if c.Recovery.MinInterval < 0 {
		errs = append(errs, errors.New("recovery.min_interval must not be negative"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath))
	}
	if c.History.Enabled {
		if len(c.History.DSNs) == 0 {
			errs = append(errs, errors.New("history.dsns is empty but history is enabled"))
		}
		for _, d := range c.History.DSNs {
			if _, err := url.Parse(d); err != nil {
				errs = append(errs, fmt.Errorf("history dsn: %w", err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
