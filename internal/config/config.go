// Package config provides configuration management for ShareTunnel.
// It loads the YAML configuration file, applies environment overrides and
// defaults, and can watch the file for changes to hot-reload log settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAPIPort is the port of the upward API when none is configured.
	DefaultAPIPort = 8320
	// DefaultServerPort is the backend server port when none is configured.
	DefaultServerPort = 3001
	// DefaultTunnelSuffix is the domain quick tunnels are published under.
	DefaultTunnelSuffix = "trycloudflare.com"
)

// Environment variables that override file values.
const (
	EnvPort         = "SHARETUNNEL_PORT"
	EnvServerExe    = "SHARETUNNEL_SERVER_EXE"
	EnvServerPort   = "SHARETUNNEL_SERVER_PORT"
	EnvDataDir      = "SHARETUNNEL_DATA_DIR"
	EnvTunnelExe    = "SHARETUNNEL_TUNNEL_EXE"
	EnvLogLevel     = "SHARETUNNEL_LOG_LEVEL"
	EnvBrowseRoot   = "SHARETUNNEL_BROWSE_ROOT"
	EnvTunnelEnable = "SHARETUNNEL_TUNNEL"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the upward API binds to. Empty means 127.0.0.1.
	Host string `yaml:"host" json:"host"`
	// Port is the upward API port.
	Port int `yaml:"port" json:"port"`
	// Debug switches gin into debug mode and forces debug logging.
	Debug bool `yaml:"debug" json:"debug"`
	// LogLevel is one of debug, info, warn, error, quiet.
	LogLevel string `yaml:"log-level" json:"log-level"`
	// LoggingToFile mirrors logs into a rotating file under LogsDir.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogsDir is the directory for rotated log files.
	LogsDir string `yaml:"logs-dir" json:"logs-dir"`
	// LogsMaxSizeMB is the size at which a log file is rotated.
	LogsMaxSizeMB int `yaml:"logs-max-size-mb" json:"logs-max-size-mb"`
	// Metrics enables the Prometheus endpoint and collectors.
	Metrics bool `yaml:"metrics" json:"metrics"`

	Server    ServerConfig    `yaml:"server" json:"server"`
	Readiness ReadinessConfig `yaml:"readiness" json:"readiness"`
	Tunnel    TunnelConfig    `yaml:"tunnel" json:"tunnel"`
	Share     ShareConfig     `yaml:"share" json:"share"`
	Browse    BrowseConfig    `yaml:"browse" json:"browse"`
}

// ServerConfig describes the supervised backend process.
type ServerConfig struct {
	Executable string            `yaml:"executable" json:"executable"`
	Args       []string          `yaml:"args,omitempty" json:"args,omitempty"`
	DataDir    string            `yaml:"data-dir" json:"data-dir"`
	Port       int               `yaml:"port" json:"port"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// RestartOnExit respawns the backend after an unexpected exit.
	RestartOnExit bool          `yaml:"restart-on-exit" json:"restart-on-exit"`
	RestartDelay  time.Duration `yaml:"restart-delay" json:"restart-delay"`
	StopTimeout   time.Duration `yaml:"stop-timeout" json:"stop-timeout"`
}

// ReadinessConfig tunes the readiness prober. MaxWait of zero polls forever.
type ReadinessConfig struct {
	Grace          time.Duration `yaml:"grace" json:"grace"`
	Interval       time.Duration `yaml:"interval" json:"interval"`
	AttemptTimeout time.Duration `yaml:"attempt-timeout" json:"attempt-timeout"`
	MaxWait        time.Duration `yaml:"max-wait" json:"max-wait"`
}

// TunnelConfig controls discovery and supervision of the tunnel client.
type TunnelConfig struct {
	// Enabled is a pointer so an absent key keeps the default (true).
	Enabled     *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Executable  string        `yaml:"executable" json:"executable"`
	Candidates  []string      `yaml:"candidates,omitempty" json:"candidates,omitempty"`
	Suffix      string        `yaml:"suffix" json:"suffix"`
	StopTimeout time.Duration `yaml:"stop-timeout" json:"stop-timeout"`
	// Env is added to the environment of the tunnel process.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// ShareConfig controls the share broker.
type ShareConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// BrowseConfig controls the folder browsing endpoint.
type BrowseConfig struct {
	Root string `yaml:"root" json:"root"`
}

// IsTunnelEnabled reports whether tunnel discovery should run.
func (c *Config) IsTunnelEnabled() bool {
	if c == nil || c.Tunnel.Enabled == nil {
		return true
	}
	return *c.Tunnel.Enabled
}

// ServerBaseURL is the local address of the backend server.
func (c *Config) ServerBaseURL() string {
	return fmt.Sprintf("http://localhost:%d", c.Server.Port)
}

// APIAddr is the listen address of the upward API.
func (c *Config) APIAddr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// LoadConfig reads path, applies environment overrides and defaults.
// A missing file is not an error; defaults and environment still apply.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := lookupEnv(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = port
	}
	if v, ok := lookupEnv(EnvServerPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvServerPort, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookupEnv(EnvServerExe); ok {
		c.Server.Executable = v
	}
	if v, ok := lookupEnv(EnvDataDir); ok {
		c.Server.DataDir = v
	}
	if v, ok := lookupEnv(EnvTunnelExe); ok {
		c.Tunnel.Executable = v
	}
	if v, ok := lookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}
	if v, ok := lookupEnv(EnvBrowseRoot); ok {
		c.Browse.Root = v
	}
	if v, ok := lookupEnv(EnvTunnelEnable); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTunnelEnable, err)
		}
		c.Tunnel.Enabled = &enabled
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Port == 0 {
		c.Port = DefaultAPIPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Debug {
		c.LogLevel = "debug"
	}
	if c.LogsDir == "" {
		c.LogsDir = filepath.Join(defaultDataDir(), "logs")
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = defaultDataDir()
	}
	c.Server.DataDir = expandHome(c.Server.DataDir)
	if c.Server.RestartDelay <= 0 {
		c.Server.RestartDelay = 2 * time.Second
	}
	if c.Server.StopTimeout <= 0 {
		c.Server.StopTimeout = 5 * time.Second
	}
	if c.Readiness.Grace <= 0 {
		c.Readiness.Grace = 500 * time.Millisecond
	}
	if c.Readiness.Interval <= 0 {
		c.Readiness.Interval = 500 * time.Millisecond
	}
	if c.Readiness.AttemptTimeout <= 0 {
		c.Readiness.AttemptTimeout = 2 * time.Second
	}
	if c.Readiness.MaxWait < 0 {
		c.Readiness.MaxWait = 0
	}
	if c.Tunnel.Suffix == "" {
		c.Tunnel.Suffix = DefaultTunnelSuffix
	}
	if c.Tunnel.StopTimeout <= 0 {
		c.Tunnel.StopTimeout = 3 * time.Second
	}
	if c.Share.Timeout <= 0 {
		c.Share.Timeout = 30 * time.Second
	}
	if c.Browse.Root != "" {
		c.Browse.Root = expandHome(c.Browse.Root)
	}
}

// Validate rejects configurations the supervisor cannot act on.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Port == c.Server.Port {
		return fmt.Errorf("port and server.port must differ (both %d)", c.Port)
	}
	if c.Browse.Root != "" && !filepath.IsAbs(c.Browse.Root) {
		return fmt.Errorf("browse.root must be absolute: %s", c.Browse.Root)
	}
	return nil
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = "."
	}
	return filepath.Join(base, "ShareTunnel")
}

func expandHome(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return dir
	}
	if dir == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~/"))
}
