// Package config loads the islandd configuration from config.yaml under the
// daemon's home directory, applies environment overrides, and fills in
// defaults that match what the hook script expects.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults shared with the hook script. The socket path and TCP port are
// part of the wire contract: the hook dials them verbatim.
const (
	DefaultSocketPath = "/tmp/claude-island.sock"
	DefaultTCPPort    = 52945

	defaultReadBudget   = 500 * time.Millisecond
	defaultPollInterval = 50 * time.Millisecond
)

// HookConfig controls the hook-facing listeners and the per-connection
// read loop.
type HookConfig struct {
	SocketPath     string `yaml:"socket_path"`
	TCPPort        int    `yaml:"tcp_port"`
	TCPEnabled     bool   `yaml:"tcp_enabled"`
	ReadBudgetMS   int    `yaml:"read_budget_ms"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	Workers        int    `yaml:"workers"`
}

// ReadBudget returns the wall-clock budget for reading one event.
func (h HookConfig) ReadBudget() time.Duration {
	if h.ReadBudgetMS <= 0 {
		return defaultReadBudget
	}
	return time.Duration(h.ReadBudgetMS) * time.Millisecond
}

// PollInterval returns the readability poll interval inside the budget.
func (h HookConfig) PollInterval() time.Duration {
	if h.PollIntervalMS <= 0 {
		return defaultPollInterval
	}
	return time.Duration(h.PollIntervalMS) * time.Millisecond
}

// GatewayConfig controls the loopback status/approval HTTP surface.
// An empty addr disables the gateway.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// HistoryConfig controls the SQLite event history.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Hook    HookConfig    `yaml:"hook"`
	Gateway GatewayConfig `yaml:"gateway"`
	History HistoryConfig `yaml:"history"`
}

// HomeDir resolves the daemon's home directory. ISLANDD_HOME overrides the
// default of ~/.islandd.
func HomeDir() string {
	if override := os.Getenv("ISLANDD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".islandd")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Hook: HookConfig{
			SocketPath: DefaultSocketPath,
			TCPPort:    DefaultTCPPort,
			TCPEnabled: true,
			Workers:    8,
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:52946",
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 14,
			SweepSchedule: "0 * * * *",
		},
	}
}

// Load reads config.yaml from the islandd home, creating the home directory
// if needed. A missing config file is not an error; defaults apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create islandd home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// CLAUDE_ISLAND_PORT is the variable remote hook clients already use to
	// pick the TCP port; honoring it on the server keeps both ends aligned
	// with one setting.
	if raw := os.Getenv("CLAUDE_ISLAND_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 && port <= 65535 {
			cfg.Hook.TCPPort = port
		}
	}
	if raw := os.Getenv("ISLANDD_SOCKET_PATH"); raw != "" {
		cfg.Hook.SocketPath = raw
	}
	if raw := os.Getenv("ISLANDD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ISLANDD_GATEWAY_ADDR"); raw != "" {
		cfg.Gateway.Addr = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Hook.SocketPath == "" {
		cfg.Hook.SocketPath = DefaultSocketPath
	}
	if cfg.Hook.TCPPort <= 0 || cfg.Hook.TCPPort > 65535 {
		cfg.Hook.TCPPort = DefaultTCPPort
	}
	if cfg.Hook.Workers <= 0 {
		cfg.Hook.Workers = 8
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.HomeDir, "history.db")
	}
	if cfg.History.RetentionDays <= 0 {
		cfg.History.RetentionDays = 14
	}
	if cfg.History.SweepSchedule == "" {
		cfg.History.SweepSchedule = "0 * * * *"
	}
}
