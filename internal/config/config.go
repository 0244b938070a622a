// Package config handles aide configuration loading and validation.
// Precedence: environment > TOML file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aide-sh/aide/internal/notify"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig  `toml:"server"`
	Store         StoreConfig   `toml:"store"`
	Backend       BackendConfig `toml:"backend"`
	LLM           LLMConfig     `toml:"llm"`
	Intent        IntentConfig  `toml:"intent"`
	Notifications notify.Config `toml:"notifications"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AuthMode       string   `toml:"auth_mode"` // local or api_key
	APIKey         string   `toml:"api_key"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `toml:"path"` // empty = ~/.config/aide/aide.db
}

// BackendConfig bounds command execution.
type BackendConfig struct {
	LocalTimeoutSec      int `toml:"local_timeout_sec"`
	SSHConnectTimeoutSec int `toml:"ssh_connect_timeout_sec"`
	SSHExecTimeoutSec    int `toml:"ssh_exec_timeout_sec"`
}

// LocalTimeout returns the local execution timeout as a duration.
func (b BackendConfig) LocalTimeout() time.Duration {
	return time.Duration(b.LocalTimeoutSec) * time.Second
}

// SSHConnectTimeout returns the SSH dial timeout as a duration.
func (b BackendConfig) SSHConnectTimeout() time.Duration {
	return time.Duration(b.SSHConnectTimeoutSec) * time.Second
}

// SSHExecTimeout returns the SSH execution timeout as a duration.
func (b BackendConfig) SSHExecTimeout() time.Duration {
	return time.Duration(b.SSHExecTimeoutSec) * time.Second
}

// LLMConfig configures the conversational engine.
type LLMConfig struct {
	Model  string `toml:"model"`
	APIKey string `toml:"api_key"` // prefer AIDE_GEMINI_API_KEY over this
}

// IntentConfig configures the command intent detector.
type IntentConfig struct {
	RulesPath  string `toml:"rules_path"` // empty = built-in rules
	WatchRules bool   `toml:"watch_rules"`
}

// DefaultPath returns the config file path, honoring AIDE_CONFIG and
// XDG_CONFIG_HOME.
func DefaultPath() string {
	if env := os.Getenv("AIDE_CONFIG"); env != "" {
		return ExpandHome(env)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "aide", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// Fallback to /tmp when home directory is unavailable (e.g., containers)
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "aide", "config.toml")
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	if len(path) < 2 || path[0] != '~' || path[1] != '/' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8787,
			AuthMode: "local",
		},
		Backend: BackendConfig{
			LocalTimeoutSec:      30,
			SSHConnectTimeoutSec: 10,
			SSHExecTimeoutSec:    30,
		},
		LLM: LLMConfig{
			Model: "gemini-2.5-pro",
		},
		Intent: IntentConfig{
			WatchRules: true,
		},
		Notifications: notify.DefaultConfig(),
	}
}

// Load reads configuration from path (DefaultPath if empty). A missing file
// is not an error: defaults plus environment apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Env > TOML > Default
	if key := os.Getenv("AIDE_GEMINI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if key := os.Getenv("AIDE_API_KEY"); key != "" {
		cfg.Server.APIKey = key
	}
	if host := os.Getenv("AIDE_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("AIDE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid AIDE_PORT %q", port)
		}
		cfg.Server.Port = p
	}

	cfg.Store.Path = ExpandHome(cfg.Store.Path)
	cfg.Intent.RulesPath = ExpandHome(cfg.Intent.RulesPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.Server.AuthMode {
	case "", "local", "api_key":
	default:
		return fmt.Errorf("invalid auth mode %q (valid: local, api_key)", c.Server.AuthMode)
	}
	if c.Server.AuthMode == "api_key" && c.Server.APIKey == "" {
		return fmt.Errorf("auth mode api_key requires an API key (config or AIDE_API_KEY)")
	}
	if c.Backend.LocalTimeoutSec < 0 || c.Backend.SSHConnectTimeoutSec < 0 || c.Backend.SSHExecTimeoutSec < 0 {
		return fmt.Errorf("backend timeouts must not be negative")
	}
	if c.Intent.RulesPath != "" {
		if _, err := os.Stat(c.Intent.RulesPath); err != nil {
			return fmt.Errorf("intent rules file: %w", err)
		}
	}
	return nil
}
