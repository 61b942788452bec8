// Package config loads codescope configuration from TOML or YAML files with
// environment variable overrides.
//
// Resolution order, later sources winning: built-in defaults, the first
// config file found (codescope.toml, .codescope.toml, codescope.yaml,
// .codescope.yaml in the workspace root), then CODESCOPE_* environment
// variables.
package config

import (
	"encoding"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configNames are probed in order inside the workspace root.
var configNames = []string{
	"codescope.toml",
	".codescope.toml",
	"codescope.yaml",
	".codescope.yaml",
}

// envPrefix namespaces the override variables.
const envPrefix = "CODESCOPE_"

// Duration is a time.Duration that unmarshals from strings like "30s" in
// both TOML and YAML.
type Duration time.Duration

var _ encoding.TextUnmarshaler = (*Duration)(nil)

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerCommand configures the language server for one language.
type ServerCommand struct {
	// Command is the executable to run.
	Command string `toml:"command" yaml:"command"`

	// Args are command-line arguments.
	Args []string `toml:"args" yaml:"args"`

	// InitOptions are passed through as initializationOptions.
	InitOptions map[string]any `toml:"init_options" yaml:"init_options"`
}

// LSPConfig tunes the language server client.
type LSPConfig struct {
	// RequestTimeout bounds each request.
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`

	// Concurrency caps in-flight batch queries.
	Concurrency int `toml:"concurrency" yaml:"concurrency"`

	// SessionCapacity bounds concurrently open documents.
	SessionCapacity int `toml:"session_capacity" yaml:"session_capacity"`

	// MaxRestarts is the crash recovery budget.
	MaxRestarts int `toml:"max_restarts" yaml:"max_restarts"`

	// InitialBackoff is the delay before the first restart.
	InitialBackoff Duration `toml:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps backoff growth.
	MaxBackoff Duration `toml:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier grows the delay after each failure.
	BackoffMultiplier float64 `toml:"backoff_multiplier" yaml:"backoff_multiplier"`

	// ResetWindow is the uptime after which the restart count resets.
	ResetWindow Duration `toml:"reset_window" yaml:"reset_window"`

	// Servers maps language ids to server commands, overriding the
	// built-in defaults.
	Servers map[string]ServerCommand `toml:"servers" yaml:"servers"`
}

// Config is the root configuration.
type Config struct {
	// LogLevel is debug, info, warn, or error.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// Ignore holds doublestar glob patterns excluded from scans, in
	// addition to the built-in directory skip list.
	Ignore []string `toml:"ignore" yaml:"ignore"`

	// LSP tunes the language server client.
	LSP LSPConfig `toml:"lsp" yaml:"lsp"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		LSP: LSPConfig{
			RequestTimeout:    Duration(30 * time.Second),
			Concurrency:       10,
			SessionCapacity:   128,
			MaxRestarts:       5,
			InitialBackoff:    Duration(time.Second),
			MaxBackoff:        Duration(60 * time.Second),
			BackoffMultiplier: 2.0,
			ResetWindow:       Duration(5 * time.Minute),
			Servers:           map[string]ServerCommand{},
		},
	}
}

// Load resolves the configuration for a workspace root. A missing config
// file is not an error; defaults and the environment still apply.
func Load(root string) (*Config, error) {
	cfg := Default()

	for _, name := range configNames {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := unmarshalConfig(path, data, cfg); err != nil {
			return nil, err
		}
		break
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalConfig(path string, data []byte, cfg *Config) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays CODESCOPE_* variables onto the config.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(envPrefix + "REQUEST_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.LSP.RequestTimeout = Duration(d)
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.LSP.Concurrency = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "SESSION_CAPACITY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.LSP.SessionCapacity = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "MAX_RESTARTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.LSP.MaxRestarts = n
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "IGNORE"); ok {
		for _, pattern := range strings.Split(v, ",") {
			if pattern = strings.TrimSpace(pattern); pattern != "" {
				c.Ignore = append(c.Ignore, pattern)
			}
		}
	}
}

// Validate rejects values the rest of the tool cannot work with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.LSP.RequestTimeout <= 0 {
		return fmt.Errorf("lsp.request_timeout must be positive")
	}
	if c.LSP.Concurrency <= 0 {
		return fmt.Errorf("lsp.concurrency must be positive")
	}
	if c.LSP.SessionCapacity <= 0 {
		return fmt.Errorf("lsp.session_capacity must be positive")
	}
	if c.LSP.MaxRestarts < 0 {
		return fmt.Errorf("lsp.max_restarts must not be negative")
	}
	if c.LSP.BackoffMultiplier < 1 {
		return fmt.Errorf("lsp.backoff_multiplier must be at least 1")
	}
	for lang, srv := range c.LSP.Servers {
		if srv.Command == "" {
			return fmt.Errorf("lsp.servers.%s: command is required", lang)
		}
	}
	return nil
}

// ServerFor returns the configured server command for a language. Callers
// fall back to the built-in defaults on a miss.
func (c *Config) ServerFor(languageID string) (ServerCommand, bool) {
	srv, ok := c.LSP.Servers[languageID]
	return srv, ok
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
