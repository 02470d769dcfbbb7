// Package config holds all oracle configuration: capture tuning, browser
// connection settings, page selectors, and logging. Config is loaded from a
// YAML file with environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all oracle configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Browser connection and launch settings
	Browser BrowserConfig `yaml:"browser"`

	// Answer capture tuning
	Capture CaptureConfig `yaml:"capture"`

	// Page selectors for the target chat application
	Selectors SelectorConfig `yaml:"selectors"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls category file logging.
type LoggingConfig struct {
	DebugMode  bool   `yaml:"debug_mode"`
	Dir        string `yaml:"dir"`
	Level      string `yaml:"level"` // debug, info, warn, error
	JSONFormat bool   `yaml:"json_format"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:      "oracle",
		Version:   "1.0.0",
		Browser:   DefaultBrowserConfig(),
		Capture:   DefaultCaptureConfig(),
		Selectors: DefaultSelectorConfig(),
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from a YAML file, falling back to defaults for anything
// unset, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes config to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides lets ORACLE_* environment variables override file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ORACLE_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("ORACLE_CHAT_URL"); v != "" {
		c.Browser.ChatURL = v
	}
	if v := os.Getenv("ORACLE_COORDS_PATH"); v != "" {
		c.Browser.CoordinatesPath = v
	}
	if v := os.Getenv("ORACLE_COOKIES_PATH"); v != "" {
		c.Browser.CookiesPath = v
	}
	if v := os.Getenv("ORACLE_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
	if v := os.Getenv("ORACLE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("ORACLE_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("ORACLE_CAPTURE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Capture.OverallTimeoutMs = n
		}
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Capture.PollIntervalMs <= 0 {
		return fmt.Errorf("capture.poll_interval_ms must be positive")
	}
	if c.Capture.StableCyclesQuiet < c.Capture.StableCyclesWithMarker {
		return fmt.Errorf("capture.stable_cycles_quiet must be >= stable_cycles_with_marker")
	}
	if c.Browser.ChatURL == "" {
		return fmt.Errorf("browser.chat_url is required")
	}
	return nil
}

// GetLogLevel parses the logging level, defaulting to info.
func (c *Config) GetLogLevel() string {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return c.Logging.Level
	}
	return "info"
}

// durationMs converts a millisecond count to a Duration with a fallback.
func durationMs(ms, fallbackMs int) time.Duration {
	if ms <= 0 {
		ms = fallbackMs
	}
	return time.Duration(ms) * time.Millisecond
}
