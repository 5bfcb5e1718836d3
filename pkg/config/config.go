// Package config loads runner configuration from a YAML file and HARVEST_
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/entrhq/harvest/pkg/browser"
)

// Config represents the runner configuration.
type Config struct {
	// Browser driver: playwright or chromedp
	Driver string `yaml:"driver" json:"driver"`

	Headless bool `yaml:"headless" json:"headless"`

	// Chrome executable for the chromedp driver (optional)
	BrowserPath string `yaml:"browser_path" json:"browser_path"`

	Viewport browser.Viewport `yaml:"viewport" json:"viewport"`

	// Default navigation and evaluation timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Maximum concurrently live sessions (0 = unlimited)
	MaxSessions int `yaml:"max_sessions" json:"max_sessions"`

	Connectors ConnectorConfig `yaml:"connectors" json:"connectors"`

	// Exit once the first session reaches a terminal status
	ExitAfterRun bool `yaml:"exit_after_run" json:"exit_after_run"`

	// Upper bound on quit/signal teardown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Diagnostics listen address; empty disables the server
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ConnectorConfig controls where connectors are loaded from.
type ConnectorConfig struct {
	Root            string   `yaml:"root" json:"root"`
	AllowedPatterns []string `yaml:"allowed_patterns" json:"allowed_patterns"`
	DeniedPatterns  []string `yaml:"denied_patterns" json:"denied_patterns"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" json:"level"`

	// Dir holds log files (default ~/.harvest/logs)
	Dir string `yaml:"dir" json:"dir"`
}

// Default returns a configuration suitable for most use cases.
func Default() *Config {
	return &Config{
		Driver:   browser.DriverPlaywright,
		Headless: false,
		Viewport: browser.Viewport{
			Width:  browser.DefaultViewportWidth,
			Height: browser.DefaultViewportHeight,
		},
		Timeout:         browser.DefaultTimeout,
		MaxSessions:     8,
		ShutdownTimeout: 10 * time.Second,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Driver != browser.DriverPlaywright && c.Driver != browser.DriverChromedp {
		return fmt.Errorf("invalid driver: %s (must be '%s' or '%s')", c.Driver, browser.DriverPlaywright, browser.DriverChromedp)
	}

	if c.Viewport.Width < 0 || c.Viewport.Height < 0 {
		return fmt.Errorf("viewport dimensions cannot be negative")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative")
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be 'debug', 'info', 'warn', or 'error')", c.Logging.Level)
	}

	return nil
}

// BrowserOptions converts the browser settings for package browser.
func (c *Config) BrowserOptions() browser.Options {
	return browser.Options{
		Headless: c.Headless,
		Viewport: c.Viewport,
		Timeout:  c.Timeout,
		ExecPath: c.BrowserPath,
	}
}
