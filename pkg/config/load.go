package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/yaml.v3"
)

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// envOverrides holds the HARVEST_ variables. Unset variables stay nil.
type envOverrides struct {
	Driver          *string        `envconfig:"HARVEST_DRIVER"`
	Headless        *bool          `envconfig:"HARVEST_HEADLESS"`
	BrowserPath     *string        `envconfig:"HARVEST_BROWSER_PATH"`
	Timeout         *time.Duration `envconfig:"HARVEST_TIMEOUT"`
	MaxSessions     *int           `envconfig:"HARVEST_MAX_SESSIONS"`
	ConnectorRoot   *string        `envconfig:"HARVEST_CONNECTORS_ROOT"`
	ExitAfterRun    *bool          `envconfig:"HARVEST_EXIT_AFTER_RUN"`
	ShutdownTimeout *time.Duration `envconfig:"HARVEST_SHUTDOWN_TIMEOUT"`
	MetricsAddr     *string        `envconfig:"HARVEST_METRICS_ADDR"`
	LogLevel        *string        `envconfig:"HARVEST_LOG_LEVEL"`
	LogDir          *string        `envconfig:"HARVEST_LOG_DIR"`
}

// DefaultPath returns ~/.harvest/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".harvest", "config.yaml"), nil
}

// Load builds the configuration from defaults, the YAML file at path and
// environment overrides read through lookup. An empty path selects
// DefaultPath, which may be absent; an explicit path must exist. The result
// is not validated so callers can layer flags on top first.
func Load(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if lookup != nil {
		if err := applyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	var env envOverrides
	if err := envconfig.Process("", &env, func(key string) (string, bool) {
		return lookup(key)
	}); err != nil {
		return fmt.Errorf("invalid environment configuration: %w", err)
	}

	if env.Driver != nil {
		cfg.Driver = *env.Driver
	}
	if env.Headless != nil {
		cfg.Headless = *env.Headless
	}
	if env.BrowserPath != nil {
		cfg.BrowserPath = *env.BrowserPath
	}
	if env.Timeout != nil {
		cfg.Timeout = *env.Timeout
	}
	if env.MaxSessions != nil {
		cfg.MaxSessions = *env.MaxSessions
	}
	if env.ConnectorRoot != nil {
		cfg.Connectors.Root = *env.ConnectorRoot
	}
	if env.ExitAfterRun != nil {
		cfg.ExitAfterRun = *env.ExitAfterRun
	}
	if env.ShutdownTimeout != nil {
		cfg.ShutdownTimeout = *env.ShutdownTimeout
	}
	if env.MetricsAddr != nil {
		cfg.MetricsAddr = *env.MetricsAddr
	}
	if env.LogLevel != nil {
		cfg.Logging.Level = *env.LogLevel
	}
	if env.LogDir != nil {
		cfg.Logging.Dir = *env.LogDir
	}
	return nil
}
