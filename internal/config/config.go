// Package config loads the proxy configuration from the environment.
// The proxy reads no configuration files; wrapper scripts are expected
// to export variables before exec'ing the binary.
package config

import (
	"fmt"
	"os"
	"time"
)

// Defaults.
const (
	DefaultBackend     = "pyright-langserver"
	DefaultInitTimeout = 15 * time.Second
)

// Config is the startup configuration.
type Config struct {
	// LogFile receives log output; empty means standard error.
	// Standard output is never used for logs, it carries LSP frames.
	LogFile string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// Backend is the language-server binary to spawn. It is invoked
	// with a single --stdio argument.
	Backend string

	// InitTimeout bounds the backend initialize handshake.
	InitTimeout time.Duration

	// Watch enables re-resolution of no-venv documents' directories
	// when a .venv/pyvenv.cfg appears directly in one of them.
	Watch bool
}

// FromEnv reads the configuration from VENVOY_* environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		LogFile:     os.Getenv("VENVOY_LOG_FILE"),
		LogLevel:    os.Getenv("VENVOY_LOG_LEVEL"),
		Backend:     os.Getenv("VENVOY_PYRIGHT"),
		InitTimeout: DefaultInitTimeout,
		Watch:       os.Getenv("VENVOY_WATCH") == "1",
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend
	}
	if v := os.Getenv("VENVOY_INIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid VENVOY_INIT_TIMEOUT %q: %w", v, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("config: VENVOY_INIT_TIMEOUT must be positive, got %q", v)
		}
		cfg.InitTimeout = d
	}
	return cfg, nil
}
