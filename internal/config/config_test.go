package config_test

import (
	"testing"
	"time"

	"github.com/nalgeon/be"
	"github.com/venvoy/venvoy/internal/config"
)

func TestDefaults(t *testing.T) {
	t.Setenv("VENVOY_LOG_FILE", "")
	t.Setenv("VENVOY_LOG_LEVEL", "")
	t.Setenv("VENVOY_PYRIGHT", "")
	t.Setenv("VENVOY_INIT_TIMEOUT", "")
	t.Setenv("VENVOY_WATCH", "")

	cfg, err := config.FromEnv()
	be.Err(t, err, nil)
	be.Equal(t, cfg.Backend, "pyright-langserver")
	be.Equal(t, cfg.LogLevel, "info")
	be.Equal(t, cfg.InitTimeout, 15*time.Second)
	be.Equal(t, cfg.Watch, false)
	be.Equal(t, cfg.LogFile, "")
}

func TestOverrides(t *testing.T) {
	t.Setenv("VENVOY_LOG_FILE", "/tmp/venvoy.log")
	t.Setenv("VENVOY_LOG_LEVEL", "debug")
	t.Setenv("VENVOY_PYRIGHT", "/opt/bin/pyright-langserver")
	t.Setenv("VENVOY_INIT_TIMEOUT", "30s")
	t.Setenv("VENVOY_WATCH", "1")

	cfg, err := config.FromEnv()
	be.Err(t, err, nil)
	be.Equal(t, cfg.Backend, "/opt/bin/pyright-langserver")
	be.Equal(t, cfg.LogLevel, "debug")
	be.Equal(t, cfg.LogFile, "/tmp/venvoy.log")
	be.Equal(t, cfg.InitTimeout, 30*time.Second)
	be.Equal(t, cfg.Watch, true)
}

func TestBadTimeout(t *testing.T) {
	t.Setenv("VENVOY_INIT_TIMEOUT", "soon")
	_, err := config.FromEnv()
	be.True(t, err != nil)

	t.Setenv("VENVOY_INIT_TIMEOUT", "-5s")
	_, err = config.FromEnv()
	be.True(t, err != nil)
}
