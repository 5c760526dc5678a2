package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/15058718379/tpm2-abrmd/internal/config"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tpmbrokerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeYAML(t, "control:\n  bus: system\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "system", cfg.Control.Bus)
	require.Equal(t, "simulator", cfg.Transport.Driver)
	require.Equal(t, 64, cfg.Pipeline.CommandQueueDepth)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeYAML(t, "control:\n  bus: session\n")
	t.Setenv("TPMBROKERD_CONTROL_BUS", "system")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "system", cfg.Control.Bus)
}

func TestValidateRejectsUnknownBus(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Control.Bus = "bogus"
	require.ErrorIs(t, config.Validate(cfg), config.ErrInvalidBus)
}

func TestValidateRequiresDeviceForPassthrough(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.Driver = "passthrough"
	cfg.Transport.Device = ""
	require.ErrorIs(t, config.Validate(cfg), config.ErrMissingTransportDevice)
}

func TestValidateRejectsNonPositiveQueueDepth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.CommandQueueDepth = 0
	require.ErrorIs(t, config.Validate(cfg), config.ErrInvalidQueueDepth)
}

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, "DEBUG", config.ParseLogLevel("debug").String())
	require.Equal(t, "INFO", config.ParseLogLevel("unknown").String())
}
