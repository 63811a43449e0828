package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Connection, config.Connection)
	require.Equal(t, Default().Probe, config.Probe)
	require.True(t, config.Execution.AbortOnError)
	require.Equal(t, 2, config.Status.IdleConfirmations)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grblctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
connection:
  port_name: /dev/ttyUSB0
  handshake_timeout: 3s
execution:
  abort_on_error: false
jog:
  feeds:
    X: 2500
    z: 300
probe:
  touches: 5
`), 0644))

	config, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", config.Connection.PortName)
	require.Equal(t, 3*time.Second, config.Connection.HandshakeTimeout)
	require.Equal(t, Default().Connection.CommandTimeout, config.Connection.CommandTimeout)
	require.False(t, config.Execution.AbortOnError)
	require.Equal(t, 5, config.Probe.Touches)

	options := config.ControllerOptions()
	require.Equal(t, map[string]float64{"X": 2500, "Z": 300}, options.Jog.Feeds)
	require.Equal(t, 5, options.Probe.Touches)
	require.Equal(t, 3*time.Second, options.Engine.Transport.HandshakeTimeout)
	require.False(t, options.Execution.AbortOnError)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("GRBLCTL_CONNECTION_ADDRESS", "10.0.0.2:9999")
	t.Setenv("GRBLCTL_RECOVERY_SETTLE_DELAY", "250ms")
	t.Setenv("GRBLCTL_STATUS_IDLE_CONFIRMATIONS", "3")

	config, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:9999", config.Connection.Address)
	require.Equal(t, 250*time.Millisecond, config.Recovery.SettleDelay)
	require.Equal(t, 3, config.Status.IdleConfirmations)
	require.Equal(t, 3, config.ControllerOptions().Engine.Status.IdleConfirmations)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GRBLCTL_API_LISTEN_ADDRESS=0.0.0.0:9000\n"), 0644))
	t.Setenv("GRBLCTL_API_LISTEN_ADDRESS", "")
	require.NoError(t, os.Unsetenv("GRBLCTL_API_LISTEN_ADDRESS"))

	config, err := Load("", envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", config.API.ListenAddress)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("GRBLCTL_CONNECTION_PORT_NAME", "/dev/ttyACM0")
	t.Setenv("GRBLCTL_CONNECTION_ADDRESS", "localhost:9999")
	t.Setenv("GRBLCTL_PROBE_TOUCHES", "1")
	_, err := Load("")
	require.ErrorContains(t, err, "exclusive")
	require.ErrorContains(t, err, "probe.touches")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
