package cli

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/scoop/internal/daemon"
)

func TestStatusCommand(t *testing.T) {
	path, dataDir := writeConfig(t, "http://localhost")

	t.Run("stopped", func(t *testing.T) {
		out, err := execute(t, "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running", func(t *testing.T) {
		pidFile := daemon.PIDFile(dataDir)
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))
		t.Cleanup(func() { os.Remove(pidFile) })

		out, err := execute(t, "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Uptime:")
	})
}

func TestStopCommand(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		path, _ := writeConfig(t, "http://localhost")
		_, err := execute(t, "--config", path, "stop")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Stop the scoop daemon")
		assert.Contains(t, out, "timeout")
	})
}

func TestServeCommand_RefusesInvalidConfig(t *testing.T) {
	path, _ := writeConfig(t, "http://localhost")
	t.Setenv("SCOOP_GATEWAY_PORT", "70000")

	_, err := execute(t, "--config", path, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.port")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
