package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		assert.True(t, hasCommand("status"), "status command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "", "status", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "status")
	})

	t.Run("should report a stopped daemon", func(t *testing.T) {
		path := writeTestConfig(t, "memory")

		output, err := execute(t, "", "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
	})

	t.Run("should report a live PID", func(t *testing.T) {
		path := writeTestConfig(t, "memory")
		pidFile := filepath.Join(filepath.Dir(path), "personakit.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))

		output, err := execute(t, "", "--config", path, "status")
		require.NoError(t, err)
		assert.Contains(t, output, "Status: running")
		assert.Contains(t, output, "PID: "+strconv.Itoa(os.Getpid()))
	})
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
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
