package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	d := createTestDaemon(t, nil)
	defer d.components.Close()

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(d.config.DataDir, "personakit.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d := createTestDaemon(t, nil)
	defer d.components.Close()
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	assert.True(t, lm.IsRunning())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, lm.IsRunning())

	assert.NoError(t, lm.Stop())
}

func TestLifecycleManagerRefusesLiveOwner(t *testing.T) {
	d := createTestDaemon(t, nil)
	defer d.components.Close()
	lm := NewLifecycleManager(d)

	// the parent process is alive and is not us
	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(os.Getppid())), 0644))

	err := lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	t.Run("should trim whitespace", func(t *testing.T) {
		path := filepath.Join(dir, "ok.pid")
		require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0644))

		pid, err := ReadPID(path)
		require.NoError(t, err)
		assert.Equal(t, 1234, pid)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		path := filepath.Join(dir, "bad.pid")
		require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

		_, err := ReadPID(path)
		assert.Error(t, err)
	})
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-5))
}

func TestSignalStop(t *testing.T) {
	t.Run("should report a missing daemon", func(t *testing.T) {
		_, err := SignalStop(filepath.Join(t.TempDir(), "none.pid"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})

	t.Run("should remove a stale PID file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "stale.pid")
		// pid_max on linux is far below this
		require.NoError(t, os.WriteFile(path, []byte("99999999"), 0644))

		_, err := SignalStop(path)
		require.Error(t, err)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestWaitForExit(t *testing.T) {
	t.Run("should time out on a live process", func(t *testing.T) {
		assert.False(t, WaitForExit(os.Getpid(), 50*time.Millisecond))
	})

	t.Run("should return at once for a dead pid", func(t *testing.T) {
		assert.True(t, WaitForExit(99999999, time.Second))
	})
}

func TestKill(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	pidFile := filepath.Join(t.TempDir(), "personakit.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(pid)), 0644))

	require.NoError(t, Kill(pidFile, pid))
	assert.Error(t, cmd.Wait())
	assert.True(t, WaitForExit(pid, time.Second))

	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}
