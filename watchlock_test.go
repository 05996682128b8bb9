package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWatchLock_WritesCurrentPID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	release, err := acquireWatchLock(path)
	require.NoError(t, err)
	defer release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireWatchLock_SecondAcquisitionFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")

	release, err := acquireWatchLock(path)
	require.NoError(t, err)
	defer release()

	release2, err := acquireWatchLock(path)
	require.ErrorIs(t, err, errAlreadyWatched)
	assert.Nil(t, release2)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()))
}

func TestAcquireWatchLock_ReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "watch.pid")

	release, err := acquireWatchLock(path)
	require.NoError(t, err)
	release()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	release, err = acquireWatchLock(path)
	require.NoError(t, err)
	release()
}

func TestAcquireWatchLock_EmptyPath(t *testing.T) {
	t.Parallel()

	release, err := acquireWatchLock("")
	require.Error(t, err)
	assert.Nil(t, release)
}

func TestReadLockPID_Invalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "watch.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o600))

	_, err := readLockPID(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID")
}
