package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockPath(t *testing.T) {
	assert.Equal(t, filepath.Join("locks", "run-7-3.lock"), LockPath("locks", 7, 3))
}

func TestAcquireAndReleaseRunLock(t *testing.T) {
	path := LockPath(t.TempDir(), 1, 2)

	require.NoError(t, AcquireRunLock(path, "import", "test"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lock RunLock
	require.NoError(t, json.Unmarshal(data, &lock))
	assert.Equal(t, os.Getpid(), lock.PID)
	assert.Equal(t, "import", lock.Holder)

	// Our own process is alive, so a second acquire must fail
	err = AcquireRunLock(path, "import", "test")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, ReleaseRunLock(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, ReleaseRunLock(path), "releasing twice is fine")
	assert.NoError(t, ReleaseRunLock(""))
}

func TestAcquireRunLockTakesOverStaleLock(t *testing.T) {
	path := LockPath(t.TempDir(), 1, 2)
	hostname, err := os.Hostname()
	require.NoError(t, err)

	stale, err := json.Marshal(RunLock{
		Holder:    "import",
		PID:       999999999,
		Hostname:  hostname,
		StartedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, stale, 0644))

	require.NoError(t, AcquireRunLock(path, "import", "test"))
}

func TestAcquireRunLockRespectsRemoteHost(t *testing.T) {
	path := LockPath(t.TempDir(), 1, 2)
	remote, err := json.Marshal(RunLock{Holder: "import", PID: 1, Hostname: "some-other-host.invalid"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, remote, 0644))

	assert.ErrorIs(t, AcquireRunLock(path, "import", "test"), ErrLocked)
}
