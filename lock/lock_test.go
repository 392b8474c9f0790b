package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rcowham/vcscore/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	l, err := Acquire("store", path, time.Second)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "store", l.Name())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), strconv.Itoa(os.Getpid()))

	require.NoError(t, l.Release())
}

func TestTryAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	first, err := TryAcquire("store", path)
	require.NoError(t, err)
	defer first.Release()

	_, err = TryAcquire("store", path)
	require.Error(t, err)
	held, ok := err.(*apperr.LockHeld)
	require.True(t, ok)
	assert.Equal(t, "store", held.LockName)
	assert.Contains(t, held.Holder, strconv.Itoa(os.Getpid()))
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	first, err := TryAcquire("store", path)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire("store", path, 30*time.Millisecond)
	require.Error(t, err)
	_, ok := err.(*apperr.LockUnavailable)
	assert.True(t, ok)
}

func TestReleaseThenReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wlock")
	l, err := Acquire("wlock", path, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := Acquire("wlock", path, time.Second)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestIsStaleRejectsForeignHost(t *testing.T) {
	assert.False(t, isStale("some-other-host:123"))
}

func TestIsStaleRejectsMalformed(t *testing.T) {
	assert.False(t, isStale("garbage"))
	assert.False(t, isStale(""))
}

func TestTryAcquireBreaksStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	host, _ := os.Hostname()
	// A pid that is exceedingly unlikely to be alive, written as if a
	// prior process on this host had held (and crashed without
	// releasing) the lock.
	require.NoError(t, os.WriteFile(path, []byte(host+":999999"), 0o644))

	l, err := TryAcquire("store", path)
	require.NoError(t, err)
	require.NotNil(t, l)
	defer l.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), strconv.Itoa(os.Getpid()))
}
