package lockmgr

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireMutuallyExclusiveAcrossOwners(t *testing.T) {
	workDir := t.TempDir()
	mgrX := New("owner-x")
	mgrY := New("owner-y")

	var successCount int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ok, err := mgrX.Acquire("shared", workDir, AcquireOptions{MaxRetries: 0})
		require.NoError(t, err)
		if ok {
			atomic.AddInt32(&successCount, 1)
		}
	}()
	go func() {
		defer wg.Done()
		ok, err := mgrY.Acquire("shared", workDir, AcquireOptions{MaxRetries: 0})
		require.NoError(t, err)
		if ok {
			atomic.AddInt32(&successCount, 1)
		}
	}()
	wg.Wait()

	assert.Equal(t, int32(1), successCount, "exactly one caller should win")
}

func TestReentrantAcquireRefreshesTimestamp(t *testing.T) {
	workDir := t.TempDir()
	mgr := New("self")

	ok, err := mgr.Acquire("f.txt", workDir, AcquireOptions{Reentrant: true})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Acquire("f.txt", workDir, AcquireOptions{Reentrant: true})
	require.NoError(t, err)
	assert.True(t, ok, "same owner should re-enter its own lock")
}

func TestNonReentrantOwnerCannotReenter(t *testing.T) {
	workDir := t.TempDir()
	mgr := New("self")

	ok, err := mgr.Acquire("f.txt", workDir, AcquireOptions{Reentrant: false})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Acquire("f.txt", workDir, AcquireOptions{Reentrant: false, MaxRetries: 0})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireManyAllOrNothingRollback(t *testing.T) {
	// S3: owner X holds a/b; owner Y's acquireMany(b,c) must fail and leave c unheld.
	workDir := t.TempDir()
	mgrX := New("x")
	mgrY := New("y")

	ok, err := mgrX.AcquireMany([]string{"a", "b"}, workDir, AcquireOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgrY.AcquireMany([]string{"b", "c"}, workDir, AcquireOptions{MaxRetries: 0})
	require.NoError(t, err)
	assert.False(t, ok)

	// c must not remain held by Y.
	heldByOther := New("z")
	ok, err = heldByOther.Acquire("c", workDir, AcquireOptions{MaxRetries: 0})
	require.NoError(t, err)
	assert.True(t, ok, "c should be free after Y's rollback")
}

func TestReleaseThenReacquire(t *testing.T) {
	workDir := t.TempDir()
	mgr := New("self")

	ok, err := mgr.Acquire("f.txt", workDir, AcquireOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.Release("f.txt", workDir))

	other := New("someone-else")
	ok, err = other.Acquire("f.txt", workDir, AcquireOptions{MaxRetries: 0})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanupStaleRemovesExpiredLockFile(t *testing.T) {
	workDir := t.TempDir()
	mgr := New("self")

	ok, err := mgr.Acquire("f.txt", workDir, AcquireOptions{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, mgr.CleanupStale(workDir))

	other := New("other")
	ok, err = other.Acquire("f.txt", workDir, AcquireOptions{MaxRetries: 0})
	require.NoError(t, err)
	assert.True(t, ok, "stale lock should have been evicted")
}

func TestLockFilePathIsHashedUnderRalphyLocks(t *testing.T) {
	p := lockFilePath("/work", "/work/foo.txt")
	assert.True(t, filepath.IsAbs(p))
	assert.Contains(t, p, filepath.Join(".ralphy", "locks"))
	assert.Contains(t, p, ".lock")
}
