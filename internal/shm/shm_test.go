package shm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateOpenSharesMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")

	owner, err := Create(path, 4096)
	require.NoError(t, err)
	defer owner.Close()

	peer, err := Open(path, true)
	require.NoError(t, err)
	defer peer.Close()

	require.Equal(t, 4096, peer.Size())
	owner.Bytes()[100] = 0xAB
	require.Equal(t, byte(0xAB), peer.Bytes()[100])

	peer.StoreUint64(8, 42)
	require.Equal(t, uint64(42), owner.LoadUint64(8))
}

func TestCreateRejectsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	r, err := Create(path, 64)
	require.NoError(t, err)
	defer r.Close()

	_, err = Create(path, 64)
	require.Error(t, err)
}

func TestOwnerCloseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	owner, err := Create(path, 64)
	require.NoError(t, err)

	peer, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, peer.Close())
	_, err = os.Stat(path)
	require.NoError(t, err, "non-owner close must keep the file")

	require.NoError(t, owner.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, owner.Close(), "second close is a no-op")
}

func TestCloseCollectsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	owner, err := Create(path, 64)
	require.NoError(t, err)
	require.NoError(t, owner.file.Close())

	err = owner.Close()
	require.ErrorIs(t, err, os.ErrClosed)
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "owner file kept after a failed close step")
}

func TestLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region")
	a, err := Create(path, 64)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path, true)
	require.NoError(t, err)
	defer b.Close()

	ok, err := a.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock()
	require.NoError(t, err)
	require.False(t, ok)

	start := time.Now()
	err = b.LockTimeout(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.LockTimeout(time.Second))
	require.NoError(t, b.Unlock())
}

func TestAcquireLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.lock")

	first, err := AcquireLockFile(path)
	require.NoError(t, err)

	_, err = AcquireLockFile(path)
	require.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, first.Release())
	second, err := AcquireLockFile(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestPollStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Poll(time.Second, func() (bool, error) {
		calls++
		if calls == 3 {
			return false, boom
		}
		return false, nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}
