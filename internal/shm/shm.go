// Package shm maps named files into memory so that several processes can
// share one buffer, and provides the advisory exclusive lock used to
// serialize access to such a buffer.
package shm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrLocked is returned when an exclusive lock is held elsewhere.
	ErrLocked = errors.New("shm: locked by another owner")
	// ErrTimeout is returned when a lock could not be taken before the deadline.
	ErrTimeout = errors.New("shm: lock timeout")
	// ErrClosed is returned for operations on a closed region.
	ErrClosed = errors.New("shm: region closed")
)

// Region is a file-backed shared memory mapping.
type Region struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	data   []byte
	handle mapHandle
	owner  bool
	closed bool
}

// Create creates a new region of size bytes at path. The file must not
// already exist. The creating region owns the file and removes it on Close.
func Create(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared region %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to size shared region %s: %w", path, err)
	}
	data, h, err := mapFile(f, size, true)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to map shared region %s: %w", path, err)
	}
	return &Region{path: path, file: f, data: data, handle: h, owner: true}, nil
}

// Open maps an existing region.
func Open(path string, writable bool) (*Region, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared region %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat shared region %s: %w", path, err)
	}
	if info.Size() <= 0 {
		f.Close()
		return nil, fmt.Errorf("shared region %s is empty", path)
	}
	data, h, err := mapFile(f, int(info.Size()), writable)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map shared region %s: %w", path, err)
	}
	return &Region{path: path, file: f, data: data, handle: h}, nil
}

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Bytes returns the mapped memory. The slice is invalid after Close.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the mapped length.
func (r *Region) Size() int { return len(r.data) }

// Owner reports whether this region created the backing file.
func (r *Region) Owner() bool { return r.owner }

// Rename moves the backing file. Existing mappings, including those of
// other processes, are unaffected.
func (r *Region) Rename(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := os.Rename(r.path, path); err != nil {
		return err
	}
	r.path = path
	return nil
}

// Uint64 returns an 8-byte aligned word inside the mapping for use with
// sync/atomic.
func (r *Region) Uint64(off int) *uint64 {
	if off%8 != 0 || off+8 > len(r.data) {
		panic(fmt.Sprintf("shm: bad uint64 offset %d", off))
	}
	return (*uint64)(unsafe.Pointer(&r.data[off]))
}

// Uint32 returns a 4-byte aligned word inside the mapping.
func (r *Region) Uint32(off int) *uint32 {
	if off%4 != 0 || off+4 > len(r.data) {
		panic(fmt.Sprintf("shm: bad uint32 offset %d", off))
	}
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

// LoadUint64 atomically reads the word at off.
func (r *Region) LoadUint64(off int) uint64 { return atomic.LoadUint64(r.Uint64(off)) }

// StoreUint64 atomically writes the word at off.
func (r *Region) StoreUint64(off int, v uint64) { atomic.StoreUint64(r.Uint64(off), v) }

// TryLock takes the region's exclusive lock without blocking.
func (r *Region) TryLock() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrClosed
	}
	return tryLockFile(r.file)
}

// LockTimeout polls the region's exclusive lock until it is taken or the
// timeout elapses. A negative timeout waits forever.
func (r *Region) LockTimeout(timeout time.Duration) error {
	return Poll(timeout, r.TryLock)
}

// Unlock releases the exclusive lock.
func (r *Region) Unlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return unlockFile(r.file)
}

// Close unmaps the region. The owner also removes the backing file; other
// processes that still map it keep a valid view until they close.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var result *multierror.Error
	if err := unmapFile(r.data, r.handle); err != nil {
		result = multierror.Append(result, fmt.Errorf("unmap: %w", err))
	}
	r.data = nil
	if err := r.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close: %w", err))
	}
	if r.owner {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("remove: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// LockFile is an exclusive lock on a plain file, held until Release.
type LockFile struct {
	path string
	file *os.File
}

// AcquireLockFile creates (if needed) and locks path. It returns ErrLocked
// when another process or handle holds the lock.
func AcquireLockFile(path string) (*LockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	ok, err := tryLockFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !ok {
		f.Close()
		return nil, ErrLocked
	}
	return &LockFile{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *LockFile) Path() string { return l.path }

// Release unlocks and closes the lock file.
func (l *LockFile) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

const (
	minBackoff = 50 * time.Microsecond
	maxBackoff = 2 * time.Millisecond
)

// Poll calls try with exponential backoff until it reports true, returns
// an error, or the timeout elapses (ErrTimeout). A negative timeout waits
// forever.
func Poll(timeout time.Duration, try func() (bool, error)) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	backoff := minBackoff
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return ErrTimeout
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
