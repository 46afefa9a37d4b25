package gpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/1broseidon/surfacecomposer/internal/shm"
)

const (
	fenceMagic    = 0x4e464353 // "SCFN"
	fenceOffValue = 8
	fenceSize     = 64
)

// FenceFlag carries fence creation options.
type FenceFlag uint32

const (
	FenceNone FenceFlag = 0
	// FenceShared allows the fence to be opened by another device.
	FenceShared FenceFlag = 1
)

// Fence is a monotonically increasing 64-bit counter shared between
// devices. The GPU side signals it through a Context; other devices wait
// on it.
type Fence struct {
	region *shm.Region
	flags  FenceFlag
}

func createFence(path string, initial uint64, flags FenceFlag) (*Fence, error) {
	region, err := shm.Create(path, fenceSize)
	if err != nil {
		return nil, err
	}
	region.StoreUint64(fenceOffValue, initial)
	binary.LittleEndian.PutUint32(region.Bytes(), fenceMagic)
	return &Fence{region: region, flags: flags}, nil
}

func openFence(path string) (*Fence, error) {
	region, err := shm.Open(path, true)
	if err != nil {
		return nil, err
	}
	if region.Size() < fenceSize || binary.LittleEndian.Uint32(region.Bytes()) != fenceMagic {
		region.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrBadHeader)
	}
	return &Fence{region: region, flags: FenceShared}, nil
}

// CompletedValue returns the last signalled value.
func (f *Fence) CompletedValue() uint64 {
	return f.region.LoadUint64(fenceOffValue)
}

func (f *Fence) signal(value uint64) error {
	if cur := f.CompletedValue(); value <= cur {
		return fmt.Errorf("%w: %d <= %d", ErrFenceRegression, value, cur)
	}
	f.region.StoreUint64(fenceOffValue, value)
	return nil
}

// CreateSharedHandle returns a handle another device can open the fence by.
func (f *Fence) CreateSharedHandle() (SharedHandle, error) {
	if f.flags&FenceShared == 0 {
		return "", ErrNotShareable
	}
	return SharedHandle(f.region.Path()), nil
}

// Wait blocks until the fence reaches value or ctx is done.
func (f *Fence) Wait(ctx context.Context, value uint64) error {
	backoff := 50 * time.Microsecond
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for f.CompletedValue() < value {
		select {
		case <-ctx.Done():
			return fmt.Errorf("fence wait for %d (at %d): %w", value, f.CompletedValue(), ctx.Err())
		case <-timer.C:
		}
		if backoff < 2*time.Millisecond {
			backoff *= 2
		}
		timer.Reset(backoff)
	}
	return nil
}

// Close unmaps the fence.
func (f *Fence) Close() error {
	return f.region.Close()
}
