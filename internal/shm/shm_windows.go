//go:build windows

package shm

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type mapHandle struct {
	mapping windows.Handle
	addr    uintptr
}

func mapFile(f *os.File, size int, writable bool) ([]byte, mapHandle, error) {
	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if writable {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}
	mapping, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, prot,
		uint32(uint64(size)>>32), uint32(size), nil)
	if err != nil {
		return nil, mapHandle{}, err
	}
	addr, err := windows.MapViewOfFile(mapping, access, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, mapHandle{}, err
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return data, mapHandle{mapping: mapping, addr: addr}, nil
}

func unmapFile(_ []byte, h mapHandle) error {
	if h.addr == 0 {
		return nil
	}
	err := windows.UnmapViewOfFile(h.addr)
	if cerr := windows.CloseHandle(h.mapping); err == nil {
		err = cerr
	}
	return err
}

func tryLockFile(f *os.File) (bool, error) {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return false, nil
	}
	return false, err
}

func unlockFile(f *os.File) error {
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, new(windows.Overlapped))
}
