//go:build unix

package shm

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

type mapHandle struct{}

func mapFile(f *os.File, size int, writable bool) ([]byte, mapHandle, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	return data, mapHandle{}, err
}

func unmapFile(data []byte, _ mapHandle) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

func tryLockFile(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, err
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
