//go:build !unix && !windows

package shm

import (
	"errors"
	"os"
)

type mapHandle struct{}

func mapFile(*os.File, int, bool) ([]byte, mapHandle, error) {
	return nil, mapHandle{}, errors.ErrUnsupported
}

func unmapFile([]byte, mapHandle) error { return nil }

func tryLockFile(*os.File) (bool, error) { return false, errors.ErrUnsupported }

func unlockFile(*os.File) error { return errors.ErrUnsupported }
