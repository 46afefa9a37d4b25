//go:build linux

package compositor

import "golang.org/x/sys/unix"

func osThreadID() int { return unix.Gettid() }
