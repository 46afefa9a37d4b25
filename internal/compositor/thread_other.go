//go:build !linux

package compositor

// osThreadID is unknown off Linux; the frame-thread check is skipped.
func osThreadID() int { return -1 }
