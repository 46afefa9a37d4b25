package compositor

import (
	"errors"
	"fmt"

	"github.com/1broseidon/surfacecomposer/internal/platform"
)

// Bind failures. All are fatal to the process.
var (
	ErrTargetNotFound = errors.New("display target not found")
	ErrTargetBusy     = platform.ErrTargetBusy
	ErrAccessDenied   = platform.ErrAccessDenied
	ErrNoValidMode    = errors.New("no valid display mode")
	ErrApplyFailed    = errors.New("display path apply failed")
)

// Layer and frame failures.
var (
	ErrInvalidGeometry  = errors.New("invalid surface geometry")
	ErrNotOnFrameThread = errors.New("present called off the frame thread")
)

// BindError reports a failed bind step.
type BindError struct {
	MonitorID string
	Op        string
	Err       error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %s: %v", e.MonitorID, e.Op, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// DeviceError reports a failure to create or open a device resource.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// FrameError drops the current frame.
type FrameError struct {
	Frame uint64
	Op    string
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d: %s: %v", e.Frame, e.Op, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// LayerError is confined to one layer.
type LayerError struct {
	Name string
	PID  int32
	Op   string
	Err  error
}

func (e *LayerError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("layer (pid %d): %s: %v", e.PID, e.Op, e.Err)
	}
	return fmt.Sprintf("layer %s (pid %d): %s: %v", e.Name, e.PID, e.Op, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }
