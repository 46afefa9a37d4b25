// Package gpu is a software GPU device whose resources can be shared
// across processes. Textures created with MiscSharedNTHandle live in
// mapped files and can be opened by name from another process; a texture
// created with MiscSharedKeyedMutex carries a keyed mutex that serializes
// access between its producer and consumer. Fences are shared 64-bit
// counters.
package gpu

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
)

var (
	ErrUnsupportedFormat = errors.New("gpu: unsupported texture format")
	ErrInvalidDesc       = errors.New("gpu: invalid resource description")
	ErrNotShareable      = errors.New("gpu: resource was not created shareable")
	ErrNoKeyedMutex      = errors.New("gpu: resource has no keyed mutex")
	ErrWaitTimeout       = errors.New("gpu: wait timed out")
	ErrAlreadyAcquired   = errors.New("gpu: keyed mutex already acquired")
	ErrNotAcquired       = errors.New("gpu: keyed mutex not acquired")
	ErrFenceRegression   = errors.New("gpu: fence value must increase")
	ErrDeviceClosed      = errors.New("gpu: device closed")
	ErrBadHeader         = errors.New("gpu: shared resource header mismatch")
	ErrAccessDenied      = errors.New("gpu: access denied")
	ErrNotFound          = errors.New("gpu: shared resource not found")
)

// Infinite makes keyed mutex and fence waits block without a deadline.
const Infinite time.Duration = -1

// Usage mirrors the resource usage classes of a D3D-style device. Only
// UsageDefault is supported.
type Usage uint32

const UsageDefault Usage = 0

// BindFlag says how a texture may be bound to the pipeline.
type BindFlag uint32

const (
	BindShaderResource BindFlag = 1 << iota
	BindRenderTarget
)

// MiscFlag carries the sharing options of a texture.
type MiscFlag uint32

const (
	// MiscSharedNTHandle backs the texture with a named shared mapping so
	// other processes can open it. Without it the texture is process-local.
	MiscSharedNTHandle MiscFlag = 1 << iota
	// MiscSharedKeyedMutex attaches a keyed mutex to the texture.
	MiscSharedKeyedMutex
)

// Access is requested when opening a shared resource.
type Access uint32

const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

// TextureDesc describes a 2-D texture.
type TextureDesc struct {
	Width       uint32
	Height      uint32
	MipLevels   uint32
	ArraySize   uint32
	Format      gputypes.TextureFormat
	SampleCount uint32
	Usage       Usage
	BindFlags   BindFlag
	MiscFlags   MiscFlag
}

// SharedSurfaceDesc is the description every shared surface in the
// compositor uses: BGRA8, single sample, default usage, SRV and RTV
// bindable, shared by handle with a keyed mutex.
func SharedSurfaceDesc(width, height uint32) TextureDesc {
	return TextureDesc{
		Width:       width,
		Height:      height,
		MipLevels:   1,
		ArraySize:   1,
		Format:      gputypes.TextureFormatBGRA8Unorm,
		SampleCount: 1,
		Usage:       UsageDefault,
		BindFlags:   BindShaderResource | BindRenderTarget,
		MiscFlags:   MiscSharedNTHandle | MiscSharedKeyedMutex,
	}
}

// Size returns the texture extent.
func (d TextureDesc) Size() gputypes.Extent3D {
	return gputypes.Extent3D{Width: d.Width, Height: d.Height, DepthOrArrayLayers: 1}
}

// TextureUsage maps the bind flags onto the portable usage bit set.
func (d TextureDesc) TextureUsage() gputypes.TextureUsage {
	usage := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	if d.BindFlags&BindShaderResource != 0 {
		usage |= gputypes.TextureUsageTextureBinding
	}
	if d.BindFlags&BindRenderTarget != 0 {
		usage |= gputypes.TextureUsageRenderAttachment
	}
	return usage
}

func (d TextureDesc) validate() error {
	if d.Width == 0 || d.Height == 0 {
		return fmt.Errorf("%w: zero extent %dx%d", ErrInvalidDesc, d.Width, d.Height)
	}
	if d.MipLevels > 1 || d.ArraySize > 1 {
		return fmt.Errorf("%w: mips=%d array=%d", ErrInvalidDesc, d.MipLevels, d.ArraySize)
	}
	if d.SampleCount > 1 {
		return fmt.Errorf("%w: sample count %d", ErrInvalidDesc, d.SampleCount)
	}
	if d.Usage != UsageDefault {
		return fmt.Errorf("%w: usage %d", ErrInvalidDesc, d.Usage)
	}
	if d.MiscFlags&MiscSharedKeyedMutex != 0 && d.MiscFlags&MiscSharedNTHandle == 0 {
		return fmt.Errorf("%w: keyed mutex requires a shared handle", ErrInvalidDesc)
	}
	if _, err := formatCode(d.Format); err != nil {
		return err
	}
	return nil
}

const bytesPerPixel = 4

func formatCode(f gputypes.TextureFormat) (uint32, error) {
	switch f {
	case gputypes.TextureFormatBGRA8Unorm:
		return 1, nil
	}
	return 0, ErrUnsupportedFormat
}

func formatFromCode(code uint32) (gputypes.TextureFormat, error) {
	switch code {
	case 1:
		return gputypes.TextureFormatBGRA8Unorm, nil
	}
	return gputypes.TextureFormatUndefined, ErrUnsupportedFormat
}

// Color is a normalized RGBA clear color.
type Color struct {
	R, G, B, A float32
}

var (
	Black = Color{A: 1}
	White = Color{R: 1, G: 1, B: 1, A: 1}
)

func unorm8(v float32) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return byte(v*255 + 0.5)
}

// BGRA returns the color packed in texture byte order.
func (c Color) BGRA() [4]byte {
	return [4]byte{unorm8(c.B), unorm8(c.G), unorm8(c.R), unorm8(c.A)}
}

// Box is a region of a subresource; Right, Bottom and Back are exclusive.
type Box struct {
	Left, Top, Front    uint32
	Right, Bottom, Back uint32
}

// SharedHandle identifies a shared resource across processes.
type SharedHandle string
