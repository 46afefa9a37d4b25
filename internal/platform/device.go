package platform

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
)

// sharedDevice is the display device both backends use: primary surfaces
// and fences live in shared memory, sources are backend specific.
type sharedDevice struct {
	gpu       *gpu.Device
	logger    *slog.Logger
	newSource func(path Path) (Source, error)
}

var _ Device = (*sharedDevice)(nil)

func newSharedDevice(dir string, logger *slog.Logger, newSource func(Path) (Source, error)) (*sharedDevice, error) {
	dev, err := gpu.NewDevice(gpu.Options{Dir: dir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open display device: %w", err)
	}
	return &sharedDevice{gpu: dev, logger: logger, newSource: newSource}, nil
}

// CreatePrimary creates a scanout-capable surface openable by handle.
func (d *sharedDevice) CreatePrimary(width, height int, format gputypes.TextureFormat) (*Primary, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid primary size %dx%d", width, height)
	}
	desc := gpu.TextureDesc{
		Width:       uint32(width),
		Height:      uint32(height),
		MipLevels:   1,
		ArraySize:   1,
		Format:      format,
		SampleCount: 1,
		BindFlags:   gpu.BindRenderTarget,
		MiscFlags:   gpu.MiscSharedNTHandle,
	}
	tex, err := d.gpu.CreateTexture2D(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to create primary surface: %w", err)
	}
	h, err := d.gpu.CreateSharedHandle(tex, "", gpu.AccessReadWrite)
	if err != nil {
		tex.Close()
		return nil, fmt.Errorf("failed to share primary surface: %w", err)
	}
	return &Primary{Texture: tex, Handle: h}, nil
}

// OpenFence opens a GPU fence on the display side.
func (d *sharedDevice) OpenFence(h gpu.SharedHandle) (*gpu.Fence, error) {
	return d.gpu.OpenSharedFence(h)
}

// CreateSource creates the backend's scanout source for path.
func (d *sharedDevice) CreateSource(path Path) (Source, error) {
	if !path.Applied {
		return nil, fmt.Errorf("source for unapplied path to %s", path.Target.ID)
	}
	return d.newSource(path)
}

// CreateTaskPool creates a present queue.
func (d *sharedDevice) CreateTaskPool() (TaskPool, error) {
	return NewTaskPool(d.logger, 2), nil
}

func (d *sharedDevice) Close() error {
	return d.gpu.Close()
}
