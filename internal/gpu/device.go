package gpu

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/1broseidon/surfacecomposer/internal/runtimepath"
)

// Options configures a Device.
type Options struct {
	// Dir holds shared resources. Defaults to runtimepath.SurfaceDir().
	Dir    string
	Logger *slog.Logger
}

// Device creates and opens GPU resources. Devices in different processes
// that use the same Dir can share textures and fences.
type Device struct {
	dir    string
	logger *slog.Logger
	ctx    *Context
	seq    atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// NewDevice creates a device.
func NewDevice(opts Options) (*Device, error) {
	dir := opts.Dir
	if dir == "" {
		var err error
		dir, err = runtimepath.SurfaceDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve surface dir: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create surface dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Device{dir: dir, logger: logger}
	d.ctx = &Context{dev: d}
	return d, nil
}

// Dir returns the shared resource directory.
func (d *Device) Dir() string { return d.dir }

// ImmediateContext returns the device's immediate context.
func (d *Device) ImmediateContext() *Context { return d.ctx }

func (d *Device) check() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	return nil
}

func (d *Device) tempPath(kind string) string {
	return filepath.Join(d.dir, fmt.Sprintf(".%s-%d-%d", kind, os.Getpid(), d.seq.Add(1)))
}

func (d *Device) namedPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: bad shared name %q", ErrInvalidDesc, name)
	}
	return filepath.Join(d.dir, name+".tex"), nil
}

// CreateTexture2D creates a texture. Textures without MiscSharedNTHandle
// are process-local.
func (d *Device) CreateTexture2D(desc TextureDesc) (*Texture, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := desc.validate(); err != nil {
		return nil, err
	}
	if desc.MiscFlags&MiscSharedNTHandle == 0 {
		return newLocalTexture(desc), nil
	}
	tex, err := createSharedTexture(d.tempPath("tex"), desc)
	if err != nil {
		return nil, fmt.Errorf("failed to create texture: %w", err)
	}
	d.logger.Debug("texture created", "width", desc.Width, "height", desc.Height, "path", tex.handle)
	return tex, nil
}

// CreateSharedHandle publishes a shared texture. With a non-empty name the
// texture becomes openable through OpenSharedResourceByName; with an empty
// name the returned handle is the only way to open it.
func (d *Device) CreateSharedHandle(tex *Texture, name string, access Access) (SharedHandle, error) {
	if err := d.check(); err != nil {
		return "", err
	}
	if tex.region == nil || !tex.region.Owner() {
		return "", ErrNotShareable
	}
	if access&^AccessReadWrite != 0 || access == 0 {
		return "", fmt.Errorf("%w: access %d", ErrInvalidDesc, access)
	}
	if name == "" {
		return tex.handle, nil
	}
	path, err := d.namedPath(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: shared name %q already exists", ErrInvalidDesc, name)
	}
	if err := tex.region.Rename(path); err != nil {
		return "", fmt.Errorf("failed to publish %q: %w", name, err)
	}
	tex.name = name
	tex.handle = SharedHandle(path)
	return tex.handle, nil
}

// OpenSharedResourceByName opens a texture another process published
// under name.
func (d *Device) OpenSharedResourceByName(name string, access Access) (*Texture, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	path, err := d.namedPath(name)
	if err != nil {
		return nil, err
	}
	tex, err := openSharedTexture(path, access)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared resource %q: %w", name, err)
	}
	tex.name = name
	return tex, nil
}

// OpenSharedResource opens a texture by shared handle.
func (d *Device) OpenSharedResource(h SharedHandle) (*Texture, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	tex, err := openSharedTexture(string(h), AccessReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared handle: %w", err)
	}
	return tex, nil
}

// CreateFence creates a fence starting at initial.
func (d *Device) CreateFence(initial uint64, flags FenceFlag) (*Fence, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	f, err := createFence(d.tempPath("fence"), initial, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to create fence: %w", err)
	}
	return f, nil
}

// OpenSharedFence opens a fence created by another device.
func (d *Device) OpenSharedFence(h SharedHandle) (*Fence, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	f, err := openFence(string(h))
	if err != nil {
		return nil, fmt.Errorf("failed to open shared fence: %w", err)
	}
	return f, nil
}

// ViewDimension is the dimensionality of a view.
type ViewDimension uint32

const ViewDimensionTexture2D ViewDimension = 1

// RenderTargetViewDesc describes a render target view.
type RenderTargetViewDesc struct {
	Format        gputypes.TextureFormat
	ViewDimension ViewDimension
	MipSlice      uint32
}

// RenderTargetView binds a texture as a render target.
type RenderTargetView struct {
	tex  *Texture
	desc RenderTargetViewDesc
}

// Resource returns the viewed texture.
func (v *RenderTargetView) Resource() *Texture { return v.tex }

// Desc returns the view description.
func (v *RenderTargetView) Desc() RenderTargetViewDesc { return v.desc }

// CreateRenderTargetView creates a 2-D, mip 0 view of tex.
func (d *Device) CreateRenderTargetView(tex *Texture, desc RenderTargetViewDesc) (*RenderTargetView, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if tex.desc.BindFlags&BindRenderTarget == 0 {
		return nil, fmt.Errorf("%w: texture not bindable as render target", ErrInvalidDesc)
	}
	if err := checkView(tex, desc.Format, desc.ViewDimension, desc.MipSlice); err != nil {
		return nil, err
	}
	return &RenderTargetView{tex: tex, desc: desc}, nil
}

// ShaderResourceViewDesc describes a shader resource view.
type ShaderResourceViewDesc struct {
	Format        gputypes.TextureFormat
	ViewDimension ViewDimension
	MostDetailed  uint32
	MipLevels     uint32
}

// ShaderResourceView binds a texture for sampling.
type ShaderResourceView struct {
	tex  *Texture
	desc ShaderResourceViewDesc
}

// Resource returns the viewed texture.
func (v *ShaderResourceView) Resource() *Texture { return v.tex }

// CreateShaderResourceView creates a view for sampling tex.
func (d *Device) CreateShaderResourceView(tex *Texture, desc ShaderResourceViewDesc) (*ShaderResourceView, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if tex.desc.BindFlags&BindShaderResource == 0 {
		return nil, fmt.Errorf("%w: texture not bindable as shader resource", ErrInvalidDesc)
	}
	if err := checkView(tex, desc.Format, desc.ViewDimension, desc.MostDetailed); err != nil {
		return nil, err
	}
	return &ShaderResourceView{tex: tex, desc: desc}, nil
}

func checkView(tex *Texture, format gputypes.TextureFormat, dim ViewDimension, mip uint32) error {
	if format != tex.desc.Format {
		return fmt.Errorf("%w: view format does not match texture", ErrInvalidDesc)
	}
	if dim != ViewDimensionTexture2D {
		return fmt.Errorf("%w: view dimension %d", ErrInvalidDesc, dim)
	}
	if mip != 0 {
		return fmt.Errorf("%w: mip %d", ErrInvalidDesc, mip)
	}
	return nil
}

// Filter selects texel filtering.
type Filter uint32

const (
	FilterPoint Filter = iota
	FilterLinear
)

// AddressMode selects out-of-range coordinate handling.
type AddressMode uint32

const (
	AddressClamp AddressMode = iota
	AddressWrap
)

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Filter   Filter
	AddressU AddressMode
	AddressV AddressMode
}

// SamplerState is an immutable sampler object.
type SamplerState struct {
	desc SamplerDesc
}

// Desc returns the sampler description.
func (s *SamplerState) Desc() SamplerDesc { return s.desc }

// CreateSamplerState creates a sampler.
func (d *Device) CreateSamplerState(desc SamplerDesc) (*SamplerState, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	return &SamplerState{desc: desc}, nil
}

// Close invalidates the device. Resources it created stay valid until
// they are closed individually.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
