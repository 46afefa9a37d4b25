package compositor

import (
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
)

// SurfaceNamePrefix prefixes every shared surface name.
const SurfaceNamePrefix = "Surface-"

// DefaultMutexTimeout bounds the keyed mutex wait of a blit.
const DefaultMutexTimeout = 100 * time.Millisecond

// MaxLayerDimension bounds the width and height a client may request.
const MaxLayerDimension = 16384

func validSize(w, h int32) bool {
	return w > 0 && h > 0 && w <= MaxLayerDimension && h <= MaxLayerDimension
}

// LayerOptions configure NewLayer.
type LayerOptions struct {
	// TestMode uploads TestImage (or a generated pattern) at creation.
	TestMode  bool
	TestImage string
	// MutexTimeout bounds the per-frame keyed mutex wait. gpu.Infinite
	// waits forever. Zero selects DefaultMutexTimeout.
	MutexTimeout time.Duration
}

// Layer is the compositor side of one client surface: a shared texture
// sized for the whole target, its keyed mutex, and the rectangle it is
// composited at.
type Layer struct {
	pid     int32
	x, y    int32
	w, h    int32
	targetW uint32
	targetH uint32

	dev     *gpu.Device
	tex     *gpu.Texture
	name    string
	mutex   *gpu.KeyedMutex
	srv     *gpu.ShaderResourceView
	sampler *gpu.SamplerState
	timeout time.Duration
}

// NewLayer creates the shared texture for a client surface at (x, y) of
// size w x h on a targetW x targetH target.
func NewLayer(dev *gpu.Device, pid int32, x, y, w, h int32, targetW, targetH int, opts LayerOptions) (_ *Layer, err error) {
	if !validSize(w, h) || targetW <= 0 || targetH <= 0 {
		return nil, &LayerError{PID: pid, Op: "create", Err: fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, w, h)}
	}
	l := &Layer{
		pid:     pid,
		x:       max(x, 0),
		y:       max(y, 0),
		w:       w,
		h:       h,
		targetW: uint32(targetW),
		targetH: uint32(targetH),
		dev:     dev,
		timeout: opts.MutexTimeout,
	}
	if l.timeout == 0 {
		l.timeout = DefaultMutexTimeout
	}
	fail := func(op string, err error) error {
		return &LayerError{Name: l.name, PID: pid, Op: op, Err: err}
	}
	defer func() {
		if err != nil {
			l.Close()
		}
	}()

	tw := max(uint32(w), l.targetW)
	th := max(uint32(h), l.targetH)
	if l.tex, err = dev.CreateTexture2D(gpu.SharedSurfaceDesc(tw, th)); err != nil {
		return nil, fail("create texture", err)
	}
	l.name = SurfaceNamePrefix + uuid.NewString()
	if _, err = dev.CreateSharedHandle(l.tex, l.name, gpu.AccessReadWrite); err != nil {
		return nil, fail("create shared handle", err)
	}
	if l.mutex, err = l.tex.KeyedMutex(); err != nil {
		return nil, fail("keyed mutex", err)
	}
	format := l.tex.Desc().Format
	l.srv, err = dev.CreateShaderResourceView(l.tex, gpu.ShaderResourceViewDesc{
		Format:        format,
		ViewDimension: gpu.ViewDimensionTexture2D,
		MipLevels:     1,
	})
	if err != nil {
		return nil, fail("create shader resource view", err)
	}
	if l.sampler, err = dev.CreateSamplerState(gpu.SamplerDesc{Filter: gpu.FilterLinear}); err != nil {
		return nil, fail("create sampler", err)
	}

	if opts.TestMode {
		if err = l.upload(LoadTestImage(opts.TestImage)); err != nil {
			return nil, fail("upload test image", err)
		}
	}
	return l, nil
}

func (l *Layer) upload(img image.Image) error {
	if err := l.mutex.AcquireSync(0, l.timeout); err != nil {
		return err
	}
	err := l.tex.ScaleImage(img)
	if rerr := l.mutex.ReleaseSync(0); err == nil {
		err = rerr
	}
	return err
}

// Name returns the shared texture name clients open the surface by.
func (l *Layer) Name() string { return l.name }

// PID returns the owning client's process id.
func (l *Layer) PID() int32 { return l.pid }

// Bounds returns the layer rectangle.
func (l *Layer) Bounds() (x, y, w, h int32) { return l.x, l.y, l.w, l.h }

// TextureSize returns the allocated texture extent.
func (l *Layer) TextureSize() (uint32, uint32) {
	d := l.tex.Desc()
	return d.Width, d.Height
}

// SetBounds moves and resizes the layer. The texture is not reallocated.
func (l *Layer) SetBounds(x, y, w, h int32) error {
	if !validSize(w, h) {
		return &LayerError{Name: l.name, PID: l.pid, Op: "set bounds", Err: fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, w, h)}
	}
	l.x, l.y, l.w, l.h = max(x, 0), max(y, 0), w, h
	return nil
}

// SourceBox returns the region copied each frame.
func (l *Layer) SourceBox() gpu.Box {
	return gpu.Box{
		Right:  min(l.targetW, uint32(l.w)),
		Bottom: min(l.targetH, uint32(l.h)),
		Back:   1,
	}
}

// Blit copies the layer into rtv at its position under key 0 of the
// layer's keyed mutex.
func (l *Layer) Blit(rtv *gpu.RenderTargetView) error {
	if err := l.mutex.AcquireSync(0, l.timeout); err != nil {
		return &LayerError{Name: l.name, PID: l.pid, Op: "acquire", Err: err}
	}
	box := l.SourceBox()
	err := l.dev.ImmediateContext().CopySubresourceRegion(rtv.Resource(), 0, uint32(l.x), uint32(l.y), 0, l.tex, 0, &box)
	if rerr := l.mutex.ReleaseSync(0); err == nil {
		err = rerr
	}
	if err != nil {
		return &LayerError{Name: l.name, PID: l.pid, Op: "blit", Err: err}
	}
	return nil
}

// Close releases the sampler, view and texture in reverse creation order.
func (l *Layer) Close() error {
	l.sampler = nil
	l.srv = nil
	l.mutex = nil
	if l.tex == nil {
		return nil
	}
	err := l.tex.Close()
	l.tex = nil
	return err
}
