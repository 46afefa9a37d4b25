package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/1broseidon/surfacecomposer/internal/shm"
)

// Shared texture file layout. All fields are little endian.
const (
	texMagic   = 0x58544353 // "SCTX"
	texVersion = 1

	offMagic   = 0
	offVersion = 4
	offWidth   = 8
	offHeight  = 12
	offFormat  = 16
	offStride  = 20
	offUsage   = 24
	offMisc    = 28
	offKey     = 32
	offBind    = 40

	texHeaderSize = 64
)

// Texture is a 2-D BGRA texture, either process-local or backed by a
// shared mapping.
type Texture struct {
	desc   TextureDesc
	region *shm.Region
	pix    []byte
	stride int
	access Access
	handle SharedHandle
	name   string
	mutex  *KeyedMutex

	mu     sync.Mutex
	closed bool
}

func newLocalTexture(desc TextureDesc) *Texture {
	stride := int(desc.Width) * bytesPerPixel
	return &Texture{
		desc:   desc,
		pix:    make([]byte, stride*int(desc.Height)),
		stride: stride,
		access: AccessReadWrite,
	}
}

func createSharedTexture(path string, desc TextureDesc) (*Texture, error) {
	code, err := formatCode(desc.Format)
	if err != nil {
		return nil, err
	}
	stride := int(desc.Width) * bytesPerPixel
	region, err := shm.Create(path, texHeaderSize+stride*int(desc.Height))
	if err != nil {
		return nil, err
	}
	hdr := region.Bytes()[:texHeaderSize]
	le := binary.LittleEndian
	le.PutUint32(hdr[offVersion:], texVersion)
	le.PutUint32(hdr[offWidth:], desc.Width)
	le.PutUint32(hdr[offHeight:], desc.Height)
	le.PutUint32(hdr[offFormat:], code)
	le.PutUint32(hdr[offStride:], uint32(stride))
	le.PutUint32(hdr[offUsage:], uint32(desc.TextureUsage()))
	le.PutUint32(hdr[offMisc:], uint32(desc.MiscFlags))
	le.PutUint32(hdr[offBind:], uint32(desc.BindFlags))
	region.StoreUint64(offKey, 0)
	// Magic last so a concurrent opener never sees a half-written header.
	le.PutUint32(hdr[offMagic:], texMagic)

	t := &Texture{
		desc:   desc,
		region: region,
		pix:    region.Bytes()[texHeaderSize:],
		stride: stride,
		access: AccessReadWrite,
		handle: SharedHandle(path),
	}
	if desc.MiscFlags&MiscSharedKeyedMutex != 0 {
		t.mutex = &KeyedMutex{tex: t}
	}
	return t, nil
}

func openSharedTexture(path string, access Access) (*Texture, error) {
	if access == 0 {
		return nil, fmt.Errorf("%w: no access requested", ErrAccessDenied)
	}
	region, err := shm.Open(path, access&AccessWrite != 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, err
	}
	desc, stride, err := parseTextureHeader(region.Bytes())
	if err != nil {
		region.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if texHeaderSize+stride*int(desc.Height) > region.Size() {
		region.Close()
		return nil, fmt.Errorf("%s: %w: truncated pixel data", path, ErrBadHeader)
	}
	t := &Texture{
		desc:   desc,
		region: region,
		pix:    region.Bytes()[texHeaderSize:],
		stride: stride,
		access: access,
		handle: SharedHandle(path),
	}
	if desc.MiscFlags&MiscSharedKeyedMutex != 0 {
		t.mutex = &KeyedMutex{tex: t}
	}
	return t, nil
}

func parseTextureHeader(b []byte) (TextureDesc, int, error) {
	if len(b) < texHeaderSize {
		return TextureDesc{}, 0, ErrBadHeader
	}
	le := binary.LittleEndian
	if le.Uint32(b[offMagic:]) != texMagic || le.Uint32(b[offVersion:]) != texVersion {
		return TextureDesc{}, 0, ErrBadHeader
	}
	format, err := formatFromCode(le.Uint32(b[offFormat:]))
	if err != nil {
		return TextureDesc{}, 0, err
	}
	desc := TextureDesc{
		Width:       le.Uint32(b[offWidth:]),
		Height:      le.Uint32(b[offHeight:]),
		MipLevels:   1,
		ArraySize:   1,
		Format:      format,
		SampleCount: 1,
		Usage:       UsageDefault,
		MiscFlags:   MiscFlag(le.Uint32(b[offMisc:])),
		BindFlags:   BindFlag(le.Uint32(b[offBind:])),
	}
	stride := int(le.Uint32(b[offStride:]))
	if stride < int(desc.Width)*bytesPerPixel {
		return TextureDesc{}, 0, ErrBadHeader
	}
	return desc, stride, nil
}

// Desc returns the texture description.
func (t *Texture) Desc() TextureDesc { return t.desc }

// Bounds returns the texture rectangle in pixels.
func (t *Texture) Bounds() image.Rectangle {
	return image.Rect(0, 0, int(t.desc.Width), int(t.desc.Height))
}

// Stride returns the row pitch in bytes.
func (t *Texture) Stride() int { return t.stride }

// Pixels returns the raw BGRA rows. Shared textures must be accessed under
// their keyed mutex.
func (t *Texture) Pixels() []byte { return t.pix }

// Shared reports whether the texture is backed by a shared mapping.
func (t *Texture) Shared() bool { return t.region != nil }

// Name returns the name the texture was published under, if any.
func (t *Texture) Name() string { return t.name }

// KeyedMutex returns the texture's keyed mutex.
func (t *Texture) KeyedMutex() (*KeyedMutex, error) {
	if t.mutex == nil {
		return nil, ErrNoKeyedMutex
	}
	return t.mutex, nil
}

// PixelAt returns the BGRA bytes at (x, y).
func (t *Texture) PixelAt(x, y int) [4]byte {
	i := y*t.stride + x*bytesPerPixel
	return [4]byte{t.pix[i], t.pix[i+1], t.pix[i+2], t.pix[i+3]}
}

func (t *Texture) writable() error {
	if t.access&AccessWrite == 0 {
		return fmt.Errorf("%w: texture opened read-only", ErrAccessDenied)
	}
	return nil
}

// rgbaView aliases the texture memory as an RGBA image; red and blue are
// swapped relative to the real layout until swizzle is applied.
func (t *Texture) rgbaView() *image.RGBA {
	return &image.RGBA{Pix: t.pix, Stride: t.stride, Rect: t.Bounds()}
}

func (t *Texture) swizzle(r image.Rectangle) {
	r = r.Intersect(t.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := t.pix[y*t.stride+r.Min.X*bytesPerPixel : y*t.stride+r.Max.X*bytesPerPixel]
		for i := 0; i < len(row); i += bytesPerPixel {
			row[i], row[i+2] = row[i+2], row[i]
		}
	}
}

// WriteImage draws img with its top-left corner at at, clipped to the
// texture, converting to BGRA.
func (t *Texture) WriteImage(img image.Image, at image.Point) error {
	if err := t.writable(); err != nil {
		return err
	}
	dst := image.Rectangle{Min: at, Max: at.Add(img.Bounds().Size())}.Intersect(t.Bounds())
	if dst.Empty() {
		return nil
	}
	draw.Draw(t.rgbaView(), dst, img, img.Bounds().Min.Add(dst.Min.Sub(at)), draw.Src)
	t.swizzle(dst)
	return nil
}

// ScaleImage scales img over the whole texture.
func (t *Texture) ScaleImage(img image.Image) error {
	if err := t.writable(); err != nil {
		return err
	}
	draw.ApproxBiLinear.Scale(t.rgbaView(), t.Bounds(), img, img.Bounds(), draw.Src, nil)
	t.swizzle(t.Bounds())
	return nil
}

// FillRect fills r, clipped to the texture, with c.
func (t *Texture) FillRect(r image.Rectangle, c color.Color) error {
	if err := t.writable(); err != nil {
		return err
	}
	dst := r.Intersect(t.Bounds())
	if dst.Empty() {
		return nil
	}
	draw.Draw(t.rgbaView(), dst, image.NewUniform(c), image.Point{}, draw.Src)
	t.swizzle(dst)
	return nil
}

// ReadImage copies the texture into a new RGBA image.
func (t *Texture) ReadImage() *image.RGBA {
	out := image.NewRGBA(t.Bounds())
	for y := 0; y < int(t.desc.Height); y++ {
		src := t.pix[y*t.stride : y*t.stride+int(t.desc.Width)*bytesPerPixel]
		dst := out.Pix[y*out.Stride : y*out.Stride+len(src)]
		for i := 0; i < len(src); i += bytesPerPixel {
			dst[i], dst[i+1], dst[i+2], dst[i+3] = src[i+2], src[i+1], src[i], src[i+3]
		}
	}
	return out
}

// Close unmaps the texture. The creating process also unlinks the shared
// file; peers keep their mapping until they close.
func (t *Texture) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if t.mutex != nil && t.mutex.held() {
		return fmt.Errorf("gpu: closing texture %q with its keyed mutex held", t.name)
	}
	t.closed = true
	if t.region == nil {
		t.pix = nil
		return nil
	}
	t.pix = nil
	return t.region.Close()
}

// KeyedMutex serializes access to a shared texture between processes. A
// holder acquires with the key the previous holder released with.
type KeyedMutex struct {
	tex *Texture

	mu       sync.Mutex
	acquired bool
}

func (m *KeyedMutex) held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// AcquireSync blocks until the mutex is free and was released with key,
// or the timeout elapses (ErrWaitTimeout). Pass Infinite to wait forever.
func (m *KeyedMutex) AcquireSync(key uint64, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired {
		return ErrAlreadyAcquired
	}
	region := m.tex.region
	err := shm.Poll(timeout, func() (bool, error) {
		ok, err := region.TryLock()
		if err != nil || !ok {
			return false, err
		}
		if region.LoadUint64(offKey) != key {
			return false, region.Unlock()
		}
		return true, nil
	})
	if errors.Is(err, shm.ErrTimeout) {
		return fmt.Errorf("%w: key %d after %s", ErrWaitTimeout, key, timeout)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire keyed mutex: %w", err)
	}
	m.acquired = true
	return nil
}

// ReleaseSync releases the mutex, handing it to the next acquirer of key.
func (m *KeyedMutex) ReleaseSync(key uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.acquired {
		return ErrNotAcquired
	}
	region := m.tex.region
	if region.LoadUint64(offKey) != key {
		if err := m.tex.writable(); err != nil {
			return err
		}
		region.StoreUint64(offKey, key)
	}
	m.acquired = false
	if err := region.Unlock(); err != nil {
		return fmt.Errorf("failed to release keyed mutex: %w", err)
	}
	return nil
}
