package gpu

import (
	"fmt"
)

// Context records and executes commands. Commands run synchronously in
// submission order, so a Signal is ordered after every command issued
// before it.
type Context struct {
	dev *Device
}

// ClearRenderTargetView fills the whole view with c.
func (c *Context) ClearRenderTargetView(rtv *RenderTargetView, color Color) error {
	if err := c.dev.check(); err != nil {
		return err
	}
	tex := rtv.tex
	if tex.pix == nil {
		return fmt.Errorf("%w: render target released", ErrInvalidDesc)
	}
	px := color.BGRA()
	width := int(tex.desc.Width) * bytesPerPixel
	row := tex.pix[:width]
	for i := 0; i < width; i += bytesPerPixel {
		copy(row[i:i+bytesPerPixel], px[:])
	}
	for y := 1; y < int(tex.desc.Height); y++ {
		copy(tex.pix[y*tex.stride:y*tex.stride+width], row)
	}
	return nil
}

// CopySubresourceRegion copies box of src into dst at (dstX, dstY, dstZ).
// A nil box copies the whole source. The region is clipped to both
// textures; nothing outside it is touched.
func (c *Context) CopySubresourceRegion(dst *Texture, dstSub uint32, dstX, dstY, dstZ uint32,
	src *Texture, srcSub uint32, box *Box) error {
	if err := c.dev.check(); err != nil {
		return err
	}
	if dstSub != 0 || srcSub != 0 || dstZ != 0 {
		return fmt.Errorf("%w: only subresource 0 of 2-D textures can be copied", ErrInvalidDesc)
	}
	if dst.desc.Format != src.desc.Format {
		return fmt.Errorf("%w: format mismatch", ErrInvalidDesc)
	}
	if dst.pix == nil || src.pix == nil {
		return fmt.Errorf("%w: copy on released texture", ErrInvalidDesc)
	}
	if err := dst.writable(); err != nil {
		return err
	}

	b := Box{Right: src.desc.Width, Bottom: src.desc.Height, Back: 1}
	if box != nil {
		b = *box
	}
	if b.Front != 0 || b.Back != 1 {
		return fmt.Errorf("%w: box depth [%d,%d)", ErrInvalidDesc, b.Front, b.Back)
	}
	b.Right = min(b.Right, src.desc.Width)
	b.Bottom = min(b.Bottom, src.desc.Height)
	if b.Left >= b.Right || b.Top >= b.Bottom || dstX >= dst.desc.Width || dstY >= dst.desc.Height {
		return nil
	}
	w := min(b.Right-b.Left, dst.desc.Width-dstX)
	h := min(b.Bottom-b.Top, dst.desc.Height-dstY)

	n := int(w) * bytesPerPixel
	for row := 0; row < int(h); row++ {
		so := (int(b.Top)+row)*src.stride + int(b.Left)*bytesPerPixel
		do := (int(dstY)+row)*dst.stride + int(dstX)*bytesPerPixel
		copy(dst.pix[do:do+n], src.pix[so:so+n])
	}
	return nil
}

// Signal sets fence to value once all previously issued commands have
// completed. Values must strictly increase.
func (c *Context) Signal(f *Fence, value uint64) error {
	if err := c.dev.check(); err != nil {
		return err
	}
	return f.signal(value)
}

// Flush submits pending commands. Commands execute at issue time, so this
// only reports device loss.
func (c *Context) Flush() error {
	return c.dev.check()
}
