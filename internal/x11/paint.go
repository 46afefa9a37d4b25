package x11

import (
	"image"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/xgraphics"
)

// Painter copies BGRA frames into a window.
type Painter struct {
	wid xproto.Window
	img *xgraphics.Image
}

// NewPainter creates a painter for a width x height window.
func (c *Connection) NewPainter(wid xproto.Window, width, height int) (*Painter, error) {
	img := xgraphics.New(c.XUtil, image.Rect(0, 0, width, height))
	if err := img.XSurfaceSet(wid); err != nil {
		img.Destroy()
		return nil, err
	}
	return &Painter{wid: wid, img: img}, nil
}

// Paint uploads a BGRA frame and presents it in the window. The frame is
// clipped to the painter size.
func (p *Painter) Paint(pix []byte, stride, width, height int) {
	// xgraphics images store pixels in BGRA order already.
	w := min(width, p.img.Rect.Dx())
	h := min(height, p.img.Rect.Dy())
	for y := 0; y < h; y++ {
		copy(p.img.Pix[y*p.img.Stride:y*p.img.Stride+w*4], pix[y*stride:y*stride+w*4])
	}
	p.img.XDraw()
	p.img.XPaint(p.wid)
}

// Destroy frees the painter's X resources.
func (p *Painter) Destroy() {
	p.img.Destroy()
}
