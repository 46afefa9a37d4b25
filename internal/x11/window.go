package x11

import (
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil/xprop"
)

// CreateScanoutWindow creates a mapped override-redirect window covering
// the given rectangle. The window bypasses both the window manager and any
// compositing manager, so its contents go straight to the output.
func (c *Connection) CreateScanoutWindow(x, y, width, height int) (xproto.Window, error) {
	conn := c.XUtil.Conn()
	screen := c.XUtil.Screen()

	wid, err := xproto.NewWindowId(conn)
	if err != nil {
		return 0, err
	}

	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		wid,
		c.Root,
		int16(x), int16(y),
		uint16(width), uint16(height),
		0, // border_width
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		xproto.CwBackPixel|xproto.CwOverrideRedirect,
		// Value list order follows the bit positions of the mask.
		[]uint32{0, 1}, // back_pixel=black, override_redirect=true
	).Check()
	if err != nil {
		return 0, err
	}

	if err := xprop.ChangeProp32(c.XUtil, wid, "_NET_WM_BYPASS_COMPOSITOR", "CARDINAL", 1); err != nil {
		xproto.DestroyWindow(conn, wid)
		return 0, err
	}

	xproto.ConfigureWindow(conn, wid, xproto.ConfigWindowStackMode, []uint32{xproto.StackModeAbove})
	if err := xproto.MapWindowChecked(conn, wid).Check(); err != nil {
		xproto.DestroyWindow(conn, wid)
		return 0, err
	}
	return wid, nil
}

// DestroyWindow destroys a window created by this connection.
func (c *Connection) DestroyWindow(wid xproto.Window) {
	xproto.DestroyWindow(c.XUtil.Conn(), wid)
}
