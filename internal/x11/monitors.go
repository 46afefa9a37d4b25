package x11

import (
	"fmt"

	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
)

// ModeInfo is one RandR mode of an output.
type ModeInfo struct {
	ID         randr.Mode
	Width      int
	Height     int
	RefreshMHz int // refresh rate in millihertz
	Interlaced bool
}

// Output represents a RandR output (a physical connector and its panel).
type Output struct {
	ID        randr.Output
	Name      string
	Connected bool
	Crtc      randr.Crtc
	X         int
	Y         int
	Width     int
	Height    int
	Mode      randr.Mode
	Modes     []ModeInfo
	Preferred int // number of leading Modes the output prefers
}

// refreshMHz computes the vertical refresh rate of a mode.
func refreshMHz(mi randr.ModeInfo) int {
	vtotal := int64(mi.Vtotal)
	if mi.ModeFlags&randr.ModeFlagDoubleScan != 0 {
		vtotal *= 2
	}
	if mi.ModeFlags&randr.ModeFlagInterlace != 0 {
		vtotal /= 2
	}
	if mi.Htotal == 0 || vtotal == 0 {
		return 0
	}
	return int(int64(mi.DotClock) * 1000 / (int64(mi.Htotal) * vtotal))
}

// GetOutputs retrieves every RandR output with its mode list.
func (c *Connection) GetOutputs() ([]Output, error) {
	conn := c.XUtil.Conn()
	resources, err := randr.GetScreenResources(conn, c.Root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen resources: %w", err)
	}

	modes := make(map[randr.Mode]ModeInfo, len(resources.Modes))
	for _, mi := range resources.Modes {
		modes[randr.Mode(mi.Id)] = ModeInfo{
			ID:         randr.Mode(mi.Id),
			Width:      int(mi.Width),
			Height:     int(mi.Height),
			RefreshMHz: refreshMHz(mi),
			Interlaced: mi.ModeFlags&randr.ModeFlagInterlace != 0,
		}
	}

	outputs := make([]Output, 0, len(resources.Outputs))
	for _, id := range resources.Outputs {
		info, err := randr.GetOutputInfo(conn, id, resources.ConfigTimestamp).Reply()
		if err != nil {
			continue
		}
		out := Output{
			ID:        id,
			Name:      string(info.Name),
			Connected: info.Connection == randr.ConnectionConnected,
			Crtc:      info.Crtc,
			Preferred: int(info.NumPreferred),
		}
		for _, m := range info.Modes {
			if mi, ok := modes[m]; ok {
				out.Modes = append(out.Modes, mi)
			}
		}
		if info.Crtc != 0 {
			if crtc, err := randr.GetCrtcInfo(conn, info.Crtc, resources.ConfigTimestamp).Reply(); err == nil {
				out.X = int(crtc.X)
				out.Y = int(crtc.Y)
				out.Width = int(crtc.Width)
				out.Height = int(crtc.Height)
				out.Mode = crtc.Mode
			}
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// FreeCrtc returns a CRTC that can drive output: its current one, else
// the first unused CRTC the output supports.
func (c *Connection) FreeCrtc(output randr.Output) (randr.Crtc, error) {
	conn := c.XUtil.Conn()
	resources, err := randr.GetScreenResources(conn, c.Root).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to get screen resources: %w", err)
	}
	info, err := randr.GetOutputInfo(conn, output, resources.ConfigTimestamp).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to get output info: %w", err)
	}
	if info.Crtc != 0 {
		return info.Crtc, nil
	}
	for _, crtc := range info.Crtcs {
		ci, err := randr.GetCrtcInfo(conn, crtc, resources.ConfigTimestamp).Reply()
		if err == nil && len(ci.Outputs) == 0 {
			return crtc, nil
		}
	}
	return 0, fmt.Errorf("no free crtc for output %d", output)
}

// SetCrtcConfig drives output from crtc at (x, y) with mode, unrotated.
func (c *Connection) SetCrtcConfig(crtc randr.Crtc, output randr.Output, x, y int, mode randr.Mode) error {
	conn := c.XUtil.Conn()
	resources, err := randr.GetScreenResources(conn, c.Root).Reply()
	if err != nil {
		return fmt.Errorf("failed to get screen resources: %w", err)
	}
	reply, err := randr.SetCrtcConfig(conn, crtc, xproto.TimeCurrentTime, resources.ConfigTimestamp,
		int16(x), int16(y), mode, randr.RotationRotate0, []randr.Output{output}).Reply()
	if err != nil {
		return fmt.Errorf("set crtc config failed: %w", err)
	}
	if reply.Status != randr.SetConfigSuccess {
		return fmt.Errorf("set crtc config status %d", reply.Status)
	}
	return nil
}
