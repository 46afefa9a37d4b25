package daemon

import (
	"log/slog"

	"github.com/1broseidon/surfacecomposer/internal/compositor"
	"github.com/1broseidon/surfacecomposer/internal/ipc"
)

// surfaceHost applies broker requests to the renderer's layer list. It
// runs on the frame loop's thread, between frames.
type surfaceHost struct {
	renderer *compositor.Renderer
	binding  *compositor.Binding
	backend  string
	logger   *slog.Logger
}

var _ ipc.SurfaceHost = (*surfaceHost)(nil)

func (h *surfaceHost) CreateSurface(pid int32, x, y, w, hh int32) (string, error) {
	l, err := h.renderer.CreateLayer(pid, x, y, w, hh, false)
	if err != nil {
		return "", err
	}
	return l.Name(), nil
}

func (h *surfaceHost) MoveSurface(pid int32, x, y, w, hh int32) (bool, error) {
	l := h.renderer.FirstLayer(pid)
	if l == nil {
		h.logger.Debug("move without a layer", "pid", pid)
		return false, nil
	}
	if err := l.SetBounds(x, y, w, hh); err != nil {
		return false, err
	}
	h.logger.Debug("surface moved", "pid", pid, "surface", l.Name(), "x", x, "y", y, "w", w, "h", hh)
	return true, nil
}

func (h *surfaceHost) DestroySurface(pid int32) int {
	l := h.renderer.FirstLayer(pid)
	if l == nil || !h.renderer.RemoveLayer(l) {
		return 0
	}
	return 1
}

func (h *surfaceHost) DropClient(pid int32) int {
	return h.renderer.RemoveLayersByPID(pid)
}

func (h *surfaceHost) Status(includeLayers bool) ipc.StatusOk {
	sc := h.renderer.SwapChain()
	st := ipc.StatusOk{
		MonitorID:  h.binding.Target.ID,
		Backend:    h.backend,
		Mode:       h.binding.Path.Mode.String(),
		Frame:      h.renderer.Frame(),
		FenceValue: sc.FenceValue(),
		BackBuffer: sc.Index(),
	}
	if includeLayers {
		for _, l := range h.renderer.Layers() {
			x, y, w, hh := l.Bounds()
			st.Layers = append(st.Layers, ipc.LayerStatus{PID: l.PID(), Name: l.Name(), X: x, Y: y, W: w, H: hh})
		}
	}
	return st
}
