package compositor

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
)

// RendererOptions configure a Renderer.
type RendererOptions struct {
	Logger *slog.Logger
	// TestBackground clears with TestBackgroundColor instead of black.
	TestBackground bool
	// Layer holds the options for layers the renderer creates.
	Layer LayerOptions
}

// FrameStats describes one rendered frame.
type FrameStats struct {
	Frame      uint64
	FenceValue uint64
	Blitted    int
	Skipped    int
	Duration   time.Duration
}

// Renderer composes layers into the swap chain once per frame. Layers
// composite in insertion order, the first added at the bottom.
type Renderer struct {
	sc     *SwapChain
	logger *slog.Logger
	opts   RendererOptions
	layers []*Layer
	frame  uint64
}

// NewRenderer creates a renderer over sc.
func NewRenderer(sc *SwapChain, opts RendererOptions) *Renderer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Renderer{sc: sc, logger: logger, opts: opts}
}

// SwapChain returns the renderer's swap chain.
func (r *Renderer) SwapChain() *SwapChain { return r.sc }

// Frame returns the number of frames rendered.
func (r *Renderer) Frame() uint64 { return r.frame }

// CreateLayer creates a layer for pid and adds it on top.
func (r *Renderer) CreateLayer(pid int32, x, y, w, h int32, testMode bool) (*Layer, error) {
	opts := r.opts.Layer
	opts.TestMode = testMode
	tw, th := r.sc.Size()
	l, err := NewLayer(r.sc.Device(), pid, x, y, w, h, tw, th, opts)
	if err != nil {
		return nil, err
	}
	r.AddLayer(l)
	return l, nil
}

// AddLayer adds l on top of the existing layers.
func (r *Renderer) AddLayer(l *Layer) {
	r.layers = append(r.layers, l)
	r.logger.Info("layer added", "surface", l.Name(), "pid", l.PID(), "layers", len(r.layers))
}

// Layers returns the layers bottom to top.
func (r *Renderer) Layers() []*Layer { return slices.Clone(r.layers) }

// FirstLayer returns the first layer owned by pid, or nil.
func (r *Renderer) FirstLayer(pid int32) *Layer {
	for _, l := range r.layers {
		if l.PID() == pid {
			return l
		}
	}
	return nil
}

// RemoveLayer removes and closes l.
func (r *Renderer) RemoveLayer(l *Layer) bool {
	i := slices.Index(r.layers, l)
	if i < 0 {
		return false
	}
	r.layers = slices.Delete(r.layers, i, i+1)
	r.closeLayer(l)
	return true
}

// RemoveLayersByPID removes and closes every layer of pid.
func (r *Renderer) RemoveLayersByPID(pid int32) int {
	n := 0
	r.layers = slices.DeleteFunc(r.layers, func(l *Layer) bool {
		if l.PID() != pid {
			return false
		}
		r.closeLayer(l)
		n++
		return true
	})
	return n
}

func (r *Renderer) closeLayer(l *Layer) {
	name := l.Name()
	if err := l.Close(); err != nil {
		r.logger.Warn("layer close failed", "surface", name, "error", err)
	}
	r.logger.Info("layer removed", "surface", name, "pid", l.PID(), "layers", len(r.layers))
}

// ClearColor returns the clear color of the current frame.
func (r *Renderer) ClearColor() gpu.Color {
	if r.opts.TestBackground {
		return TestBackgroundColor(r.frame)
	}
	return gpu.Black
}

// RenderFrame clears the back buffer, blits every layer and presents.
// Layer failures are logged and the layer is skipped; clear and present
// failures drop the frame with a FrameError.
func (r *Renderer) RenderFrame(ctx context.Context) (FrameStats, error) {
	start := time.Now()
	stats := FrameStats{Frame: r.frame}

	rtv := r.sc.BackBufferRTV()
	if err := r.sc.Clear(r.ClearColor()); err != nil {
		return stats, &FrameError{Frame: r.frame, Op: "clear", Err: err}
	}
	for _, l := range r.layers {
		if err := l.Blit(rtv); err != nil {
			stats.Skipped++
			r.logger.Warn("layer skipped", "surface", l.Name(), "pid", l.PID(), "frame", r.frame, "error", err)
			continue
		}
		stats.Blitted++
	}
	if err := r.sc.Present(ctx); err != nil {
		return stats, &FrameError{Frame: r.frame, Op: "present", Err: err}
	}
	stats.FenceValue = r.sc.FenceValue()
	stats.Duration = time.Since(start)
	r.frame++
	return stats, nil
}

// Close closes every layer.
func (r *Renderer) Close() {
	for _, l := range r.layers {
		r.closeLayer(l)
	}
	r.layers = nil
}
