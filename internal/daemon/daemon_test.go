package daemon

import (
	"context"
	"image/color"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1broseidon/surfacecomposer/internal/compositor"
	"github.com/1broseidon/surfacecomposer/internal/gpu"
	"github.com/1broseidon/surfacecomposer/internal/ipc"
	"github.com/1broseidon/surfacecomposer/internal/metrics"
	"github.com/1broseidon/surfacecomposer/internal/platform"
)

const monitorID = "EINK-TEST"

var (
	black = color.RGBA{0, 0, 0, 255}
	red   = color.RGBA{255, 0, 0, 255}
	blue  = color.RGBA{0, 0, 255, 255}
)

type harness struct {
	mgr        *platform.VirtualManager
	surfaceDir string
	cancel     context.CancelFunc
	errc       chan error
}

func newTestManager(t *testing.T, surfaceDir string) *platform.VirtualManager {
	t.Helper()
	mgr, err := platform.NewVirtualManager(platform.Options{
		SurfaceDir: surfaceDir,
		TargetDir:  t.TempDir(),
		Virtual: platform.VirtualOptions{
			Targets:        []platform.VirtualTarget{{ID: monitorID, Width: 160, Height: 120, RefreshRates: []float64{60}}},
			VBlankInterval: 2 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return mgr
}

func startDaemon(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	h := &harness{surfaceDir: t.TempDir(), errc: make(chan error, 1)}
	mgr := newTestManager(t, h.surfaceDir)
	h.mgr = mgr

	cfg := Config{
		MonitorID: monitorID,
		Manager:   mgr,
		GPU:       gpu.Options{Dir: h.surfaceDir},
		Metrics:   metrics.New(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ready := make(chan struct{})
	cfg.Ready = func() { close(ready) }

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errc <- Run(ctx, cfg) }()

	select {
	case <-ready:
	case err := <-h.errc:
		cancel()
		t.Fatalf("daemon exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.errc:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return h
}

func (h *harness) pixel(x, y int) color.RGBA {
	img, _, ok := h.mgr.LastFrame(monitorID)
	if !ok || img == nil {
		return color.RGBA{}
	}
	return img.RGBAAt(x, y)
}

func (h *harness) eventuallyPixel(t *testing.T, x, y int, want color.RGBA) {
	t.Helper()
	require.Eventually(t, func() bool { return h.pixel(x, y) == want },
		2*time.Second, time.Millisecond, "pixel %d,%d never became %v (last %v)", x, y, want, h.pixel(x, y))
}

func (h *harness) client(t *testing.T) (*ipc.Client, *gpu.Device) {
	t.Helper()
	c, err := ipc.Connect(context.Background(), ipc.DefaultEndpoint, ipc.ClientOptions{})
	require.NoError(t, err)
	dev, err := gpu.NewDevice(gpu.Options{Dir: h.surfaceDir})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		dev.Close()
	})
	return c, dev
}

func fill(t *testing.T, s *ipc.Surface, dev *gpu.Device, c color.RGBA) {
	t.Helper()
	_, err := s.Open(dev)
	require.NoError(t, err)
	require.NoError(t, s.Update(time.Second, func(tex *gpu.Texture) error {
		return tex.FillRect(tex.Bounds(), c)
	}))
}

func TestCreateMoveAndDisconnect(t *testing.T) {
	h := startDaemon(t, nil)
	c, dev := h.client(t)

	s, err := c.CreateSurface(10, 10, 40, 30)
	require.NoError(t, err)
	defer s.Close()
	fill(t, s, dev, red)

	h.eventuallyPixel(t, 10, 10, red)
	h.eventuallyPixel(t, 49, 39, red)
	require.Equal(t, black, h.pixel(5, 5))
	require.Equal(t, black, h.pixel(50, 40))

	require.NoError(t, s.Move(60, 40, 40, 30))
	h.eventuallyPixel(t, 60, 40, red)
	h.eventuallyPixel(t, 10, 10, black)

	st, err := c.Status(true)
	require.NoError(t, err)
	require.Equal(t, monitorID, st.MonitorID)
	require.Equal(t, platform.BackendVirtual, st.Backend)
	require.Equal(t, 1, st.Connections)
	require.Len(t, st.Layers, 1)
	require.Equal(t, ipc.LayerStatus{PID: int32(os.Getpid()), Name: s.Name, X: 60, Y: 40, W: 40, H: 30}, st.Layers[0])
	require.Positive(t, st.Frame)

	require.NoError(t, s.Close())
	require.NoError(t, c.Close())
	h.eventuallyPixel(t, 60, 40, black)
}

func TestTwoClientsComposite(t *testing.T) {
	h := startDaemon(t, nil)

	a, devA := h.client(t)
	sa, err := a.CreateSurface(0, 0, 40, 40)
	require.NoError(t, err)
	defer sa.Close()
	fill(t, sa, devA, red)

	b, err := ipc.Connect(context.Background(), ipc.DefaultEndpoint, ipc.ClientOptions{PID: int32(os.Getppid())})
	require.NoError(t, err)
	defer b.Close()
	sb, err := b.CreateSurface(0, 60, 40, 40)
	require.NoError(t, err)
	defer sb.Close()
	fill(t, sb, devA, blue)

	h.eventuallyPixel(t, 20, 20, red)
	h.eventuallyPixel(t, 20, 80, blue)
	require.Equal(t, black, h.pixel(20, 50))

	// Keep writing while frames are composited.
	for range 20 {
		fill(t, sa, devA, red)
		fill(t, sb, devA, blue)
	}
	require.Equal(t, red, h.pixel(39, 39))
	require.Equal(t, blue, h.pixel(39, 99))
}

func TestTestBackgroundAnimates(t *testing.T) {
	h := startDaemon(t, func(cfg *Config) { cfg.TestBackground = true })
	require.Eventually(t, func() bool {
		p := h.pixel(80, 60)
		return p.R > 0 && p.G == 0 && p.B == 0
	}, 2*time.Second, time.Millisecond)
}

func TestTestLayerCoversTarget(t *testing.T) {
	h := startDaemon(t, func(cfg *Config) { cfg.TestLayer = true })
	require.Eventually(t, func() bool {
		p := h.pixel(0, 0)
		return p.R > 200 && p.G > 200 && p.B > 200
	}, 2*time.Second, time.Millisecond)
}

func TestBindFailureIsFatal(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	mgr, err := platform.NewVirtualManager(platform.Options{SurfaceDir: t.TempDir(), TargetDir: t.TempDir()})
	require.NoError(t, err)

	err = Run(context.Background(), Config{MonitorID: "missing", Manager: mgr})
	require.ErrorIs(t, err, compositor.ErrTargetNotFound)
	require.True(t, compositor.IsBindError(err))
}

func TestStopReleasesTarget(t *testing.T) {
	h := startDaemon(t, nil)
	h.cancel()
	select {
	case err := <-h.errc:
		require.NoError(t, err)
		h.errc <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	targets, err := h.mgr.Targets(context.Background())
	require.NoError(t, err)
	st, err := h.mgr.AcquireState(context.Background(), targets[0])
	require.NoError(t, err)
	require.NoError(t, st.Release())
}
