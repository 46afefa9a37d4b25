package compositor

import (
	"context"
	"image"
	"image/color"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
	"github.com/1broseidon/surfacecomposer/internal/platform"
)

const (
	testMonitor = "EINK-TEST"
	testW       = 64
	testH       = 48
)

type fixture struct {
	mgr      *platform.VirtualManager
	opts     platform.Options
	binding  *Binding
	sc       *SwapChain
	renderer *Renderer
	client   *gpu.Device
}

func newFixture(t *testing.T, ropts RendererOptions) *fixture {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	surfaceDir := t.TempDir()
	opts := platform.Options{
		SurfaceDir: surfaceDir,
		TargetDir:  t.TempDir(),
		Virtual: platform.VirtualOptions{
			Targets: []platform.VirtualTarget{
				{ID: testMonitor, Width: testW, Height: testH, RefreshRates: []float64{30, 60, 120}},
			},
			VBlankInterval: time.Millisecond,
		},
	}
	mgr, err := platform.NewVirtualManager(opts)
	require.NoError(t, err)

	b, err := Bind(context.Background(), mgr, testMonitor, BindOptions{GPU: gpu.Options{Dir: surfaceDir}})
	require.NoError(t, err)
	sc, err := NewSwapChain(b)
	require.NoError(t, err)
	r := NewRenderer(sc, ropts)
	client, err := gpu.NewDevice(gpu.Options{Dir: surfaceDir})
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, client.Close())
		r.Close()
		b.TaskPool.Close()
		require.NoError(t, sc.Close())
		require.NoError(t, b.Release())
	})
	return &fixture{mgr: mgr, opts: opts, binding: b, sc: sc, renderer: r, client: client}
}

// frontBuffer returns the surface presented last.
func (f *fixture) frontBuffer() *gpu.Texture {
	return f.sc.textures[1-f.sc.Index()]
}

func TestSelectModeClosestTo60(t *testing.T) {
	modes := []platform.Mode{
		{RefreshMHz: 30000},
		{RefreshMHz: 59940},
		{RefreshMHz: 60060},
		{RefreshMHz: 75000},
	}
	m, ok := SelectMode(modes, 60)
	require.True(t, ok)
	require.Equal(t, 59940, m.RefreshMHz, "ties go to the first mode")

	_, ok = SelectMode(nil, 60)
	require.False(t, ok)
	_, ok = SelectMode([]platform.Mode{{RefreshMHz: 0}}, 60)
	require.False(t, ok)
}

func TestBindSelectsModeAndReleases(t *testing.T) {
	f := newFixture(t, RendererOptions{})
	require.Equal(t, 60000, f.binding.Path.Mode.RefreshMHz)
	require.Equal(t, testW, f.binding.Width)
	require.Equal(t, testH, f.binding.Height)

	targets, err := f.mgr.Targets(context.Background())
	require.NoError(t, err)
	require.True(t, targets[0].Specialized)

	other, err := platform.NewVirtualManager(f.opts)
	require.NoError(t, err)
	_, err = Bind(context.Background(), other, testMonitor, BindOptions{GPU: gpu.Options{Dir: f.opts.SurfaceDir}})
	require.ErrorIs(t, err, ErrTargetBusy)
	require.True(t, IsBindError(err))
}

func TestBindTargetNotFound(t *testing.T) {
	mgr, err := platform.NewVirtualManager(platform.Options{SurfaceDir: t.TempDir(), TargetDir: t.TempDir()})
	require.NoError(t, err)
	_, err = Bind(context.Background(), mgr, "nope", BindOptions{})
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func TestBindNeverPartiallyCommits(t *testing.T) {
	opts := platform.Options{
		SurfaceDir: t.TempDir(),
		TargetDir:  t.TempDir(),
		Virtual: platform.VirtualOptions{
			Targets: []platform.VirtualTarget{{ID: "M", Width: 8, Height: 8}},
		},
	}
	mgr, err := platform.NewVirtualManager(opts)
	require.NoError(t, err)

	_, err = Bind(context.Background(), mgr, "M", BindOptions{})
	require.ErrorIs(t, err, ErrNoValidMode)

	// The state lock was rolled back; the specialization was not.
	targets, _ := mgr.Targets(context.Background())
	require.True(t, targets[0].Specialized)
	st, err := mgr.AcquireState(context.Background(), targets[0])
	require.NoError(t, err)
	require.NoError(t, st.Release())
}

func TestPresentAdvancesIndexAndFence(t *testing.T) {
	f := newFixture(t, RendererOptions{})
	ctx := context.Background()

	var last uint64
	for n := 1; n <= 5; n++ {
		require.NoError(t, f.sc.Clear(gpu.Black))
		require.NoError(t, f.sc.Present(ctx))
		require.Greater(t, f.sc.FenceValue(), last)
		last = f.sc.FenceValue()
		require.Equal(t, n%2, f.sc.Index())
		require.Equal(t, uint64(n), f.sc.Presents())
	}

	require.Eventually(t, func() bool {
		_, scans, _ := f.mgr.LastFrame(testMonitor)
		return scans == 5
	}, time.Second, time.Millisecond)
}

func TestTestBackgroundColor(t *testing.T) {
	require.Equal(t, gpu.Color{A: 1}, TestBackgroundColor(0))
	require.Equal(t, gpu.Color{R: 1, A: 1}, TestBackgroundColor(15))
	require.Equal(t, gpu.Color{G: 1, A: 1}, TestBackgroundColor(45))
	require.Equal(t, gpu.Color{B: 1, A: 1}, TestBackgroundColor(75))
	require.Equal(t, gpu.Color{R: 1, A: 1}, TestBackgroundColor(105))
}

func TestRenderFrameWithTestBackground(t *testing.T) {
	f := newFixture(t, RendererOptions{TestBackground: true})
	ctx := context.Background()
	for range 16 {
		_, err := f.renderer.RenderFrame(ctx)
		require.NoError(t, err)
	}
	// Frame 15 was red at full intensity.
	require.Equal(t, [4]byte{0, 0, 255, 255}, f.frontBuffer().PixelAt(10, 10))
}

func TestLayerGeometry(t *testing.T) {
	dev, err := gpu.NewDevice(gpu.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer dev.Close()

	l, err := NewLayer(dev, 7, -5, 10, 100, 20, testW, testH, LayerOptions{})
	require.NoError(t, err)
	defer l.Close()

	x, y, w, h := l.Bounds()
	require.Equal(t, [4]int32{0, 10, 100, 20}, [4]int32{x, y, w, h})
	tw, th := l.TextureSize()
	require.Equal(t, uint32(100), tw)
	require.Equal(t, uint32(testH), th)
	require.Equal(t, gpu.Box{Right: testW, Bottom: 20, Back: 1}, l.SourceBox())
	require.True(t, strings.HasPrefix(l.Name(), SurfaceNamePrefix))

	other, err := NewLayer(dev, 7, 0, 0, 1, 1, testW, testH, LayerOptions{})
	require.NoError(t, err)
	defer other.Close()
	require.NotEqual(t, l.Name(), other.Name())

	_, err = NewLayer(dev, 7, 0, 0, 0, 10, testW, testH, LayerOptions{})
	require.ErrorIs(t, err, ErrInvalidGeometry)
	require.ErrorIs(t, l.SetBounds(0, 0, -1, 1), ErrInvalidGeometry)
}

func TestLayerRejectsOversizedGeometry(t *testing.T) {
	dir := t.TempDir()
	dev, err := gpu.NewDevice(gpu.Options{Dir: dir})
	require.NoError(t, err)
	defer dev.Close()

	_, err = NewLayer(dev, 7, 0, 0, 65536, 65536, testW, testH, LayerOptions{})
	require.ErrorIs(t, err, ErrInvalidGeometry)
	var le *LayerError
	require.ErrorAs(t, err, &le)
	require.Equal(t, "create", le.Op)
	_, err = NewLayer(dev, 7, 0, 0, 10, MaxLayerDimension+1, testW, testH, LayerOptions{})
	require.ErrorIs(t, err, ErrInvalidGeometry)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "rejected layer left a shared texture behind")

	l, err := NewLayer(dev, 7, 0, 0, 10, 10, testW, testH, LayerOptions{})
	require.NoError(t, err)
	defer l.Close()
	require.ErrorIs(t, l.SetBounds(0, 0, MaxLayerDimension+1, 10), ErrInvalidGeometry)
	require.NoError(t, l.SetBounds(0, 0, MaxLayerDimension, 10))
}

func TestLayerBlitRegionAndClearColor(t *testing.T) {
	f := newFixture(t, RendererOptions{})
	ctx := context.Background()

	l, err := f.renderer.CreateLayer(42, 10, 5, 20, 10, false)
	require.NoError(t, err)

	tex, err := f.client.OpenSharedResourceByName(l.Name(), gpu.AccessReadWrite)
	require.NoError(t, err)
	defer tex.Close()
	km, err := tex.KeyedMutex()
	require.NoError(t, err)
	require.NoError(t, km.AcquireSync(0, time.Second))
	require.NoError(t, tex.FillRect(tex.Bounds(), color.RGBA{R: 255, A: 255}))
	require.NoError(t, km.ReleaseSync(0))

	stats, err := f.renderer.RenderFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Blitted)

	front := f.frontBuffer()
	rect := image.Rect(10, 5, 30, 15)
	for y := 0; y < testH; y++ {
		for x := 0; x < testW; x++ {
			want := [4]byte{0, 0, 0, 255}
			if image.Pt(x, y).In(rect) {
				want = [4]byte{0, 0, 255, 255}
			}
			require.Equal(t, want, front.PixelAt(x, y), "pixel %d,%d", x, y)
		}
	}

	require.NoError(t, l.SetBounds(40, 30, 20, 10))
	_, err = f.renderer.RenderFrame(ctx)
	require.NoError(t, err)
	front = f.frontBuffer()
	require.Equal(t, [4]byte{0, 0, 0, 255}, front.PixelAt(10, 5))
	require.Equal(t, [4]byte{0, 0, 255, 255}, front.PixelAt(40, 30))
	require.Equal(t, [4]byte{0, 0, 255, 255}, front.PixelAt(59, 39))
}

func TestLayersCompositeInInsertionOrder(t *testing.T) {
	f := newFixture(t, RendererOptions{})
	bottom, err := f.renderer.CreateLayer(1, 0, 0, 10, 10, false)
	require.NoError(t, err)
	top, err := f.renderer.CreateLayer(2, 5, 5, 10, 10, false)
	require.NoError(t, err)

	paint := func(l *Layer, c color.RGBA) {
		tex, err := f.client.OpenSharedResourceByName(l.Name(), gpu.AccessReadWrite)
		require.NoError(t, err)
		defer tex.Close()
		km, _ := tex.KeyedMutex()
		require.NoError(t, km.AcquireSync(0, time.Second))
		require.NoError(t, tex.FillRect(tex.Bounds(), c))
		require.NoError(t, km.ReleaseSync(0))
	}
	paint(bottom, color.RGBA{G: 255, A: 255})
	paint(top, color.RGBA{B: 255, A: 255})

	_, err = f.renderer.RenderFrame(context.Background())
	require.NoError(t, err)
	front := f.frontBuffer()
	require.Equal(t, [4]byte{0, 255, 0, 255}, front.PixelAt(2, 2))
	require.Equal(t, [4]byte{255, 0, 0, 255}, front.PixelAt(7, 7))
	require.Equal(t, []*Layer{bottom, top}, f.renderer.Layers())
}

func TestHeldMutexSkipsLayerOnly(t *testing.T) {
	f := newFixture(t, RendererOptions{Layer: LayerOptions{MutexTimeout: 5 * time.Millisecond}})
	stuck, err := f.renderer.CreateLayer(1, 0, 0, 4, 4, false)
	require.NoError(t, err)
	_, err = f.renderer.CreateLayer(2, 10, 10, 4, 4, false)
	require.NoError(t, err)

	tex, err := f.client.OpenSharedResourceByName(stuck.Name(), gpu.AccessReadWrite)
	require.NoError(t, err)
	defer tex.Close()
	km, _ := tex.KeyedMutex()
	require.NoError(t, km.AcquireSync(0, time.Second))
	defer km.ReleaseSync(0)

	stats, err := f.renderer.RenderFrame(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, 1, stats.Blitted)
	require.Equal(t, uint64(1), f.renderer.Frame())
}

func TestRemoveLayersByPID(t *testing.T) {
	f := newFixture(t, RendererOptions{})
	a, err := f.renderer.CreateLayer(1, 0, 0, 4, 4, false)
	require.NoError(t, err)
	_, err = f.renderer.CreateLayer(2, 0, 0, 4, 4, false)
	require.NoError(t, err)
	_, err = f.renderer.CreateLayer(1, 0, 0, 4, 4, false)
	require.NoError(t, err)

	require.Same(t, a, f.renderer.FirstLayer(1))
	require.Equal(t, 2, f.renderer.RemoveLayersByPID(1))
	require.Len(t, f.renderer.Layers(), 1)
	require.Nil(t, f.renderer.FirstLayer(1))

	_, err = f.client.OpenSharedResourceByName(a.Name(), gpu.AccessReadWrite)
	require.ErrorIs(t, err, gpu.ErrNotFound)
}

func TestTestLayerCoversTarget(t *testing.T) {
	f := newFixture(t, RendererOptions{})
	l, err := f.renderer.CreateLayer(0, 0, 0, testW, testH, true)
	require.NoError(t, err)
	require.NotNil(t, l)

	for range 3 {
		stats, err := f.renderer.RenderFrame(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, stats.Blitted)
	}
	// The generated pattern starts with a white bar.
	px := f.frontBuffer().PixelAt(0, 0)
	require.Greater(t, px[0], byte(200))
	require.Greater(t, px[1], byte(200))
	require.Greater(t, px[2], byte(200))
}
