package compositor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
	"github.com/1broseidon/surfacecomposer/internal/platform"
)

// SwapChain owns the two primary surfaces of a binding, their scanouts and
// render target views, and the fence shared between the GPU and display
// devices. It must be used from the OS thread that created it; lock the
// calling goroutine with runtime.LockOSThread first.
type SwapChain struct {
	b      *Binding
	ctx    *gpu.Context
	logger *slog.Logger

	primaries [2]*platform.Primary
	scanouts  [2]*platform.Scanout
	textures  [2]*gpu.Texture
	rtvs      [2]*gpu.RenderTargetView

	fence        *gpu.Fence
	displayFence *gpu.Fence
	fenceValue   uint64
	index        int
	presents     uint64
	thread       int
}

// NewSwapChain creates the primary surfaces and the shared fence.
func NewSwapChain(b *Binding) (_ *SwapChain, err error) {
	sc := &SwapChain{b: b, ctx: b.Device.ImmediateContext(), logger: b.logger, thread: osThreadID()}
	defer func() {
		if err != nil {
			sc.Close()
		}
	}()

	for i := range 2 {
		if sc.primaries[i], err = b.Display.CreatePrimary(b.Width, b.Height, b.Format); err != nil {
			return nil, &DeviceError{Op: fmt.Sprintf("create primary %d", i), Err: err}
		}
		if sc.scanouts[i], err = platform.NewScanout(b.Source, sc.primaries[i], 0, 1); err != nil {
			return nil, &DeviceError{Op: fmt.Sprintf("create scanout %d", i), Err: err}
		}
		if sc.textures[i], err = b.Device.OpenSharedResource(sc.primaries[i].Handle); err != nil {
			return nil, &DeviceError{Op: fmt.Sprintf("open primary %d", i), Err: err}
		}
		sc.rtvs[i], err = b.Device.CreateRenderTargetView(sc.textures[i], gpu.RenderTargetViewDesc{
			Format:        b.Format,
			ViewDimension: gpu.ViewDimensionTexture2D,
			MipSlice:      0,
		})
		if err != nil {
			return nil, &DeviceError{Op: fmt.Sprintf("create rtv %d", i), Err: err}
		}
	}

	if sc.fence, err = b.Device.CreateFence(0, gpu.FenceShared); err != nil {
		return nil, &DeviceError{Op: "create fence", Err: err}
	}
	h, err := sc.fence.CreateSharedHandle()
	if err != nil {
		return nil, &DeviceError{Op: "share fence", Err: err}
	}
	if sc.displayFence, err = b.Display.OpenFence(h); err != nil {
		return nil, &DeviceError{Op: "open fence on display", Err: err}
	}
	return sc, nil
}

// BackBufferRTV returns the view of the surface being drawn.
func (sc *SwapChain) BackBufferRTV() *gpu.RenderTargetView { return sc.rtvs[sc.index] }

// Index returns the back buffer index.
func (sc *SwapChain) Index() int { return sc.index }

// FenceValue returns the last value signalled.
func (sc *SwapChain) FenceValue() uint64 { return sc.fenceValue }

// Presents returns the number of successful presents.
func (sc *SwapChain) Presents() uint64 { return sc.presents }

// Size returns the surface size.
func (sc *SwapChain) Size() (int, int) { return sc.b.Width, sc.b.Height }

// Device returns the GPU device that draws into the chain.
func (sc *SwapChain) Device() *gpu.Device { return sc.b.Device }

// Clear fills the back buffer with c.
func (sc *SwapChain) Clear(c gpu.Color) error {
	return sc.ctx.ClearRenderTargetView(sc.BackBufferRTV(), c)
}

func (sc *SwapChain) checkThread() error {
	if sc.thread >= 0 && osThreadID() != sc.thread {
		return ErrNotOnFrameThread
	}
	return nil
}

// Present signals the next fence value after the frame's commands, queues
// a scanout of the back buffer that waits on that value, blocks until the
// next vblank, and flips the back buffer.
func (sc *SwapChain) Present(ctx context.Context) error {
	if err := sc.checkThread(); err != nil {
		return err
	}
	next := sc.fenceValue + 1
	if err := sc.ctx.Signal(sc.fence, next); err != nil {
		return fmt.Errorf("signal fence %d: %w", next, err)
	}
	sc.fenceValue = next

	task := platform.PresentTask{
		Scanout: sc.scanouts[sc.index],
		Fence:   sc.displayFence,
		Value:   next,
	}
	if err := sc.b.TaskPool.Submit(task); err != nil {
		return fmt.Errorf("submit present %d: %w", next, err)
	}
	if err := sc.b.Source.WaitForVBlank(ctx); err != nil {
		return fmt.Errorf("wait for vblank: %w", err)
	}
	sc.index = 1 - sc.index
	sc.presents++
	return nil
}

// Close releases the chain's resources. Pending present tasks must have
// drained (close the binding's task pool first, or let one vblank pass).
func (sc *SwapChain) Close() error {
	var result *multierror.Error
	if sc.displayFence != nil {
		result = multierror.Append(result, sc.displayFence.Close())
		sc.displayFence = nil
	}
	if sc.fence != nil {
		result = multierror.Append(result, sc.fence.Close())
		sc.fence = nil
	}
	for i := 1; i >= 0; i-- {
		sc.rtvs[i] = nil
		sc.scanouts[i] = nil
		if sc.textures[i] != nil {
			result = multierror.Append(result, sc.textures[i].Close())
			sc.textures[i] = nil
		}
		if sc.primaries[i] != nil {
			result = multierror.Append(result, sc.primaries[i].Texture.Close())
			sc.primaries[i] = nil
		}
	}
	return result.ErrorOrNil()
}
