package compositor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"
	"github.com/hashicorp/go-multierror"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
	"github.com/1broseidon/surfacecomposer/internal/platform"
)

// BindOptions configure Bind.
type BindOptions struct {
	Logger *slog.Logger
	// RefreshHz is the target refresh rate; defaults to 60.
	RefreshHz float64
	// GPU configures the compositor's GPU device.
	GPU gpu.Options
}

// Binding is an exclusively held display target with an applied mode and
// everything needed to present to it.
type Binding struct {
	Device   *gpu.Device
	Target   platform.Target
	Path     platform.Path
	Display  platform.Device
	Source   platform.Source
	TaskPool platform.TaskPool
	Width    int
	Height   int
	Format   gputypes.TextureFormat

	state  platform.State
	logger *slog.Logger
}

// Bind detaches the monitor named monitorID from the desktop, takes
// exclusive state on it, applies the mode closest to the refresh target
// and opens the devices to present with. On failure every completed step
// is undone except detaching, which stays visible to other processes.
func Bind(ctx context.Context, mgr platform.Manager, monitorID string, opts BindOptions) (_ *Binding, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	hz := opts.RefreshHz
	if hz <= 0 {
		hz = DefaultRefreshHz
	}
	fail := func(op string, err error) error {
		return &BindError{MonitorID: monitorID, Op: op, Err: err}
	}

	targets, err := mgr.Targets(ctx)
	if err != nil {
		return nil, fail("enumerate targets", err)
	}
	var target *platform.Target
	for i := range targets {
		if targets[i].ID == monitorID {
			target = &targets[i]
			break
		}
	}
	if target == nil {
		return nil, fail("find target", ErrTargetNotFound)
	}

	if !target.Specialized {
		if err := mgr.Specialize(ctx, *target); err != nil {
			return nil, fail("specialize", err)
		}
		target.Specialized = true
		logger.Info("display target detached from desktop", "monitor", monitorID)
	}

	b := &Binding{Target: *target, Format: gputypes.TextureFormatBGRA8Unorm, logger: logger}
	defer func() {
		if err != nil {
			if rerr := b.Release(); rerr != nil {
				logger.Warn("bind rollback incomplete", "monitor", monitorID, "error", rerr)
			}
		}
	}()

	if b.state, err = mgr.AcquireState(ctx, *target); err != nil {
		return nil, fail("acquire state", err)
	}

	cfg := platform.PathConfig{
		Interlaced: false,
		Scaling:    platform.ScalingIdentity,
		Format:     gputypes.TextureFormatBGRA8Unorm,
	}
	if err = b.state.ConnectPath(cfg); err != nil {
		return nil, fail("connect path", err)
	}
	modes, err := b.state.PreferredModes()
	if err != nil {
		return nil, fail("enumerate modes", err)
	}
	mode, ok := SelectMode(modes, hz)
	if !ok {
		return nil, fail("select mode", ErrNoValidMode)
	}
	if err = b.state.SetMode(mode); err != nil {
		return nil, fail("set mode", fmt.Errorf("%w: %v", ErrApplyFailed, err))
	}
	if err = b.state.Apply(); err != nil {
		return nil, fail("apply", fmt.Errorf("%w: %v", ErrApplyFailed, err))
	}
	if b.Path, err = b.state.CurrentPath(); err != nil {
		return nil, fail("read path", err)
	}
	if !b.Path.Applied {
		return nil, fail("read path", ErrApplyFailed)
	}
	b.Width, b.Height = b.Path.Mode.Width, b.Path.Mode.Height

	if b.Display, err = mgr.OpenDevice(*target); err != nil {
		return nil, fail("open display device", &DeviceError{Op: "open display device", Err: err})
	}
	if b.Source, err = b.Display.CreateSource(b.Path); err != nil {
		return nil, fail("create source", err)
	}
	if b.TaskPool, err = b.Display.CreateTaskPool(); err != nil {
		return nil, fail("create task pool", err)
	}
	gpuOpts := opts.GPU
	if gpuOpts.Logger == nil {
		gpuOpts.Logger = logger
	}
	if b.Device, err = gpu.NewDevice(gpuOpts); err != nil {
		return nil, fail("create gpu device", &DeviceError{Op: "create device", Err: err})
	}

	logger.Info("display target bound",
		"monitor", monitorID,
		"mode", b.Path.Mode.String(),
		"backend", mgr.Name(),
	)
	return b, nil
}

// Release drops the binding in reverse order of creation. The target stays
// detached from the desktop.
func (b *Binding) Release() error {
	var result *multierror.Error
	if b.Device != nil {
		result = multierror.Append(result, b.Device.Close())
		b.Device = nil
	}
	if b.TaskPool != nil {
		result = multierror.Append(result, b.TaskPool.Close())
		b.TaskPool = nil
	}
	if b.Source != nil {
		result = multierror.Append(result, b.Source.Close())
		b.Source = nil
	}
	if b.Display != nil {
		result = multierror.Append(result, b.Display.Close())
		b.Display = nil
	}
	if b.state != nil {
		result = multierror.Append(result, b.state.Release())
		b.state = nil
	}
	return result.ErrorOrNil()
}

// IsBindError reports whether err came from Bind.
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}
