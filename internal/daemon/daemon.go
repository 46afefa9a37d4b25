// Package daemon runs the compositor: it binds the display target, starts
// the surface broker and drives the frame loop until cancelled.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/1broseidon/surfacecomposer/internal/compositor"
	"github.com/1broseidon/surfacecomposer/internal/gpu"
	"github.com/1broseidon/surfacecomposer/internal/ipc"
	"github.com/1broseidon/surfacecomposer/internal/metrics"
	"github.com/1broseidon/surfacecomposer/internal/platform"
)

// DefaultMaxConsecutiveFrameErrors is the number of dropped frames in a
// row that stops the compositor.
const DefaultMaxConsecutiveFrameErrors = 2

// Config holds everything Run needs.
type Config struct {
	MonitorID string
	Manager   platform.Manager
	Endpoint  string

	RefreshHz      float64
	TestBackground bool
	TestLayer      bool
	TestLayerImage string
	MutexTimeout   time.Duration

	HandshakeTimeout          time.Duration
	MaxConsecutiveFrameErrors int

	GPU     gpu.Options
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Ready, if set, is called from the frame loop's thread once the
	// target is bound and the broker is listening.
	Ready func()
}

// compositorLoop is the state owned by the frame loop's thread.
type compositorLoop struct {
	cfg      Config
	logger   *slog.Logger
	binding  *compositor.Binding
	sc       *compositor.SwapChain
	renderer *compositor.Renderer
	broker   *ipc.Broker
}

// Run binds cfg.MonitorID and composites until ctx is cancelled. It returns
// nil on cancellation and an error on bind, listen or fatal frame failure.
// The calling goroutine is locked to its OS thread for the duration.
func Run(ctx context.Context, cfg Config) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = ipc.DefaultEndpoint
	}
	if cfg.MaxConsecutiveFrameErrors <= 0 {
		cfg.MaxConsecutiveFrameErrors = DefaultMaxConsecutiveFrameErrors
	}
	c := &compositorLoop{cfg: cfg, logger: cfg.Logger}
	defer func() {
		if cerr := c.close(); cerr != nil {
			c.logger.Warn("shutdown incomplete", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	if err := c.start(ctx); err != nil {
		return err
	}
	if cfg.Ready != nil {
		cfg.Ready()
	}
	return c.run(ctx)
}

func (c *compositorLoop) start(ctx context.Context) error {
	var err error
	c.binding, err = compositor.Bind(ctx, c.cfg.Manager, c.cfg.MonitorID, compositor.BindOptions{
		Logger:    c.logger,
		RefreshHz: c.cfg.RefreshHz,
		GPU:       c.cfg.GPU,
	})
	if err != nil {
		return err
	}
	if c.sc, err = compositor.NewSwapChain(c.binding); err != nil {
		return err
	}
	c.renderer = compositor.NewRenderer(c.sc, compositor.RendererOptions{
		Logger:         c.logger,
		TestBackground: c.cfg.TestBackground,
		Layer: compositor.LayerOptions{
			TestImage:    c.cfg.TestLayerImage,
			MutexTimeout: c.cfg.MutexTimeout,
		},
	})
	if c.cfg.TestLayer {
		w, h := c.sc.Size()
		if _, err := c.renderer.CreateLayer(0, 0, 0, int32(w), int32(h), true); err != nil {
			return fmt.Errorf("failed to create test layer: %w", err)
		}
	}

	host := &surfaceHost{
		renderer: c.renderer,
		binding:  c.binding,
		backend:  c.cfg.Manager.Name(),
		logger:   c.logger,
	}
	c.broker, err = ipc.NewBroker(c.cfg.Endpoint, host, ipc.BrokerOptions{
		Logger:           c.logger,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	return nil
}

// run is the frame loop: broker tick, render, present. It stops after the
// current frame once ctx is cancelled.
func (c *compositorLoop) run(ctx context.Context) error {
	c.logger.Info("frame loop started", "monitor", c.cfg.MonitorID)
	consecutive := 0
	for {
		if ctx.Err() != nil {
			c.logger.Info("frame loop stopped", "frames", c.renderer.Frame())
			return nil
		}
		err := c.frame(ctx)
		if err == nil {
			consecutive = 0
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		consecutive++
		c.cfg.Metrics.FrameDropped()
		c.logger.Warn("frame dropped", "frame", c.renderer.Frame(), "consecutive", consecutive, "error", err)
		if consecutive >= c.cfg.MaxConsecutiveFrameErrors {
			return fmt.Errorf("%d consecutive frame errors: %w", consecutive, err)
		}
	}
}

func (c *compositorLoop) frame(ctx context.Context) (err error) {
	// A panic in one frame is a frame error, not a crash.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("frame panic recovered", "error", r)
			err = &compositor.FrameError{Frame: c.renderer.Frame(), Op: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	c.broker.Tick()
	stats, err := c.renderer.RenderFrame(ctx)
	c.cfg.Metrics.SetSessions(len(c.renderer.Layers()), c.broker.Connections())
	if err != nil {
		return err
	}
	c.cfg.Metrics.FramePresented(stats.Blitted, stats.Skipped, stats.FenceValue, stats.Duration)
	return nil
}

// close tears down in reverse order: sessions, layers, pending presents,
// the swap chain, then the binding.
func (c *compositorLoop) close() error {
	var result *multierror.Error
	if c.broker != nil {
		result = multierror.Append(result, c.broker.Close())
	}
	if c.renderer != nil {
		c.renderer.Close()
	}
	if c.binding != nil && c.binding.TaskPool != nil {
		result = multierror.Append(result, c.binding.TaskPool.Close())
	}
	if c.sc != nil {
		result = multierror.Append(result, c.sc.Close())
	}
	if c.binding != nil {
		result = multierror.Append(result, c.binding.Release())
	}
	return result.ErrorOrNil()
}
