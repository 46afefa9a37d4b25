package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1broseidon/surfacecomposer/internal/compositor"
	"github.com/1broseidon/surfacecomposer/internal/gpu"
	"github.com/1broseidon/surfacecomposer/internal/platform"
)

var errVBlankLost = errors.New("vblank lost")

// faultyManager wraps the virtual backend with scripted failures.
type faultyManager struct {
	*platform.VirtualManager
	denySpecialize bool
	// vblankFault, if set, is consulted after the n-th vblank (1-based).
	vblankFault func(n int64) error
	vblanks     atomic.Int64
}

func (m *faultyManager) Specialize(ctx context.Context, target platform.Target) error {
	if m.denySpecialize {
		return fmt.Errorf("%s: %w", target.ID, platform.ErrAccessDenied)
	}
	return m.VirtualManager.Specialize(ctx, target)
}

func (m *faultyManager) OpenDevice(target platform.Target) (platform.Device, error) {
	dev, err := m.VirtualManager.OpenDevice(target)
	if err != nil {
		return nil, err
	}
	return &faultyDevice{Device: dev, m: m}, nil
}

type faultyDevice struct {
	platform.Device
	m *faultyManager
}

func (d *faultyDevice) CreateSource(path platform.Path) (platform.Source, error) {
	src, err := d.Device.CreateSource(path)
	if err != nil {
		return nil, err
	}
	return &faultySource{Source: src, m: d.m}, nil
}

type faultySource struct {
	platform.Source
	m *faultyManager
}

func (s *faultySource) WaitForVBlank(ctx context.Context) error {
	if err := s.Source.WaitForVBlank(ctx); err != nil {
		return err
	}
	n := s.m.vblanks.Add(1)
	if s.m.vblankFault != nil {
		return s.m.vblankFault(n)
	}
	return nil
}

func runFaulty(t *testing.T, m *faultyManager, surfaceDir string, mutate func(*Config)) (context.CancelFunc, chan error) {
	t.Helper()
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	cfg := Config{
		MonitorID: monitorID,
		Manager:   m,
		GPU:       gpu.Options{Dir: surfaceDir},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Run(ctx, cfg) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func waitRun(t *testing.T, errc chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

// requireReleased checks that no process state is held on the target.
func requireReleased(t *testing.T, mgr platform.Manager) {
	t.Helper()
	targets, err := mgr.Targets(context.Background())
	require.NoError(t, err)
	st, err := mgr.AcquireState(context.Background(), targets[0])
	require.NoError(t, err)
	require.NoError(t, st.Release())
}

func TestConsecutiveFrameErrorsAreFatal(t *testing.T) {
	surfaceDir := t.TempDir()
	m := &faultyManager{VirtualManager: newTestManager(t, surfaceDir)}
	m.vblankFault = func(n int64) error {
		if n > 3 {
			return errVBlankLost
		}
		return nil
	}
	_, errc := runFaulty(t, m, surfaceDir, nil)

	err := waitRun(t, errc)
	require.Error(t, err)
	require.ErrorIs(t, err, errVBlankLost)
	var fe *compositor.FrameError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "present", fe.Op)
	require.Contains(t, err.Error(), "2 consecutive frame errors")
	// Two failed frames after three good ones.
	require.EqualValues(t, 5, m.vblanks.Load())
	requireReleased(t, m)
}

func TestSingleFrameErrorResetsCount(t *testing.T) {
	surfaceDir := t.TempDir()
	m := &faultyManager{VirtualManager: newTestManager(t, surfaceDir)}
	m.vblankFault = func(n int64) error {
		if n%2 == 0 {
			return errVBlankLost
		}
		return nil
	}
	cancel, errc := runFaulty(t, m, surfaceDir, nil)

	require.Eventually(t, func() bool { return m.vblanks.Load() >= 20 }, 5*time.Second, time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("alternating frame errors stopped the daemon: %v", err)
	default:
	}
	cancel()
	require.NoError(t, waitRun(t, errc))
	requireReleased(t, m)
}

func TestFrameErrorThresholdIsConfigurable(t *testing.T) {
	surfaceDir := t.TempDir()
	m := &faultyManager{VirtualManager: newTestManager(t, surfaceDir)}
	m.vblankFault = func(n int64) error {
		if n == 3 || n == 4 {
			return errVBlankLost
		}
		return nil
	}
	cancel, errc := runFaulty(t, m, surfaceDir, func(cfg *Config) {
		cfg.MaxConsecutiveFrameErrors = 3
	})

	require.Eventually(t, func() bool { return m.vblanks.Load() >= 10 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errc))
}

func TestAccessDeniedBindIsFatal(t *testing.T) {
	surfaceDir := t.TempDir()
	m := &faultyManager{VirtualManager: newTestManager(t, surfaceDir), denySpecialize: true}
	_, errc := runFaulty(t, m, surfaceDir, func(cfg *Config) {
		cfg.Ready = func() { t.Error("daemon became ready without a binding") }
	})

	err := waitRun(t, errc)
	require.ErrorIs(t, err, compositor.ErrAccessDenied)
	require.True(t, compositor.IsBindError(err))
	require.Zero(t, m.vblanks.Load())

	targets, err := m.Targets(context.Background())
	require.NoError(t, err)
	require.False(t, targets[0].Specialized)
	requireReleased(t, m)
}
