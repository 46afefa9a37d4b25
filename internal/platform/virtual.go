package platform

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/1broseidon/surfacecomposer/internal/runtimepath"
	"github.com/1broseidon/surfacecomposer/internal/shm"
)

// VirtualTarget declares a headless display target.
type VirtualTarget struct {
	ID           string    `yaml:"id"`
	Width        int       `yaml:"width"`
	Height       int       `yaml:"height"`
	RefreshRates []float64 `yaml:"refresh_rates"`
}

// VirtualOptions configure the virtual backend.
type VirtualOptions struct {
	Targets []VirtualTarget
	// DumpDir, when set, receives a PNG of each target's latest frame at
	// most once per dumpInterval.
	DumpDir string
	// VBlankInterval overrides the interval derived from the applied mode.
	VBlankInterval time.Duration
}

// DefaultVirtualTargets is used when no targets are configured.
func DefaultVirtualTargets() []VirtualTarget {
	return []VirtualTarget{
		{ID: "VIRTUAL-EINK-1", Width: 1920, Height: 1080, RefreshRates: []float64{30, 59.94, 60}},
	}
}

const dumpInterval = time.Second

// VirtualManager is a headless display backend. Targets are declared in
// configuration; the special-purpose bit is a marker file and exclusive
// state is a file lock, both under the target directory, so the usual
// cross-process rules apply.
type VirtualManager struct {
	logger     *slog.Logger
	opts       VirtualOptions
	targetDir  string
	surfaceDir string

	mu      sync.Mutex
	sources map[string]*VirtualSource
}

var _ Manager = (*VirtualManager)(nil)

// NewVirtualManager creates the virtual backend.
func NewVirtualManager(opts Options) (*VirtualManager, error) {
	targetDir, surfaceDir, err := resolveDirs(opts)
	if err != nil {
		return nil, err
	}
	v := opts.Virtual
	if len(v.Targets) == 0 {
		v.Targets = DefaultVirtualTargets()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &VirtualManager{
		logger:     logger,
		opts:       v,
		targetDir:  targetDir,
		surfaceDir: surfaceDir,
		sources:    make(map[string]*VirtualSource),
	}, nil
}

func resolveDirs(opts Options) (string, string, error) {
	targetDir, surfaceDir := opts.TargetDir, opts.SurfaceDir
	var err error
	if targetDir == "" {
		if targetDir, err = runtimepath.TargetDir(); err != nil {
			return "", "", err
		}
	} else if err := os.MkdirAll(targetDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create target dir: %w", err)
	}
	if surfaceDir == "" {
		if surfaceDir, err = runtimepath.SurfaceDir(); err != nil {
			return "", "", err
		}
	}
	return targetDir, surfaceDir, nil
}

func (m *VirtualManager) Name() string { return BackendVirtual }

func (m *VirtualManager) markerPath(id string) string {
	return filepath.Join(m.targetDir, id+".special")
}

// Targets lists the configured targets.
func (m *VirtualManager) Targets(ctx context.Context) ([]Target, error) {
	targets := make([]Target, 0, len(m.opts.Targets))
	for i, vt := range m.opts.Targets {
		_, err := os.Stat(m.markerPath(vt.ID))
		targets = append(targets, Target{
			ID:          vt.ID,
			AdapterID:   BackendVirtual,
			Index:       i,
			Width:       vt.Width,
			Height:      vt.Height,
			Format:      gputypes.TextureFormatBGRA8Unorm,
			Specialized: err == nil,
		})
	}
	return targets, nil
}

// Specialize writes the target's marker file.
func (m *VirtualManager) Specialize(ctx context.Context, target Target) error {
	err := os.WriteFile(m.markerPath(target.ID), []byte(strconv.Itoa(os.Getpid())), 0600)
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%s: %w", target.ID, ErrAccessDenied)
	}
	return err
}

func (m *VirtualManager) lookup(id string) (VirtualTarget, bool) {
	for _, vt := range m.opts.Targets {
		if vt.ID == id {
			return vt, true
		}
	}
	return VirtualTarget{}, false
}

// AcquireState locks the target.
func (m *VirtualManager) AcquireState(ctx context.Context, target Target) (State, error) {
	vt, ok := m.lookup(target.ID)
	if !ok {
		return nil, fmt.Errorf("unknown virtual target %q", target.ID)
	}
	lock, err := shm.AcquireLockFile(filepath.Join(m.targetDir, target.ID+".lock"))
	if errors.Is(err, shm.ErrLocked) {
		return nil, fmt.Errorf("%s: %w", target.ID, ErrTargetBusy)
	}
	if err != nil {
		return nil, err
	}
	return &virtualState{target: target, vt: vt, lock: lock}, nil
}

// OpenDevice opens the display device.
func (m *VirtualManager) OpenDevice(target Target) (Device, error) {
	return newSharedDevice(m.surfaceDir, m.logger, m.newSource)
}

func (m *VirtualManager) newSource(path Path) (Source, error) {
	interval := m.opts.VBlankInterval
	if interval <= 0 {
		if path.Mode.RefreshMHz <= 0 {
			return nil, fmt.Errorf("mode %s has no refresh rate", path.Mode)
		}
		interval = time.Duration(float64(time.Second) / path.Mode.RefreshHz())
	}
	src := &VirtualSource{
		id:      path.Target.ID,
		width:   path.Mode.Width,
		height:  path.Mode.Height,
		ticker:  time.NewTicker(interval),
		done:    make(chan struct{}),
		dumpDir: m.opts.DumpDir,
		logger:  m.logger,
		frame:   make([]byte, path.Mode.Width*path.Mode.Height*4),
		release: m.dropSource,
	}
	m.mu.Lock()
	m.sources[src.id] = src
	m.mu.Unlock()
	return src, nil
}

func (m *VirtualManager) dropSource(src *VirtualSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sources[src.id] == src {
		delete(m.sources, src.id)
	}
}

// LastFrame returns the last frame scanned out on target id and the
// number of scanouts so far.
func (m *VirtualManager) LastFrame(id string) (*image.RGBA, uint64, bool) {
	m.mu.Lock()
	src, ok := m.sources[id]
	m.mu.Unlock()
	if !ok {
		return nil, 0, false
	}
	img, n := src.Frame()
	return img, n, true
}

func (m *VirtualManager) Close() error { return nil }

type virtualState struct {
	target    Target
	vt        VirtualTarget
	lock      *shm.LockFile
	connected bool
	cfg       PathConfig
	mode      *Mode
	applied   bool
}

func (s *virtualState) ConnectPath(cfg PathConfig) error {
	s.connected = true
	s.cfg = cfg
	return nil
}

func (s *virtualState) PreferredModes() ([]Mode, error) {
	if !s.connected {
		return nil, ErrNoPath
	}
	modes := make([]Mode, 0, len(s.vt.RefreshRates))
	for i, hz := range s.vt.RefreshRates {
		modes = append(modes, Mode{
			Width:      s.vt.Width,
			Height:     s.vt.Height,
			RefreshMHz: int(math.Round(hz * 1000)),
			Token:      uint64(i),
		})
	}
	return modes, nil
}

func (s *virtualState) SetMode(m Mode) error {
	if !s.connected {
		return ErrNoPath
	}
	if m.Width != s.vt.Width || m.Height != s.vt.Height || m.Token >= uint64(len(s.vt.RefreshRates)) {
		return fmt.Errorf("mode %s not offered by %s", m, s.target.ID)
	}
	s.mode = &m
	s.applied = false
	return nil
}

func (s *virtualState) Apply() error {
	if !s.connected {
		return ErrNoPath
	}
	if s.mode == nil {
		return fmt.Errorf("%w: no mode set", ErrApply)
	}
	s.applied = true
	return nil
}

func (s *virtualState) CurrentPath() (Path, error) {
	if !s.connected {
		return Path{}, ErrNoPath
	}
	p := Path{Target: s.target, Config: s.cfg, Applied: s.applied}
	if s.mode != nil {
		p.Mode = *s.mode
	}
	return p, nil
}

func (s *virtualState) Release() error {
	return s.lock.Release()
}

// VirtualSource keeps the last scanned frame of a virtual target.
type VirtualSource struct {
	id      string
	width   int
	height  int
	ticker  *time.Ticker
	done    chan struct{}
	dumpDir string
	logger  *slog.Logger
	release func(*VirtualSource)

	mu       sync.Mutex
	frame    []byte
	frames   uint64
	lastDump time.Time
	closed   bool
}

// Scan copies primary into the frame buffer.
func (s *VirtualSource) Scan(primary *Primary) error {
	tex := primary.Texture
	desc := tex.Desc()
	if int(desc.Width) != s.width || int(desc.Height) != s.height {
		return fmt.Errorf("primary %dx%d does not match %s mode %dx%d",
			desc.Width, desc.Height, s.id, s.width, s.height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("source %s closed", s.id)
	}
	row := s.width * 4
	pix := tex.Pixels()
	for y := 0; y < s.height; y++ {
		copy(s.frame[y*row:(y+1)*row], pix[y*tex.Stride():y*tex.Stride()+row])
	}
	s.frames++

	if s.dumpDir != "" && time.Since(s.lastDump) >= dumpInterval {
		s.lastDump = time.Now()
		if err := s.dump(tex.ReadImage()); err != nil {
			s.logger.Warn("frame dump failed", "target", s.id, "error", err)
		}
	}
	return nil
}

func (s *VirtualSource) dump(img image.Image) error {
	if err := os.MkdirAll(s.dumpDir, 0755); err != nil {
		return err
	}
	tmp := filepath.Join(s.dumpDir, "."+s.id+".png.tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dumpDir, s.id+".png"))
}

// Frame returns a copy of the last scanned frame.
func (s *VirtualSource) Frame() (*image.RGBA, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for i := 0; i < len(s.frame); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = s.frame[i+2], s.frame[i+1], s.frame[i], s.frame[i+3]
	}
	return img, s.frames
}

// WaitForVBlank blocks until the next tick of the source's clock.
func (s *VirtualSource) WaitForVBlank(ctx context.Context) error {
	select {
	case <-s.ticker.C:
		return nil
	case <-s.done:
		return fmt.Errorf("source %s closed", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *VirtualSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.ticker.Stop()
	close(s.done)
	if s.release != nil {
		s.release(s)
	}
	return nil
}
