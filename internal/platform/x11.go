package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/gogpu/gputypes"

	"github.com/1broseidon/surfacecomposer/internal/x11"
)

const (
	// detachedProp lists, on the root window, the outputs detached from
	// the desktop for exclusive use by a compositor.
	detachedProp    = "_SURFACE_COMPOSER_DETACHED"
	selectionPrefix = "_SURFACE_COMPOSER_TARGET_"
)

// X11Manager drives RandR outputs of an X server. A target is detached by
// listing it in a root window property; exclusive state is ownership of a
// per-output selection; scanout paints an override-redirect window that
// covers the output.
type X11Manager struct {
	conn       *x11.Connection
	logger     *slog.Logger
	adapter    string
	surfaceDir string
}

var _ Manager = (*X11Manager)(nil)

// NewX11Manager connects to the X server named by DISPLAY.
func NewX11Manager(opts Options) (*X11Manager, error) {
	_, surfaceDir, err := resolveDirs(opts)
	if err != nil {
		return nil, err
	}
	conn, err := x11.NewConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X11: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &X11Manager{
		conn:       conn,
		logger:     logger,
		adapter:    os.Getenv("DISPLAY"),
		surfaceDir: surfaceDir,
	}, nil
}

func (m *X11Manager) Name() string { return BackendX11 }

func preferredSize(out x11.Output) (int, int) {
	if out.Preferred > 0 && len(out.Modes) > 0 {
		return out.Modes[0].Width, out.Modes[0].Height
	}
	return out.Width, out.Height
}

func (m *X11Manager) output(id string) (x11.Output, int, error) {
	outputs, err := m.conn.GetOutputs()
	if err != nil {
		return x11.Output{}, 0, err
	}
	for i, out := range outputs {
		if out.Name == id && out.Connected {
			return out, i, nil
		}
	}
	return x11.Output{}, 0, fmt.Errorf("output %q not connected", id)
}

// Targets lists connected outputs.
func (m *X11Manager) Targets(ctx context.Context) ([]Target, error) {
	outputs, err := m.conn.GetOutputs()
	if err != nil {
		return nil, err
	}
	detached, err := m.conn.RootStrings(detachedProp)
	if err != nil {
		return nil, err
	}
	var targets []Target
	for i, out := range outputs {
		if !out.Connected {
			continue
		}
		w, h := preferredSize(out)
		targets = append(targets, Target{
			ID:          out.Name,
			AdapterID:   m.adapter,
			Index:       i,
			Width:       w,
			Height:      h,
			Format:      gputypes.TextureFormatBGRA8Unorm,
			Specialized: slices.Contains(detached, out.Name),
		})
	}
	return targets, nil
}

// Specialize adds the output to the detached list.
func (m *X11Manager) Specialize(ctx context.Context, target Target) error {
	detached, err := m.conn.RootStrings(detachedProp)
	if err != nil {
		return err
	}
	if slices.Contains(detached, target.ID) {
		return nil
	}
	if err := m.conn.SetRootStrings(detachedProp, append(detached, target.ID)); err != nil {
		var denied xproto.AccessError
		if errors.As(err, &denied) {
			return fmt.Errorf("%s: %w", target.ID, ErrAccessDenied)
		}
		return err
	}
	return nil
}

// AcquireState takes the output's selection.
func (m *X11Manager) AcquireState(ctx context.Context, target Target) (State, error) {
	out, _, err := m.output(target.ID)
	if err != nil {
		return nil, err
	}
	owner, err := m.conn.CreateOwnerWindow()
	if err != nil {
		return nil, fmt.Errorf("failed to create selection owner: %w", err)
	}
	if err := m.conn.AcquireSelection(selectionPrefix+target.ID, owner); err != nil {
		m.conn.DestroyWindow(owner)
		if errors.Is(err, x11.ErrSelectionOwned) {
			return nil, fmt.Errorf("%s: %w", target.ID, ErrTargetBusy)
		}
		return nil, err
	}
	return &x11State{m: m, target: target, output: out, owner: owner}, nil
}

// OpenDevice opens the display device.
func (m *X11Manager) OpenDevice(target Target) (Device, error) {
	return newSharedDevice(m.surfaceDir, m.logger, m.newSource)
}

func (m *X11Manager) newSource(path Path) (Source, error) {
	out, _, err := m.output(path.Target.ID)
	if err != nil {
		return nil, err
	}
	if path.Mode.RefreshMHz <= 0 {
		return nil, fmt.Errorf("mode %s has no refresh rate", path.Mode)
	}
	wid, err := m.conn.CreateScanoutWindow(out.X, out.Y, path.Mode.Width, path.Mode.Height)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanout window: %w", err)
	}
	painter, err := m.conn.NewPainter(wid, path.Mode.Width, path.Mode.Height)
	if err != nil {
		m.conn.DestroyWindow(wid)
		return nil, fmt.Errorf("failed to create painter: %w", err)
	}
	return &x11Source{
		conn:    m.conn,
		wid:     wid,
		painter: painter,
		ticker:  time.NewTicker(time.Duration(float64(time.Second) / path.Mode.RefreshHz())),
		done:    make(chan struct{}),
	}, nil
}

func (m *X11Manager) Close() error {
	m.conn.Close()
	return nil
}

type x11State struct {
	m         *X11Manager
	target    Target
	output    x11.Output
	owner     xproto.Window
	crtc      randr.Crtc
	connected bool
	cfg       PathConfig
	mode      *Mode
	applied   bool
}

func (s *x11State) ConnectPath(cfg PathConfig) error {
	crtc, err := s.m.conn.FreeCrtc(s.output.ID)
	if err != nil {
		return err
	}
	s.crtc = crtc
	s.cfg = cfg
	s.connected = true
	return nil
}

func (s *x11State) PreferredModes() ([]Mode, error) {
	if !s.connected {
		return nil, ErrNoPath
	}
	w, h := preferredSize(s.output)
	var modes []Mode
	for _, mi := range s.output.Modes {
		if mi.Width != w || mi.Height != h || mi.Interlaced != s.cfg.Interlaced {
			continue
		}
		modes = append(modes, Mode{
			Width:      mi.Width,
			Height:     mi.Height,
			RefreshMHz: mi.RefreshMHz,
			Interlaced: mi.Interlaced,
			Token:      uint64(mi.ID),
		})
	}
	return modes, nil
}

func (s *x11State) SetMode(m Mode) error {
	if !s.connected {
		return ErrNoPath
	}
	s.mode = &m
	s.applied = false
	return nil
}

func (s *x11State) Apply() error {
	if !s.connected {
		return ErrNoPath
	}
	if s.mode == nil {
		return fmt.Errorf("%w: no mode set", ErrApply)
	}
	if err := s.m.conn.SetCrtcConfig(s.crtc, s.output.ID, s.output.X, s.output.Y, randr.Mode(s.mode.Token)); err != nil {
		return fmt.Errorf("%w: %v", ErrApply, err)
	}
	s.applied = true
	return nil
}

func (s *x11State) CurrentPath() (Path, error) {
	if !s.connected {
		return Path{}, ErrNoPath
	}
	out, _, err := s.m.output(s.target.ID)
	if err != nil {
		return Path{}, err
	}
	s.output = out
	p := Path{Target: s.target, Config: s.cfg, Applied: s.applied}
	for _, mi := range out.Modes {
		if mi.ID == out.Mode {
			p.Mode = Mode{
				Width:      mi.Width,
				Height:     mi.Height,
				RefreshMHz: mi.RefreshMHz,
				Interlaced: mi.Interlaced,
				Token:      uint64(mi.ID),
			}
		}
	}
	if p.Applied && p.Mode.Width == 0 {
		return Path{}, fmt.Errorf("%s has no active mode after apply", s.target.ID)
	}
	return p, nil
}

func (s *x11State) Release() error {
	err := s.m.conn.ReleaseSelection(selectionPrefix+s.target.ID, s.owner)
	s.m.conn.DestroyWindow(s.owner)
	return err
}

type x11Source struct {
	conn    *x11.Connection
	wid     xproto.Window
	painter *x11.Painter
	ticker  *time.Ticker
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *x11Source) Scan(primary *Primary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("x11 source closed")
	}
	desc := primary.Texture.Desc()
	s.painter.Paint(primary.Texture.Pixels(), primary.Texture.Stride(), int(desc.Width), int(desc.Height))
	return nil
}

// WaitForVBlank paces presents at the mode's refresh rate; the X server
// exposes no vblank event to core clients.
func (s *x11Source) WaitForVBlank(ctx context.Context) error {
	select {
	case <-s.ticker.C:
		return nil
	case <-s.done:
		return errors.New("x11 source closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *x11Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ticker.Stop()
	close(s.done)
	s.painter.Destroy()
	s.conn.DestroyWindow(s.wid)
	return nil
}
