// Package platform abstracts the display subsystem the compositor presents
// through: enumerating display targets, detaching one from the desktop,
// taking exclusive ownership of it, applying a mode, and scanning out
// primary surfaces on vblank.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
)

var (
	// ErrTargetBusy is returned when another process holds the target.
	ErrTargetBusy = errors.New("display target is busy")
	// ErrAccessDenied is returned when the target cannot be detached.
	ErrAccessDenied = errors.New("access to display target denied")
	// ErrNoPath is returned by State methods called before ConnectPath.
	ErrNoPath = errors.New("no path connected")
	// ErrApply is returned when a mode could not be applied.
	ErrApply = errors.New("failed to apply display path")
)

// Target identifies a physical panel.
type Target struct {
	// ID is the stable monitor id.
	ID string
	// AdapterID names the adapter (display server or virtual bus).
	AdapterID string
	// Index is the adapter-relative target id.
	Index       int
	Width       int // preferred resolution
	Height      int
	Format      gputypes.TextureFormat
	Specialized bool
}

// Scaling selects how a source is mapped onto a target.
type Scaling int

const (
	ScalingIdentity Scaling = iota
	ScalingStretch
)

// Mode is one display mode of a target.
type Mode struct {
	Width      int
	Height     int
	RefreshMHz int
	Interlaced bool
	// Token is backend private.
	Token uint64
}

// RefreshHz returns the vertical refresh rate in hertz.
func (m Mode) RefreshHz() float64 {
	return float64(m.RefreshMHz) / 1000
}

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%.2fHz", m.Width, m.Height, m.RefreshHz())
}

// PathConfig holds the path settings applied before a mode is chosen.
type PathConfig struct {
	Interlaced bool
	Scaling    Scaling
	Format     gputypes.TextureFormat
}

// Path is a source-to-target connection.
type Path struct {
	Target  Target
	Mode    Mode
	Config  PathConfig
	Applied bool
}

// Manager enumerates and controls display targets.
type Manager interface {
	Name() string
	Targets(ctx context.Context) ([]Target, error)
	// Specialize detaches target from the desktop. The state is visible to
	// other processes and survives the compositor.
	Specialize(ctx context.Context, target Target) error
	// AcquireState takes exclusive, empty state on target.
	AcquireState(ctx context.Context, target Target) (State, error)
	// OpenDevice creates the display device of the target's adapter.
	OpenDevice(target Target) (Device, error)
	Close() error
}

// State is exclusive ownership of one target.
type State interface {
	ConnectPath(cfg PathConfig) error
	// PreferredModes lists the non-interlaced modes of the target's
	// preferred resolution.
	PreferredModes() ([]Mode, error)
	SetMode(m Mode) error
	Apply() error
	// CurrentPath re-reads the applied path.
	CurrentPath() (Path, error)
	Release() error
}

// Primary is a scanout-capable surface owned by the display device.
type Primary struct {
	Texture *gpu.Texture
	// Handle opens the surface on another device.
	Handle gpu.SharedHandle
}

// Device is the display-side device.
type Device interface {
	CreatePrimary(width, height int, format gputypes.TextureFormat) (*Primary, error)
	OpenFence(h gpu.SharedHandle) (*gpu.Fence, error)
	CreateSource(path Path) (Source, error)
	CreateTaskPool() (TaskPool, error)
	Close() error
}

// Source is a scanout source bound to a target.
type Source interface {
	// Scan drives the target's pixels from primary.
	Scan(primary *Primary) error
	WaitForVBlank(ctx context.Context) error
	Close() error
}

// Scanout binds a primary surface to a source.
type Scanout struct {
	Source       Source
	Primary      *Primary
	Subresource  uint32
	SyncInterval uint32
}

// NewScanout creates a simple scanout of subresource 0.
func NewScanout(src Source, primary *Primary, subresource, syncInterval uint32) (*Scanout, error) {
	if src == nil || primary == nil {
		return nil, fmt.Errorf("scanout requires a source and a primary")
	}
	if subresource != 0 {
		return nil, fmt.Errorf("scanout subresource %d unsupported", subresource)
	}
	if syncInterval == 0 {
		return nil, fmt.Errorf("scanout sync interval must be at least 1")
	}
	return &Scanout{Source: src, Primary: primary, Subresource: subresource, SyncInterval: syncInterval}, nil
}

// PresentTask scans out a surface once its fence reaches Value.
type PresentTask struct {
	Scanout *Scanout
	Fence   *gpu.Fence
	Value   uint64
}

// TaskPool executes present tasks asynchronously, in submission order.
type TaskPool interface {
	Submit(task PresentTask) error
	Close() error
}
