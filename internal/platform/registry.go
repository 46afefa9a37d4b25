package platform

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// Backend names.
const (
	BackendAuto    = "auto"
	BackendX11     = "x11"
	BackendVirtual = "virtual"
)

// Options configure a Manager.
type Options struct {
	Logger *slog.Logger
	// SurfaceDir holds primary surfaces and fences.
	SurfaceDir string
	// TargetDir holds target locks and markers.
	TargetDir string
	Virtual   VirtualOptions
}

// Factory opens a display manager.
type Factory func(opts Options) (Manager, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register registers a backend factory. Registering an existing name
// replaces it.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// Available returns the registered backend names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the named backend. BackendAuto picks x11 when DISPLAY is set
// and the virtual backend otherwise.
func Open(name string, opts Options) (Manager, error) {
	if name == "" || name == BackendAuto {
		name = BackendVirtual
		if os.Getenv("DISPLAY") != "" {
			name = BackendX11
		}
	}
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown display backend %q (available: %v)", name, Available())
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return f(opts)
}

func init() {
	Register(BackendVirtual, func(opts Options) (Manager, error) { return NewVirtualManager(opts) })
	Register(BackendX11, func(opts Options) (Manager, error) { return NewX11Manager(opts) })
}
