package runtimepath

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Dir returns the runtime directory used for compositor sockets, shared
// surfaces and target locks. Priority:
// 1) XDG_RUNTIME_DIR (if set)
// 2) /run/user/<uid> (if present)
// 3) <tmp>/surfacecomposer-runtime-<uid> (created)
func Dir() (string, error) {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return runtimeDir, nil
	}

	uid := os.Getuid()
	runUserDir := fmt.Sprintf("/run/user/%d", uid)
	if info, err := os.Stat(runUserDir); err == nil && info.IsDir() {
		return runUserDir, nil
	}

	tmpDir := filepath.Join(os.TempDir(), fmt.Sprintf("surfacecomposer-runtime-%d", uid))
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create runtime dir: %w", err)
	}
	return tmpDir, nil
}

// stateDir returns (and creates) a subdirectory of the compositor state root.
func stateDir(parts ...string) (string, error) {
	runtimeDir, err := Dir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(append([]string{runtimeDir, "surfacecomposer"}, parts...)...)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// RendezvousPath returns the socket path of a named broker endpoint.
func RendezvousPath(name string) (string, error) {
	runtimeDir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(runtimeDir, name+".sock"), nil
}

// ClientEndpointPath returns the socket path of the private endpoint a
// client with the given pid listens on for broker replies.
func ClientEndpointPath(pid int) (string, error) {
	dir, err := stateDir("pid")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, strconv.Itoa(pid)+".sock"), nil
}

// SurfaceDir returns the directory that backs shared textures and fences.
func SurfaceDir() (string, error) {
	return stateDir("surfaces")
}

// TargetDir returns the directory holding display target locks and
// special-purpose markers.
func TargetDir() (string, error) {
	return stateDir("targets")
}
