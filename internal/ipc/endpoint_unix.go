//go:build !windows

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"github.com/1broseidon/surfacecomposer/internal/runtimepath"
)

// endpointPath maps an endpoint onto a unix socket under the runtime dir.
func endpointPath(endpoint string) (string, error) {
	name, pid, err := endpointName(endpoint)
	if err != nil {
		return "", err
	}
	if pid != 0 {
		return runtimepath.ClientEndpointPath(pid)
	}
	return runtimepath.RendezvousPath(name)
}

// Listen listens on endpoint, replacing a stale socket left by a previous
// process.
func Listen(endpoint string) (net.Listener, error) {
	path, err := endpointPath(endpoint)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return l, nil
}

// Dial connects to endpoint.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	path, err := endpointPath(endpoint)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
