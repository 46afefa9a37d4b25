//go:build windows

package ipc

import (
	"context"
	"net"
	"strconv"

	"github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\surfacecomposer-`

// endpointPath maps an endpoint onto a named pipe.
func endpointPath(endpoint string) (string, error) {
	name, pid, err := endpointName(endpoint)
	if err != nil {
		return "", err
	}
	if pid != 0 {
		return pipePrefix + "pid-" + strconv.Itoa(pid), nil
	}
	return pipePrefix + name, nil
}

// Listen listens on endpoint. The pipe is restricted to the current user.
func Listen(endpoint string) (net.Listener, error) {
	path, err := endpointPath(endpoint)
	if err != nil {
		return nil, err
	}
	return winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;OW)",
	})
}

// Dial connects to endpoint.
func Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	path, err := endpointPath(endpoint)
	if err != nil {
		return nil, err
	}
	return winio.DialPipeContext(ctx, path)
}
