package ipc

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	endpointScheme = "ipc://"

	// DefaultEndpoint is the broker's rendezvous endpoint.
	DefaultEndpoint = endpointScheme + "surface-composer"
)

// PIDEndpoint returns the private endpoint of the client with pid.
func PIDEndpoint(pid int32) string {
	return endpointScheme + "pid/" + strconv.Itoa(int(pid))
}

// endpointName splits an ipc:// endpoint into its rendezvous name or its
// client pid. Exactly one of the results is set.
func endpointName(endpoint string) (name string, pid int, err error) {
	rest, ok := strings.CutPrefix(endpoint, endpointScheme)
	if !ok || rest == "" {
		return "", 0, fmt.Errorf("invalid endpoint %q: want %sname or %spid/<pid>", endpoint, endpointScheme, endpointScheme)
	}
	if p, ok := strings.CutPrefix(rest, "pid/"); ok {
		pid, err := strconv.Atoi(p)
		if err != nil || pid <= 0 {
			return "", 0, fmt.Errorf("invalid endpoint %q: bad pid", endpoint)
		}
		return "", pid, nil
	}
	if strings.ContainsAny(rest, `/\`) {
		return "", 0, fmt.Errorf("invalid endpoint %q: name must not contain path separators", endpoint)
	}
	return rest, 0, nil
}
