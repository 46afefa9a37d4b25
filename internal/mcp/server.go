// Package mcp exposes read-only compositor inspection over the Model
// Context Protocol.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1broseidon/surfacecomposer/internal/ipc"
)

const (
	ServerName    = "surfacecomposer"
	ServerVersion = "0.1.0"
)

// StatusFunc fetches the compositor status.
type StatusFunc func(ctx context.Context, includeLayers bool) (*ipc.StatusOk, error)

// Options configure a Server.
type Options struct {
	Logger *slog.Logger
	// Status overrides how status is fetched. Defaults to a short-lived
	// broker session on the server's endpoint.
	Status StatusFunc
	// Timeout bounds each broker session.
	Timeout time.Duration
}

// Server is the MCP server for compositor inspection.
type Server struct {
	mcpServer *mcpsdk.Server
	endpoint  string
	logger    *slog.Logger
	status    StatusFunc
	timeout   time.Duration
}

// NewServer creates a server that queries the broker at endpoint.
func NewServer(endpoint string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = ipc.DefaultHandshakeTimeout
	}
	s := &Server{
		endpoint: endpoint,
		logger:   opts.Logger,
		status:   opts.Status,
		timeout:  opts.Timeout,
	}
	if s.status == nil {
		s.status = s.queryBroker
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    ServerName,
			Version: ServerVersion,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport, blocking until done.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "compositor_status",
		Description: "Report the bound display target, its backend and mode, the frame and fence counters, and the number of client sessions.",
	}, s.handleCompositorStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_surfaces",
		Description: "List the composited surfaces in draw order with their owning pid, shared texture name and target rectangle. Optionally filter by pid.",
	}, s.handleListSurfaces)
}

// queryBroker opens a session, asks for status and closes the session.
func (s *Server) queryBroker(ctx context.Context, includeLayers bool) (*ipc.StatusOk, error) {
	c, err := ipc.Connect(ctx, s.endpoint, ipc.ClientOptions{
		Logger:           s.logger,
		HandshakeTimeout: s.timeout,
		RequestTimeout:   s.timeout,
	})
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Status(includeLayers)
}

// CompositorStatusInput is the input for the compositor_status tool.
type CompositorStatusInput struct{}

// CompositorStatusOutput is the output for the compositor_status tool.
type CompositorStatusOutput struct {
	MonitorID     string `json:"monitor_id"`
	Backend       string `json:"backend"`
	Mode          string `json:"mode"`
	Frame         uint64 `json:"frame"`
	FenceValue    uint64 `json:"fence_value"`
	BackBuffer    int    `json:"back_buffer"`
	Connections   int    `json:"connections"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleCompositorStatus(ctx context.Context, _ *mcpsdk.CallToolRequest, _ CompositorStatusInput) (*mcpsdk.CallToolResult, CompositorStatusOutput, error) {
	st, err := s.status(ctx, false)
	if err != nil {
		return nil, CompositorStatusOutput{}, fmt.Errorf("compositor unavailable: %w", err)
	}
	s.logger.Debug("compositor_status", "monitor", st.MonitorID, "frame", st.Frame)
	return nil, CompositorStatusOutput{
		MonitorID:     st.MonitorID,
		Backend:       st.Backend,
		Mode:          st.Mode,
		Frame:         st.Frame,
		FenceValue:    st.FenceValue,
		BackBuffer:    st.BackBuffer,
		Connections:   st.Connections,
		UptimeSeconds: st.UptimeSeconds,
	}, nil
}

// ListSurfacesInput is the input for the list_surfaces tool.
type ListSurfacesInput struct {
	PID int32 `json:"pid,omitempty" jsonschema:"Only list surfaces owned by this process id (default: all)"`
}

// SurfaceInfo describes one composited surface.
type SurfaceInfo struct {
	Z    int    `json:"z"`
	PID  int32  `json:"pid"`
	Name string `json:"name"`
	X    int32  `json:"x"`
	Y    int32  `json:"y"`
	W    int32  `json:"w"`
	H    int32  `json:"h"`
	Test bool   `json:"test,omitempty"`
}

// ListSurfacesOutput is the output for the list_surfaces tool.
type ListSurfacesOutput struct {
	Surfaces []SurfaceInfo `json:"surfaces"`
	Total    int           `json:"total"`
	PIDs     []int32       `json:"pids"`
}

func (s *Server) handleListSurfaces(ctx context.Context, _ *mcpsdk.CallToolRequest, args ListSurfacesInput) (*mcpsdk.CallToolResult, ListSurfacesOutput, error) {
	st, err := s.status(ctx, true)
	if err != nil {
		return nil, ListSurfacesOutput{}, fmt.Errorf("compositor unavailable: %w", err)
	}
	out := ListSurfacesOutput{
		Surfaces: make([]SurfaceInfo, 0, len(st.Layers)),
		Total:    len(st.Layers),
		PIDs:     []int32{},
	}
	seen := make(map[int32]bool)
	for z, l := range st.Layers {
		if !seen[l.PID] {
			seen[l.PID] = true
			out.PIDs = append(out.PIDs, l.PID)
		}
		if args.PID != 0 && l.PID != args.PID {
			continue
		}
		out.Surfaces = append(out.Surfaces, SurfaceInfo{
			Z:    z,
			PID:  l.PID,
			Name: l.Name,
			X:    l.X,
			Y:    l.Y,
			W:    l.W,
			H:    l.H,
			// The built-in test layer belongs to the compositor itself.
			Test: l.PID == 0,
		})
	}
	sort.Slice(out.PIDs, func(i, j int) bool { return out.PIDs[i] < out.PIDs[j] })
	s.logger.Debug("list_surfaces", "total", out.Total, "returned", len(out.Surfaces))
	return nil, out, nil
}
