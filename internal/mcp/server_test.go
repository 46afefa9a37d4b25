package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1broseidon/surfacecomposer/internal/ipc"
)

func fixedStatus(st ipc.StatusOk) (StatusFunc, *[]bool) {
	var calls []bool
	return func(_ context.Context, includeLayers bool) (*ipc.StatusOk, error) {
		calls = append(calls, includeLayers)
		out := st
		if !includeLayers {
			out.Layers = nil
		}
		return &out, nil
	}, &calls
}

var sampleStatus = ipc.StatusOk{
	MonitorID:     "EINK-0",
	Backend:       "virtual",
	Mode:          "1404x1872@60Hz",
	Frame:         42,
	FenceValue:    41,
	BackBuffer:    0,
	Connections:   2,
	UptimeSeconds: 9,
	Layers: []ipc.LayerStatus{
		{PID: 0, Name: "Surface-test", X: 0, Y: 0, W: 1404, H: 1872},
		{PID: 300, Name: "Surface-a", X: 10, Y: 10, W: 40, H: 30},
		{PID: 200, Name: "Surface-b", X: 60, Y: 40, W: 20, H: 20},
		{PID: 300, Name: "Surface-c", X: 0, Y: 0, W: 5, H: 5},
	},
}

func TestCompositorStatus(t *testing.T) {
	fn, calls := fixedStatus(sampleStatus)
	s := NewServer(ipc.DefaultEndpoint, Options{Status: fn})

	_, out, err := s.handleCompositorStatus(context.Background(), nil, CompositorStatusInput{})
	if err != nil {
		t.Fatalf("handleCompositorStatus: %v", err)
	}
	if out.MonitorID != "EINK-0" || out.Backend != "virtual" || out.Mode != "1404x1872@60Hz" {
		t.Errorf("unexpected target fields: %+v", out)
	}
	if out.Frame != 42 || out.FenceValue != 41 || out.Connections != 2 || out.UptimeSeconds != 9 {
		t.Errorf("unexpected counters: %+v", out)
	}
	if len(*calls) != 1 || (*calls)[0] {
		t.Errorf("status calls = %v, want a single call without layers", *calls)
	}
}

func TestListSurfaces(t *testing.T) {
	fn, calls := fixedStatus(sampleStatus)
	s := NewServer(ipc.DefaultEndpoint, Options{Status: fn})

	_, out, err := s.handleListSurfaces(context.Background(), nil, ListSurfacesInput{})
	if err != nil {
		t.Fatalf("handleListSurfaces: %v", err)
	}
	if out.Total != 4 || len(out.Surfaces) != 4 {
		t.Fatalf("got %d of %d surfaces, want 4 of 4", len(out.Surfaces), out.Total)
	}
	for i, s := range out.Surfaces {
		if s.Z != i {
			t.Errorf("surface %d has z %d", i, s.Z)
		}
	}
	if !out.Surfaces[0].Test || out.Surfaces[1].Test {
		t.Errorf("only the pid 0 layer should be marked as test: %+v", out.Surfaces[:2])
	}
	wantPIDs := []int32{0, 200, 300}
	if len(out.PIDs) != len(wantPIDs) {
		t.Fatalf("pids = %v, want %v", out.PIDs, wantPIDs)
	}
	for i := range wantPIDs {
		if out.PIDs[i] != wantPIDs[i] {
			t.Errorf("pids = %v, want %v", out.PIDs, wantPIDs)
			break
		}
	}
	if len(*calls) != 1 || !(*calls)[0] {
		t.Errorf("status calls = %v, want a single call with layers", *calls)
	}
}

func TestListSurfacesFilterByPID(t *testing.T) {
	fn, _ := fixedStatus(sampleStatus)
	s := NewServer(ipc.DefaultEndpoint, Options{Status: fn})

	_, out, err := s.handleListSurfaces(context.Background(), nil, ListSurfacesInput{PID: 300})
	if err != nil {
		t.Fatalf("handleListSurfaces: %v", err)
	}
	if out.Total != 4 {
		t.Errorf("total = %d, want 4", out.Total)
	}
	if len(out.Surfaces) != 2 {
		t.Fatalf("got %d surfaces, want 2", len(out.Surfaces))
	}
	if out.Surfaces[0].Name != "Surface-a" || out.Surfaces[0].Z != 1 {
		t.Errorf("first = %+v", out.Surfaces[0])
	}
	if out.Surfaces[1].Name != "Surface-c" || out.Surfaces[1].Z != 3 {
		t.Errorf("second = %+v", out.Surfaces[1])
	}
}

func TestListSurfacesEmpty(t *testing.T) {
	fn, _ := fixedStatus(ipc.StatusOk{MonitorID: "EINK-0"})
	s := NewServer(ipc.DefaultEndpoint, Options{Status: fn})

	_, out, err := s.handleListSurfaces(context.Background(), nil, ListSurfacesInput{})
	if err != nil {
		t.Fatalf("handleListSurfaces: %v", err)
	}
	if out.Surfaces == nil || out.PIDs == nil {
		t.Error("empty results must encode as arrays, not null")
	}
}

func TestStatusErrorIsReported(t *testing.T) {
	boom := errors.New("boom")
	s := NewServer(ipc.DefaultEndpoint, Options{Status: func(context.Context, bool) (*ipc.StatusOk, error) {
		return nil, boom
	}})
	if _, _, err := s.handleCompositorStatus(context.Background(), nil, CompositorStatusInput{}); !errors.Is(err, boom) {
		t.Errorf("compositor_status error = %v, want %v", err, boom)
	}
	if _, _, err := s.handleListSurfaces(context.Background(), nil, ListSurfacesInput{}); !errors.Is(err, boom) {
		t.Errorf("list_surfaces error = %v, want %v", err, boom)
	}
}

func TestBrokerUnreachable(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	s := NewServer(ipc.DefaultEndpoint, Options{Timeout: 200 * time.Millisecond})

	_, _, err := s.handleCompositorStatus(context.Background(), nil, CompositorStatusInput{})
	if !errors.Is(err, ipc.ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestToolsOverMCPSession(t *testing.T) {
	fn, _ := fixedStatus(sampleStatus)
	s := NewServer(ipc.DefaultEndpoint, Options{Status: fn})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, ct := mcpsdk.NewInMemoryTransports()
	ss, err := s.mcpServer.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer ss.Close()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	if !names["compositor_status"] || !names["list_surfaces"] || len(names) != 2 {
		t.Errorf("tools = %v", names)
	}

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "list_surfaces",
		Arguments: map[string]any{"pid": 200},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("list_surfaces failed: %+v", res.Content)
	}
	raw, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	var out ListSurfacesOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal structured content: %v", err)
	}
	if len(out.Surfaces) != 1 || out.Surfaces[0].Name != "Surface-b" {
		t.Errorf("surfaces = %+v", out.Surfaces)
	}
}
