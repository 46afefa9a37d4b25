package main

import (
	"bytes"
	"image/color"
	"strings"
	"testing"

	"github.com/1broseidon/surfacecomposer/internal/ipc"
)

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    color.RGBA
		wantErr bool
	}{
		{"#ff0000", color.RGBA{255, 0, 0, 255}, false},
		{"00ff80", color.RGBA{0, 255, 128, 255}, false},
		{"#FFFFFF", color.RGBA{255, 255, 255, 255}, false},
		{"#fff", color.RGBA{}, true},
		{"#gg0000", color.RGBA{}, true},
		{"", color.RGBA{}, true},
	}
	for _, tt := range tests {
		got, err := parseColor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseColor(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRect(t *testing.T) {
	r, err := parseRect([]int{10, -5, 40, 30})
	if err != nil {
		t.Fatalf("parseRect: %v", err)
	}
	if r != [4]int32{10, -5, 40, 30} {
		t.Errorf("parseRect = %v", r)
	}
	for _, bad := range [][]int{nil, {1, 2, 3}, {0, 0, 0, 10}, {0, 0, 10, -1}} {
		if _, err := parseRect(bad); err == nil {
			t.Errorf("parseRect(%v) succeeded", bad)
		}
	}
}

func TestPrintSurfaces(t *testing.T) {
	var buf bytes.Buffer
	printSurfaces(&buf, []ipc.LayerStatus{
		{PID: 12, Name: "Surface-a", X: 1, Y: 2, W: 3, H: 4},
		{PID: 13, Name: "Surface-b", X: 5, Y: 6, W: 7, H: 8},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "Z") || !strings.Contains(lines[0], "NAME") {
		t.Errorf("header = %q", lines[0])
	}
	if f := strings.Fields(lines[2]); len(f) != 7 || f[0] != "1" || f[2] != "Surface-b" {
		t.Errorf("row = %q", lines[2])
	}

	buf.Reset()
	printSurfaces(&buf, nil)
	if strings.TrimSpace(buf.String()) != "no surfaces" {
		t.Errorf("empty output = %q", buf.String())
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &ipc.StatusOk{MonitorID: "EINK-0", Backend: "virtual", Frame: 7, Connections: 1})
	out := buf.String()
	for _, want := range []string{"monitor_id:     EINK-0", "backend:        virtual", "frame:          7", "connections:    1"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}
