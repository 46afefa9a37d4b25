package runtimepath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir_UsesXDGRuntimeDirWhenSet(t *testing.T) {
	td := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", td)

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir() error: %v", err)
	}
	if got != td {
		t.Fatalf("Dir() = %q, want %q", got, td)
	}
}

func TestDir_FallbacksWhenXDGRuntimeDirMissing(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir() error: %v", err)
	}
	if got == "" {
		t.Fatal("Dir() returned empty path")
	}

	wantRun := fmt.Sprintf("/run/user/%d", os.Getuid())
	wantTmp := filepath.Join(os.TempDir(), fmt.Sprintf("surfacecomposer-runtime-%d", os.Getuid()))
	if got != wantRun && got != wantTmp {
		t.Fatalf("Dir() = %q, want %q or %q", got, wantRun, wantTmp)
	}
}

func TestEndpointPaths(t *testing.T) {
	td := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", td)

	rv, err := RendezvousPath("surface-composer")
	if err != nil {
		t.Fatalf("RendezvousPath() error: %v", err)
	}
	if rv != filepath.Join(td, "surface-composer.sock") {
		t.Fatalf("RendezvousPath() = %q", rv)
	}

	cp, err := ClientEndpointPath(4242)
	if err != nil {
		t.Fatalf("ClientEndpointPath() error: %v", err)
	}
	if !strings.HasSuffix(cp, filepath.Join("pid", "4242.sock")) {
		t.Fatalf("ClientEndpointPath() = %q, missing suffix", cp)
	}
	if info, err := os.Stat(filepath.Dir(cp)); err != nil || !info.IsDir() {
		t.Fatalf("client endpoint dir not created: %v", err)
	}
}

func TestStateDirsAreCreated(t *testing.T) {
	td := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", td)

	for name, fn := range map[string]func() (string, error){
		"surfaces": SurfaceDir,
		"targets":  TargetDir,
	} {
		dir, err := fn()
		if err != nil {
			t.Fatalf("%s dir error: %v", name, err)
		}
		if filepath.Base(dir) != name {
			t.Fatalf("%s dir = %q", name, dir)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("%s dir not created: %v", name, err)
		}
	}
}
