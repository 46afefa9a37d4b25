package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantOK   bool
		wantCode int
		want     options
	}{
		{"monitor only", []string{"--monitor-id", "EINK-0"}, true, 0, options{monitorID: "EINK-0"}},
		{"all flags", []string{"--monitor-id=EINK-0", "--test-background", "--test-layer"}, true, 0,
			options{monitorID: "EINK-0", testBackground: true, testLayer: true}},
		{"bool value false", []string{"--monitor-id", "EINK-0", "--test-background", "false"}, true, 0,
			options{monitorID: "EINK-0"}},
		{"bool value true", []string{"--monitor-id", "EINK-0", "--test-layer", "true"}, true, 0,
			options{monitorID: "EINK-0", testLayer: true}},
		{"bool value both", []string{"--test-background", "true", "--test-layer", "false", "--monitor-id", "EINK-0"}, true, 0,
			options{monitorID: "EINK-0", testBackground: true}},
		{"bool equals false", []string{"--monitor-id", "EINK-0", "--test-background=false", "--test-layer=false"}, true, 0,
			options{monitorID: "EINK-0"}},
		{"bare flag before monitor", []string{"--test-layer", "--monitor-id", "EINK-0"}, true, 0,
			options{monitorID: "EINK-0", testLayer: true}},
		{"bool invalid value", []string{"--monitor-id", "EINK-0", "--test-layer", "maybe"}, false, 2, options{}},
		{"missing monitor", []string{"--test-layer"}, false, 2, options{}},
		{"unknown flag", []string{"--monitor-id", "EINK-0", "--fullscreen"}, false, 2, options{}},
		{"positional argument", []string{"--monitor-id", "EINK-0", "extra"}, false, 2, options{}},
		{"help", []string{"--help"}, false, 0, options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			got, code, ok := parseFlags(tt.args, &stderr)
			if ok != tt.wantOK || code != tt.wantCode {
				t.Fatalf("parseFlags(%v) = ok %v code %d, want ok %v code %d (stderr %q)",
					tt.args, ok, code, tt.wantOK, tt.wantCode, stderr.String())
			}
			if ok && got != tt.want {
				t.Errorf("parseFlags(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestRunRejectsUnknownOption(t *testing.T) {
	var stderr bytes.Buffer
	if code := run([]string{"--monitor-id", "EINK-0", "--bogus"}, &stderr); code != 2 {
		t.Fatalf("run = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "bogus") {
		t.Errorf("stderr does not name the flag: %q", stderr.String())
	}
}
