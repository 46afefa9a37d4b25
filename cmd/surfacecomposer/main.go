// Command surfacecomposer binds one display target and composites client
// surfaces onto it until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/1broseidon/surfacecomposer/internal/config"
	"github.com/1broseidon/surfacecomposer/internal/daemon"
	"github.com/1broseidon/surfacecomposer/internal/gpu"
	"github.com/1broseidon/surfacecomposer/internal/metrics"
	"github.com/1broseidon/surfacecomposer/internal/platform"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

type options struct {
	monitorID      string
	testBackground bool
	testLayer      bool
}

// boolFlags may take their value as the next argument.
var boolFlags = map[string]bool{"--test-background": true, "--test-layer": true}

// joinBoolValues rewrites "--flag <bool>" as "--flag=<bool>" for boolFlags,
// leaving a bare flag to mean true.
func joinBoolValues(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if boolFlags[arg] && i+1 < len(args) {
			if _, err := strconv.ParseBool(args[i+1]); err == nil {
				out = append(out, arg+"="+args[i+1])
				i++
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

func parseFlags(args []string, stderr io.Writer) (options, int, bool) {
	var opts options
	fs := pflag.NewFlagSet("surfacecomposer", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.monitorID, "monitor-id", "", "ID of the display target to bind (required)")
	fs.BoolVar(&opts.testBackground, "test-background", false, "Animate the clear color instead of black")
	fs.BoolVar(&opts.testLayer, "test-layer", false, "Show a full-screen test layer")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: surfacecomposer --monitor-id <id> [--test-background [<bool>]] [--test-layer [<bool>]]")
		fmt.Fprintln(stderr, "")
		fs.PrintDefaults()
	}
	if err := fs.Parse(joinBoolValues(args)); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return opts, 0, false
		}
		return opts, 2, false
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(stderr, "unexpected argument %q\n", fs.Arg(0))
		fs.Usage()
		return opts, 2, false
	}
	if opts.monitorID == "" {
		fmt.Fprintln(stderr, "--monitor-id is required")
		fs.Usage()
		return opts, 2, false
	}
	return opts, 0, true
}

func run(args []string, stderr io.Writer) int {
	opts, code, ok := parseFlags(args, stderr)
	if !ok {
		return code
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	mgr, err := platform.Open(cfg.Backend, cfg.PlatformOptions(logger))
	if err != nil {
		logger.Error("failed to open display backend", "backend", cfg.Backend, "error", err)
		return 1
	}
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	logger.Info("starting compositor",
		"monitor", opts.monitorID,
		"backend", mgr.Name(),
		"endpoint", cfg.Endpoint,
	)
	err = daemon.Run(ctx, daemon.Config{
		MonitorID:                 opts.monitorID,
		Manager:                   mgr,
		Endpoint:                  cfg.Endpoint,
		RefreshHz:                 cfg.TargetRefreshHz,
		TestBackground:            opts.testBackground,
		TestLayer:                 opts.testLayer,
		TestLayerImage:            cfg.TestLayerImage,
		MutexTimeout:              cfg.KeyedMutexTimeout,
		HandshakeTimeout:          cfg.HandshakeTimeout,
		MaxConsecutiveFrameErrors: cfg.MaxConsecutiveFrameErrors,
		GPU:                       gpu.Options{Logger: logger},
		Metrics:                   m,
		Logger:                    logger,
	})
	if err != nil {
		logger.Error("compositor stopped", "error", err)
		return 1
	}
	logger.Info("compositor stopped")
	return 0
}
