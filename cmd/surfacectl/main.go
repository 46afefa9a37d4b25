// Command surfacectl inspects a running compositor and drives demo
// clients against it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/1broseidon/surfacecomposer/internal/config"
	"github.com/1broseidon/surfacecomposer/internal/ipc"
	"github.com/1broseidon/surfacecomposer/internal/tui"
)

func main() {
	if len(os.Args) < 2 {
		printMainUsage(os.Stdout)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "status":
		os.Exit(runStatus(os.Args[2:]))
	case "surfaces":
		os.Exit(runSurfaces(os.Args[2:]))
	case "demo":
		os.Exit(runDemo(os.Args[2:]))
	case "watch":
		os.Exit(runWatch(os.Args[2:]))
	case "mcp":
		os.Exit(runMCP(os.Args[2:]))
	case "help", "-h", "--help":
		printMainUsage(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printMainUsage(os.Stderr)
		os.Exit(2)
	}
}

func printMainUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: surfacectl <command> [options]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  status      Show compositor status")
	fmt.Fprintln(w, "  surfaces    List composited surfaces")
	fmt.Fprintln(w, "  demo        Create a surface and paint it")
	fmt.Fprintln(w, "  watch       Live view of the compositor")
	fmt.Fprintln(w, "  mcp serve   Start MCP server (stdio transport)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'surfacectl <command> --help' for command-specific options.")
}

// commonFlags are shared by every command that talks to the broker.
type commonFlags struct {
	endpoint string
	timeout  time.Duration
	json     bool
}

func (c *commonFlags) register(fs *pflag.FlagSet, withJSON bool) {
	fs.StringVar(&c.endpoint, "endpoint", "", "Broker endpoint (default: from config)")
	fs.DurationVar(&c.timeout, "timeout", ipc.DefaultHandshakeTimeout, "Handshake and request timeout")
	if withJSON {
		fs.BoolVar(&c.json, "json", false, "Print JSON (default when stdout is not a terminal)")
	}
}

// resolveEndpoint returns the --endpoint value or the configured one.
func (c *commonFlags) resolveEndpoint() (string, error) {
	if c.endpoint != "" {
		return c.endpoint, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return cfg.Endpoint, nil
}

func (c *commonFlags) connect(ctx context.Context) (*ipc.Client, error) {
	endpoint, err := c.resolveEndpoint()
	if err != nil {
		return nil, err
	}
	return ipc.Connect(ctx, endpoint, ipc.ClientOptions{
		HandshakeTimeout: c.timeout,
		RequestTimeout:   c.timeout,
	})
}

// wantJSON reports whether output should be JSON: when asked for, or when
// stdout is not a terminal.
func (c *commonFlags) wantJSON() bool {
	return c.json || !term.IsTerminal(int(os.Stdout.Fd()))
}

func parseFlags(fs *pflag.FlagSet, args []string, name string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "%s takes no arguments\n", name)
		fs.Usage()
		return 2, false
	}
	return 0, true
}

func queryStatus(common *commonFlags, includeLayers bool) (*ipc.StatusOk, error) {
	c, err := common.connect(context.Background())
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Status(includeLayers)
}

func runStatus(args []string) int {
	var common commonFlags
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common.register(fs, true)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: surfacectl status [--endpoint E] [--json]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Show compositor status via IPC.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args, "status"); !ok {
		return code
	}

	st, err := queryStatus(&common, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if common.wantJSON() {
		return printJSON(os.Stdout, st)
	}
	printStatus(os.Stdout, st)
	return 0
}

func printStatus(w io.Writer, st *ipc.StatusOk) {
	fmt.Fprintf(w, "monitor_id:     %s\n", st.MonitorID)
	fmt.Fprintf(w, "backend:        %s\n", st.Backend)
	fmt.Fprintf(w, "mode:           %s\n", st.Mode)
	fmt.Fprintf(w, "frame:          %d\n", st.Frame)
	fmt.Fprintf(w, "fence_value:    %d\n", st.FenceValue)
	fmt.Fprintf(w, "back_buffer:    %d\n", st.BackBuffer)
	fmt.Fprintf(w, "connections:    %d\n", st.Connections)
	fmt.Fprintf(w, "uptime_seconds: %d\n", st.UptimeSeconds)
}

func runSurfaces(args []string) int {
	var common commonFlags
	fs := pflag.NewFlagSet("surfaces", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common.register(fs, true)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: surfacectl surfaces [--endpoint E] [--json]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "List composited surfaces in draw order.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args, "surfaces"); !ok {
		return code
	}

	st, err := queryStatus(&common, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	layers := st.Layers
	if layers == nil {
		layers = []ipc.LayerStatus{}
	}
	if common.wantJSON() {
		return printJSON(os.Stdout, layers)
	}
	printSurfaces(os.Stdout, layers)
	return 0
}

func printSurfaces(w io.Writer, layers []ipc.LayerStatus) {
	if len(layers) == 0 {
		fmt.Fprintln(w, "no surfaces")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Z\tPID\tNAME\tX\tY\tW\tH")
	for z, l := range layers {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d\t%d\n", z, l.PID, l.Name, l.X, l.Y, l.W, l.H)
	}
	tw.Flush()
}

func runWatch(args []string) int {
	var common commonFlags
	var interval time.Duration
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common.register(fs, false)
	fs.DurationVar(&interval, "interval", tui.DefaultInterval, "Status poll period")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: surfacectl watch [--endpoint E] [--interval D]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Show a live view of the compositor status and surfaces.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args, "watch"); !ok {
		return code
	}
	endpoint, err := common.resolveEndpoint()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := tui.Run(ctx, tui.Options{Endpoint: endpoint, Interval: interval, Timeout: common.timeout}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func printJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
