package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/image/draw"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
	"github.com/1broseidon/surfacecomposer/internal/ipc"
)

type demoFlags struct {
	rect      []int
	moveTo    []int
	moveAfter time.Duration
	color     string
	image     string
	duration  time.Duration
}

func runDemo(args []string) int {
	var common commonFlags
	var d demoFlags
	fs := pflag.NewFlagSet("demo", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common.register(fs, false)
	fs.IntSliceVar(&d.rect, "rect", []int{0, 0, 200, 150}, "Surface rectangle x,y,w,h")
	fs.IntSliceVar(&d.moveTo, "move-to", nil, "Move the surface to x,y,w,h after --move-after")
	fs.DurationVar(&d.moveAfter, "move-after", 2*time.Second, "Delay before --move-to")
	fs.StringVar(&d.color, "color", "#ff0000", "Fill color as #rrggbb")
	fs.StringVar(&d.image, "image", "", "PNG to scale into the surface instead of --color")
	fs.DurationVar(&d.duration, "duration", 0, "Exit after this long (default: until interrupted)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: surfacectl demo [--rect x,y,w,h] [--color #rrggbb | --image file.png] [--move-to x,y,w,h]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Create a surface, paint it and hold it until interrupted.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args, "demo"); !ok {
		return code
	}

	rect, err := parseRect(d.rect)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--rect: %v\n", err)
		return 2
	}
	var moveTo *[4]int32
	if len(d.moveTo) > 0 {
		r, err := parseRect(d.moveTo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--move-to: %v\n", err)
			return 2
		}
		moveTo = &r
	}
	var fill image.Image
	if d.image != "" {
		if fill, err = loadPNG(d.image); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	} else {
		c, err := parseColor(d.color)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--color: %v\n", err)
			return 2
		}
		fill = image.NewUniform(c)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.duration)
		defer cancel()
	}

	if err := demo(ctx, &common, rect, moveTo, d.moveAfter, fill); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func demo(ctx context.Context, common *commonFlags, rect [4]int32, moveTo *[4]int32, moveAfter time.Duration, fill image.Image) error {
	c, err := common.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	dev, err := gpu.NewDevice(gpu.Options{})
	if err != nil {
		return err
	}
	defer dev.Close()

	s, err := c.CreateSurface(rect[0], rect[1], rect[2], rect[3])
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Printf("surface %s at %d,%d %dx%d\n", s.Name, s.X, s.Y, s.W, s.H)
	if _, err := s.Open(dev); err != nil {
		return err
	}
	if err := paint(s, fill); err != nil {
		return err
	}

	var moveC <-chan time.Time
	if moveTo != nil {
		t := time.NewTimer(moveAfter)
		defer t.Stop()
		moveC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-moveC:
			moveC = nil
			if err := s.Move(moveTo[0], moveTo[1], moveTo[2], moveTo[3]); err != nil {
				return err
			}
			fmt.Printf("moved to %d,%d %dx%d\n", s.X, s.Y, s.W, s.H)
		}
	}
}

// paint scales fill to the surface size and writes it under the keyed
// mutex.
func paint(s *ipc.Surface, fill image.Image) error {
	return s.Update(ipc.DefaultWriteTimeout, func(tex *gpu.Texture) error {
		dst := image.NewRGBA(tex.Bounds())
		if u, ok := fill.(*image.Uniform); ok {
			draw.Draw(dst, dst.Bounds(), u, image.Point{}, draw.Src)
		} else {
			draw.CatmullRom.Scale(dst, dst.Bounds(), fill, fill.Bounds(), draw.Src, nil)
		}
		return tex.WriteImage(dst, image.Point{})
	})
}

func parseRect(v []int) ([4]int32, error) {
	var r [4]int32
	if len(v) != 4 {
		return r, fmt.Errorf("want x,y,w,h, got %d values", len(v))
	}
	for i, n := range v {
		r[i] = int32(n)
	}
	if r[2] <= 0 || r[3] <= 0 {
		return r, fmt.Errorf("width and height must be positive")
	}
	return r, nil
}

func parseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(s, "#")
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("want #rrggbb, got %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("want #rrggbb, got %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

func loadPNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}
