package compositor

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/draw"

	"github.com/1broseidon/surfacecomposer/internal/gpu"
)

// TestBackgroundColor is the animated diagnostic clear color of a frame:
// one of red, green or blue, switching every 30 frames, with intensity
// |sin(frame/30 * pi)|.
func TestBackgroundColor(frame uint64) gpu.Color {
	c := float32(math.Abs(math.Sin(float64(frame) / 30 * math.Pi)))
	out := gpu.Color{A: 1}
	switch (frame / 30) % 3 {
	case 0:
		out.R = c
	case 1:
		out.G = c
	case 2:
		out.B = c
	}
	return out
}

// LoadTestImage decodes the PNG at path. When path is empty or cannot be
// decoded it returns a generated pattern of color bars over a checker
// board.
func LoadTestImage(path string) image.Image {
	if path != "" {
		if f, err := os.Open(path); err == nil {
			defer f.Close()
			if img, err := png.Decode(f); err == nil {
				return img
			}
		}
	}
	return generatedTestImage(640, 480)
}

var testBars = []color.RGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
}

func generatedTestImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	barH := h * 2 / 3
	barW := (w + len(testBars) - 1) / len(testBars)
	for i, c := range testBars {
		r := image.Rect(i*barW, 0, (i+1)*barW, barH)
		draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
	}
	const cell = 20
	for y := barH; y < h; y += cell {
		for x := 0; x < w; x += cell {
			c := color.RGBA{16, 16, 16, 255}
			if (x/cell+y/cell)%2 == 0 {
				c = color.RGBA{235, 235, 235, 255}
			}
			draw.Draw(img, image.Rect(x, y, x+cell, y+cell), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
	return img
}
