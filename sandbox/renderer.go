package sandbox

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ElevationStop is one color stop of the elevation ramp.
type ElevationStop struct {
	Elevation float64
	Color     color.RGBA
}

// DefaultElevationRamp colors water below sea level blue, then sand,
// grass, rock and snow.
func DefaultElevationRamp() []ElevationStop {
	return []ElevationStop{
		{Elevation: -100, Color: parseHexColor("#0B2E6F")}, // Deep water
		{Elevation: -10, Color: parseHexColor("#3A86D4")},  // Shallows
		{Elevation: 0, Color: parseHexColor("#E8D9A0")},    // Beach
		{Elevation: 40, Color: parseHexColor("#4CAF50")},   // Grass
		{Elevation: 120, Color: parseHexColor("#8D6E63")},  // Rock
		{Elevation: 200, Color: parseHexColor("#FFFFFF")},  // Snow
	}
}

// ElevationRenderer draws a stabilized depth frame as an elevation map.
type ElevationRenderer struct {
	Ramp   []ElevationStop
	Legend bool
	// Invalid is used for pixels without a usable depth value.
	Invalid color.RGBA
}

// NewElevationRenderer creates a renderer with the default ramp and legend.
func NewElevationRenderer() *ElevationRenderer {
	return &ElevationRenderer{
		Ramp:    DefaultElevationRamp(),
		Legend:  true,
		Invalid: color.RGBA{0, 0, 0, 255},
	}
}

// Render colors every usable pixel of depth inside roi by its elevation
// above the reference plane of t. status is written in the top-left corner
// when non-empty.
func (r *ElevationRenderer) Render(depth *DepthFrame, t CoordinateTransformer, roi image.Rectangle, usable func(float32) bool, status string) *image.RGBA {
	b := depth.Bounds()
	img := image.NewRGBA(b)
	roi = roi.Intersect(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := depth.At(x, y)
			if !image.Pt(x, y).In(roi) || !usable(v) {
				img.SetRGBA(x, y, r.Invalid)
				continue
			}
			img.SetRGBA(x, y, r.colorFor(t.ElevationAt(depth, x, y)))
		}
	}

	if r.Legend {
		r.drawLegend(img)
	}
	if status != "" {
		drawText(img, 8, 16, status, color.RGBA{255, 255, 255, 255})
	}
	return img
}

// colorFor interpolates the ramp at elevation e.
func (r *ElevationRenderer) colorFor(e float64) color.RGBA {
	ramp := r.Ramp
	if len(ramp) == 0 {
		return r.Invalid
	}
	if e <= ramp[0].Elevation {
		return ramp[0].Color
	}
	for i := 1; i < len(ramp); i++ {
		lo, hi := ramp[i-1], ramp[i]
		if e <= hi.Elevation {
			f := (e - lo.Elevation) / (hi.Elevation - lo.Elevation)
			return lerpColor(lo.Color, hi.Color, f)
		}
	}
	return ramp[len(ramp)-1].Color
}

func lerpColor(a, b color.RGBA, f float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*f + 0.5)
	}
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), 255}
}

// drawLegend draws one swatch per ramp stop along the bottom-left corner.
func (r *ElevationRenderer) drawLegend(img *image.RGBA) {
	b := img.Bounds()
	y := b.Max.Y - 10 - 18*len(r.Ramp)
	for _, stop := range r.Ramp {
		y += 18
		// Draw color swatch (12x12 square)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.SetRGBA(b.Min.X+10+dx, y+dy-10, stop.Color)
			}
		}
		drawText(img, b.Min.X+28, y, fmt.Sprintf("%+.0f mm", stop.Elevation), color.RGBA{255, 255, 255, 255})
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}

// WritePNG encodes img as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encoding PNG: %w", err)
	}
	return nil
}

// SavePNG writes img to path as PNG.
func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := WritePNG(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
