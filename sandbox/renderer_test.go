package sandbox

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
)

func flatDepth(w, h int, v float32) *DepthFrame {
	f := NewDepthFrame(w, h)
	for i := range f.Data {
		f.Data[i] = v
	}
	return f
}

func seaLevelTransformer(w, h int) CoordinateTransformer {
	return NewCoordinateTransformer(w, h, DefaultIntrinsics(w, h)).
		WithPlane(PlaneFromPointNormal(r3.Vector{Z: 870}, r3.Vector{Z: 1}))
}

func usableTestDepth(v float32) bool {
	return v > 0 && v != 4000
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		input string
		want  color.RGBA
	}{
		{"#FF6B6B", color.RGBA{255, 107, 107, 255}},
		{"0B2E6F", color.RGBA{11, 46, 111, 255}},
		{"", color.RGBA{255, 0, 0, 255}},
		{"#FFF", color.RGBA{255, 0, 0, 255}},
		{"#GGGGGG", color.RGBA{255, 0, 0, 255}},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.input); got != tt.want {
			t.Errorf("parseHexColor(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestElevationRenderer_ColorFor(t *testing.T) {
	r := NewElevationRenderer()
	ramp := r.Ramp

	tests := []struct {
		elevation float64
		want      color.RGBA
	}{
		{-500, ramp[0].Color},
		{0, ramp[2].Color},
		{40, ramp[3].Color},
		{1000, ramp[len(ramp)-1].Color},
		{80, lerpColor(ramp[3].Color, ramp[4].Color, 0.5)},
	}
	for _, tt := range tests {
		if got := r.colorFor(tt.elevation); got != tt.want {
			t.Errorf("colorFor(%v) = %v, want %v", tt.elevation, got, tt.want)
		}
	}

	empty := &ElevationRenderer{Invalid: color.RGBA{1, 2, 3, 255}}
	if got := empty.colorFor(10); got != empty.Invalid {
		t.Errorf("empty ramp should fall back to Invalid, got %v", got)
	}
}

func TestLerpColor(t *testing.T) {
	a := color.RGBA{0, 100, 200, 255}
	b := color.RGBA{100, 200, 0, 255}
	if got := lerpColor(a, b, 0); got != a {
		t.Errorf("f=0 gave %v", got)
	}
	if got := lerpColor(a, b, 1); got != b {
		t.Errorf("f=1 gave %v", got)
	}
	if got := lerpColor(a, b, 0.5); got != (color.RGBA{50, 150, 100, 255}) {
		t.Errorf("f=0.5 gave %v", got)
	}
}

func TestElevationRenderer_Render(t *testing.T) {
	depth := flatDepth(40, 30, 830)
	depth.Set(20, 15, 4000)
	roi := image.Rect(5, 5, 35, 25)

	r := NewElevationRenderer()
	r.Legend = false
	img := r.Render(depth, seaLevelTransformer(40, 30), roi, usableTestDepth, "")

	if img.Bounds() != depth.Bounds() {
		t.Fatalf("bounds = %v, want %v", img.Bounds(), depth.Bounds())
	}
	// 830mm is 40mm above a sea level at 870mm: grass.
	if got := img.RGBAAt(10, 10); got != r.Ramp[3].Color {
		t.Errorf("inside ROI = %v, want %v", got, r.Ramp[3].Color)
	}
	if got := img.RGBAAt(1, 1); got != r.Invalid {
		t.Errorf("outside ROI = %v, want %v", got, r.Invalid)
	}
	if got := img.RGBAAt(20, 15); got != r.Invalid {
		t.Errorf("invalid pixel = %v, want %v", got, r.Invalid)
	}
}

func TestElevationRenderer_LegendAndStatus(t *testing.T) {
	depth := flatDepth(200, 150, 870)
	r := NewElevationRenderer()
	plain := &ElevationRenderer{Ramp: r.Ramp, Invalid: r.Invalid}

	decorated := r.Render(depth, seaLevelTransformer(200, 150), depth.Bounds(), usableTestDepth, "calibrating")
	bare := plain.Render(depth, seaLevelTransformer(200, 150), depth.Bounds(), usableTestDepth, "")

	if bytes.Equal(decorated.Pix, bare.Pix) {
		t.Error("legend and status text should change the image")
	}
	// The first legend swatch sits in the bottom-left corner.
	b := decorated.Bounds()
	y := b.Max.Y - 10 - 18*len(r.Ramp) + 18 - 4
	if got := decorated.RGBAAt(14, y); got != r.Ramp[0].Color {
		t.Errorf("legend swatch = %v, want %v", got, r.Ramp[0].Color)
	}
}

func TestSavePNG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.SetRGBA(2, 1, color.RGBA{9, 8, 7, 255})
	path := filepath.Join(t.TempDir(), "out.png")
	if err := SavePNG(path, img); err != nil {
		t.Fatalf("SavePNG() error: %v", err)
	}
	got, err := ReadColorFile(path)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	r, g, b, _ := got.At(2, 1).RGBA()
	if r>>8 != 9 || g>>8 != 8 || b>>8 != 7 {
		t.Errorf("pixel = %d,%d,%d", r>>8, g>>8, b>>8)
	}

	if err := SavePNG(filepath.Join(t.TempDir(), "missing", "out.png"), img); err == nil {
		t.Error("expected an error for a missing directory")
	}

	empty := filepath.Join(t.TempDir(), "empty.png")
	err = SavePNG(empty, image.NewRGBA(image.Rect(0, 0, 0, 0)))
	if err == nil || !strings.Contains(err.Error(), "writing "+empty) {
		t.Errorf("SavePNG(empty image) error = %v, want a write error", err)
	}

	var buf bytes.Buffer
	if err := WritePNG(&buf, img); err != nil {
		t.Fatalf("WritePNG() error: %v", err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Errorf("WritePNG output does not decode: %v", err)
	}
}
