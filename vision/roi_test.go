package vision

import (
	"image"
	"testing"

	"github.com/kwv/sandmesh/sandbox"
	"github.com/stretchr/testify/assert"
)

func fillRect(img *image.Gray, r image.Rectangle, v uint8) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Pix[img.PixOffset(x, y)] = v
		}
	}
}

func TestDetectRegion_RaisedRectangle(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 160))
	box := image.Rect(50, 40, 150, 120)
	fillRect(img, box, 200)

	got := NewROIDetector().DetectRegion(img, image.Pt(100, 80), sandbox.PolarityAbove)
	assert.Equal(t, box, got)
}

func TestDetectRegion_DarkRegion(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 160))
	fillRect(img, img.Bounds(), 220)
	box := image.Rect(30, 20, 170, 140)
	fillRect(img, box, 40)

	got := NewROIDetector().DetectRegion(img, image.Pt(100, 80), sandbox.PolarityBelow)
	assert.Equal(t, box, got)
}

func TestDetectRegion_KeepsLargestStableContour(t *testing.T) {
	// A bright plateau with a brighter bump around the center: the
	// plateau outline survives more levels and is larger, so it wins.
	img := image.NewGray(image.Rect(0, 0, 240, 200))
	outer := image.Rect(40, 30, 200, 170)
	inner := image.Rect(100, 80, 140, 120)
	fillRect(img, outer, 120)
	fillRect(img, inner, 240)

	got := NewROIDetector().DetectRegion(img, image.Pt(120, 100), sandbox.PolarityAbove)
	assert.Equal(t, outer, got)
}

func TestDetectRegion_NothingAroundCenter(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 160))
	fillRect(img, image.Rect(10, 10, 40, 40), 200)

	got := NewROIDetector().DetectRegion(img, image.Pt(100, 80), sandbox.PolarityAbove)
	assert.True(t, got.Empty())
}

func TestDetectRegion_IgnoresBorderContours(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 160))
	fillRect(img, img.Bounds(), 200)

	got := NewROIDetector().DetectRegion(img, image.Pt(100, 80), sandbox.PolarityAbove)
	assert.True(t, got.Empty())
}

func TestContourRing_ClosesAndSimplifies(t *testing.T) {
	points := []image.Point{{0, 0}, {5, 0}, {10, 0}, {10, 10}, {0, 10}}
	ring := contourRing(points, 0.5)

	assert.True(t, ring.Closed())
	assert.Len(t, ring, 5, "collinear midpoint should be dropped")
}

func TestTouchesBorder(t *testing.T) {
	assert.True(t, touchesBorder([]image.Point{{0, 5}}, 10, 10))
	assert.True(t, touchesBorder([]image.Point{{5, 9}}, 10, 10))
	assert.False(t, touchesBorder([]image.Point{{1, 1}, {8, 8}}, 10, 10))
}
