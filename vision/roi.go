// Package vision implements the OpenCV-backed collaborators of the
// calibration engine: sandbox region detection and chessboard corner
// detection.
package vision

import (
	"fmt"
	"image"
	"log"
	"math"

	"github.com/kwv/sandmesh/sandbox"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"gocv.io/x/gocv"
)

var _ sandbox.RegionDetector = (*ROIDetector)(nil)

// ROIDetector finds the sandbox by sweeping a binarization threshold.
// At each level it keeps the smallest contour around the center; over all
// levels it keeps the largest of those.
type ROIDetector struct {
	MinThreshold int
	MaxThreshold int
	Step         int
	// MinArea drops speckle contours, in square pixels.
	MinArea float64
	// Tolerance is the Douglas-Peucker tolerance applied to contours
	// before the containment test, in pixels.
	Tolerance float64
}

// NewROIDetector sweeps every level from 1 to 254.
func NewROIDetector() *ROIDetector {
	return &ROIDetector{
		MinThreshold: 1,
		MaxThreshold: 254,
		Step:         1,
		MinArea:      12,
		Tolerance:    1.5,
	}
}

type regionCandidate struct {
	area float64
	rect image.Rectangle
}

// DetectRegion implements sandbox.RegionDetector. It returns an empty
// rectangle when no contour around center was found.
func (d *ROIDetector) DetectRegion(img *image.Gray, center image.Point, polarity sandbox.Polarity) image.Rectangle {
	src, err := grayToMat(img)
	if err != nil {
		log.Printf("[ROI] %v", err)
		return image.Rectangle{}
	}
	defer src.Close()

	binary := gocv.NewMat()
	defer binary.Close()

	mode := gocv.ThresholdBinary
	if polarity == sandbox.PolarityBelow {
		mode = gocv.ThresholdBinaryInv
	}
	step := d.Step
	if step < 1 {
		step = 1
	}

	var best regionCandidate
	levels := 0
	for t := d.MinThreshold; t <= d.MaxThreshold; t += step {
		gocv.Threshold(src, &binary, float32(t), 255, mode)
		small, ok := d.smallestAround(binary, center)
		if !ok {
			continue
		}
		levels++
		if small.area > best.area {
			best = small
		}
	}
	if best.rect.Empty() {
		log.Printf("[ROI] No contour encloses %v", center)
		return image.Rectangle{}
	}
	log.Printf("[ROI] Region %v (area %.0f px) found on %d threshold levels", best.rect, best.area, levels)
	return best.rect
}

// smallestAround returns the smallest closed contour of binary that contains
// center and does not touch the image border.
func (d *ROIDetector) smallestAround(binary gocv.Mat, center image.Point) (regionCandidate, bool) {
	contours := gocv.FindContours(binary, gocv.RetrievalList, gocv.ChainApproxSimple)
	defer contours.Close()

	w, h := binary.Cols(), binary.Rows()
	pt := orb.Point{float64(center.X), float64(center.Y)}

	var small regionCandidate
	found := false
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		points := contour.ToPoints()
		if len(points) < 3 || touchesBorder(points, w, h) {
			continue
		}
		ring := contourRing(points, d.Tolerance)
		if len(ring) < 4 || !planar.RingContains(ring, pt) {
			continue
		}
		area := math.Abs(planar.Area(ring))
		if area < d.MinArea {
			continue
		}
		if !found || area < small.area {
			small = regionCandidate{area: area, rect: gocv.BoundingRect(contour)}
			found = true
		}
	}
	return small, found
}

// contourRing converts contour points to a closed, simplified ring.
func contourRing(points []image.Point, tolerance float64) orb.Ring {
	ring := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		ring = append(ring, orb.Point{float64(p.X), float64(p.Y)})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	if tolerance > 0 {
		ring = simplify.DouglasPeucker(tolerance).Ring(ring)
	}
	return ring
}

func touchesBorder(points []image.Point, w, h int) bool {
	for _, p := range points {
		if p.X <= 0 || p.Y <= 0 || p.X >= w-1 || p.Y >= h-1 {
			return true
		}
	}
	return false
}

// grayToMat copies img into a new single-channel Mat.
func grayToMat(img *image.Gray) (gocv.Mat, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return gocv.NewMat(), fmt.Errorf("empty image")
	}
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(pix[y*w:(y+1)*w], img.Pix[off:off+w])
	}
	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, pix)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("creating Mat from gray image: %w", err)
	}
	return mat, nil
}
