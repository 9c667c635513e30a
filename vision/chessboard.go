package vision

import (
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/golang/geo/r2"
	"github.com/kwv/sandmesh/sandbox"
	"gocv.io/x/gocv"
)

var _ sandbox.PatternDetector = (*ChessboardDetector)(nil)

// ChessboardDetector finds projected chessboards in the denoised gray
// color image.
type ChessboardDetector struct {
	// ContrastStretch rescales the image so the ROI spans 0..255 before
	// the search.
	ContrastStretch bool
	// DebugDir, when set, receives annotated images of every search.
	DebugDir string

	searches atomic.Uint64
}

// NewChessboardDetector returns a detector.
func NewChessboardDetector(contrastStretch bool, debugDir string) *ChessboardDetector {
	return &ChessboardDetector{ContrastStretch: contrastStretch, DebugDir: debugDir}
}

// FindChessboard implements sandbox.PatternDetector. The search runs on the
// roi sub-image, plain first and then with adaptive thresholding; corners
// are refined on the full image and returned in image coordinates.
func (d *ChessboardDetector) FindChessboard(img *image.Gray, roi image.Rectangle, inner image.Point) ([]r2.Point, bool) {
	full, err := grayToMat(img)
	if err != nil {
		log.Printf("[AUTO-CAL] %v", err)
		return nil, false
	}
	defer full.Close()

	roi = roi.Intersect(image.Rect(0, 0, full.Cols(), full.Rows()))
	if roi.Empty() {
		roi = image.Rect(0, 0, full.Cols(), full.Rows())
	}
	if d.ContrastStretch {
		stretchContrast(&full, roi)
	}

	region := full.Region(roi)
	defer region.Close()

	corners := gocv.NewMat()
	defer corners.Close()

	found := gocv.FindChessboardCorners(region, inner, &corners, 0)
	if !found {
		found = gocv.FindChessboardCorners(region, inner, &corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBFastCheck)
	}
	n := corners.Rows()
	if !found || n != inner.X*inner.Y {
		d.dump(full, inner, corners, false)
		return nil, false
	}

	for i := 0; i < n; i++ {
		corners.SetFloatAt(i, 0, corners.GetFloatAt(i, 0)+float32(roi.Min.X))
		corners.SetFloatAt(i, 1, corners.GetFloatAt(i, 1)+float32(roi.Min.Y))
	}
	criteria := gocv.NewTermCriteria(gocv.EPS+gocv.Count, 30, 0.1)
	gocv.CornerSubPix(full, &corners, image.Pt(2, 2), image.Pt(-1, -1), criteria)

	points := make([]r2.Point, n)
	for i := range points {
		points[i] = r2.Point{X: float64(corners.GetFloatAt(i, 0)), Y: float64(corners.GetFloatAt(i, 1))}
	}
	d.dump(full, inner, corners, true)
	return points, true
}

// stretchContrast maps the value range found inside roi to 0..255 over
// the whole image.
func stretchContrast(m *gocv.Mat, roi image.Rectangle) {
	region := m.Region(roi)
	lo, hi, _, _ := gocv.MinMaxLoc(region)
	region.Close()
	if hi <= lo {
		return
	}
	alpha := 255 / float64(hi-lo)
	gocv.ConvertScaleAbs(*m, m, alpha, -float64(lo)*alpha)
}

func (d *ChessboardDetector) dump(full gocv.Mat, inner image.Point, corners gocv.Mat, found bool) {
	if d.DebugDir == "" {
		return
	}
	if err := os.MkdirAll(d.DebugDir, 0755); err != nil {
		log.Printf("[DEBUG] Failed to create %s: %v", d.DebugDir, err)
		return
	}
	color := gocv.NewMat()
	defer color.Close()
	gocv.CvtColor(full, &color, gocv.ColorGrayToBGR)
	if found {
		gocv.DrawChessboardCorners(&color, inner, corners, true)
	}

	state := "notfound"
	if found {
		state = "found"
	}
	n := d.searches.Add(1)
	path := filepath.Join(d.DebugDir, fmt.Sprintf("search-%04d-%s.png", n, state))
	if !gocv.IMWrite(path, color) {
		log.Printf("[DEBUG] Failed to write %s", path)
	}
}
