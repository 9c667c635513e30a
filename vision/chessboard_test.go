package vision

import (
	"image"
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/kwv/sandmesh/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drawBoard renders a squaresX x squaresY chessboard of square size sq
// whose top-left square starts at origin, with one square of white margin.
func drawBoard(w, h int, origin image.Point, sq, squaresX, squaresY int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	fillRect(img, img.Bounds(), 90)
	margin := image.Rect(origin.X-sq, origin.Y-sq, origin.X+(squaresX+1)*sq, origin.Y+(squaresY+1)*sq)
	fillRect(img, margin, 255)
	for j := 0; j < squaresY; j++ {
		for i := 0; i < squaresX; i++ {
			if (i+j)%2 == 0 {
				x, y := origin.X+i*sq, origin.Y+j*sq
				fillRect(img, image.Rect(x, y, x+sq, y+sq), 0)
			}
		}
	}
	return img
}

func matchesInAnyOrder(t *testing.T, want, got []r2.Point, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	forward, backward := true, true
	for i := range want {
		if got[i].Sub(want[i]).Norm() > tol {
			forward = false
		}
		if got[len(got)-1-i].Sub(want[i]).Norm() > tol {
			backward = false
		}
	}
	assert.True(t, forward || backward, "corners %v do not match %v", got, want)
}

func TestFindChessboard_SyntheticBoard(t *testing.T) {
	const sq = 30
	origin := image.Pt(120, 90)
	img := drawBoard(400, 320, origin, sq, 5, 4)

	// Sub-pixel corners sit on the pixel edge between squares.
	want := sandbox.ChessboardCorners(
		r2.Point{X: float64(origin.X) + 2.5*sq - 0.5, Y: float64(origin.Y) + 2*sq - 0.5},
		5*sq, 5, 4)

	d := NewChessboardDetector(false, "")
	got, found := d.FindChessboard(img, image.Rect(60, 40, 340, 280), image.Pt(4, 3))
	require.True(t, found)
	matchesInAnyOrder(t, want, got, 1.5)
}

func TestFindChessboard_ContrastStretch(t *testing.T) {
	const sq = 30
	origin := image.Pt(120, 90)
	img := drawBoard(400, 320, origin, sq, 5, 4)
	// Squash the board into a narrow band of gray levels.
	for i, v := range img.Pix {
		img.Pix[i] = 100 + v/16
	}

	d := NewChessboardDetector(true, "")
	got, found := d.FindChessboard(img, image.Rect(60, 40, 340, 280), image.Pt(4, 3))
	require.True(t, found)
	assert.Len(t, got, 12)
}

func TestFindChessboard_NotFound(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 160))
	fillRect(img, img.Bounds(), 128)

	dir := t.TempDir()
	d := NewChessboardDetector(false, dir)
	got, found := d.FindChessboard(img, image.Rect(20, 20, 180, 140), image.Pt(4, 3))
	assert.False(t, found)
	assert.Nil(t, got)

	matches, err := filepath.Glob(filepath.Join(dir, "search-*-notfound.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFindChessboard_ROIOutsideImageFallsBackToFullFrame(t *testing.T) {
	const sq = 30
	origin := image.Pt(120, 90)
	img := drawBoard(400, 320, origin, sq, 5, 4)

	d := NewChessboardDetector(false, "")
	got, found := d.FindChessboard(img, image.Rect(1000, 1000, 1100, 1100), image.Pt(4, 3))
	require.True(t, found)
	for _, p := range got {
		assert.False(t, math.IsNaN(p.X) || math.IsNaN(p.Y))
		assert.True(t, p.X > float64(origin.X) && p.X < float64(origin.X+5*sq))
	}
}
