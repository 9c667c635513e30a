package sandbox

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugDumper_DumpCalibration(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "debug")
	d := NewDebugDumper(dir)
	assert.Equal(t, dir, d.Dir())

	pairs := syntheticPairs(t, knownProjection)
	require.NoError(t, d.DumpCalibration(knownProjection, pairs))

	matrix, err := os.ReadFile(filepath.Join(dir, "projection-matrix.txt"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(matrix)), "\n"), 3)

	table, err := os.ReadFile(filepath.Join(dir, "reprojection-error.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(table)), "\n")
	assert.Len(t, lines, len(pairs)+1)
	assert.Equal(t, "mean 0.000", lines[len(lines)-1])

	info, err := os.Stat(filepath.Join(dir, "reprojection.png"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestDebugDumper_DumpPattern(t *testing.T) {
	dir := t.TempDir()
	d := NewDebugDumper(dir)
	gray := image.NewGray(image.Rect(0, 0, 40, 30))

	d.DumpPattern(3, gray, []r2.Point{{X: 10, Y: 10}, {X: 38.6, Y: 29.4}}, true)
	d.DumpPattern(4, gray, nil, false)

	img, err := ReadColorFile(filepath.Join(dir, "chessboard-03-found.png"))
	require.NoError(t, err)
	r, g, _, _ := img.At(10, 10).RGBA()
	assert.Equal(t, uint32(0xffff), r, "corners are marked red")
	assert.Zero(t, g)

	_, err = os.Stat(filepath.Join(dir, "chessboard-04-notfound.png"))
	assert.NoError(t, err)
}
