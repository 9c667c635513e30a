package sandbox

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// DebugDumper writes calibration debug artifacts into a directory.
type DebugDumper struct {
	dir string
}

// NewDebugDumper returns a dumper writing into dir.
func NewDebugDumper(dir string) *DebugDumper {
	return &DebugDumper{dir: dir}
}

// Dir returns the output directory.
func (d *DebugDumper) Dir() string {
	return d.dir
}

func (d *DebugDumper) path(name string) (string, error) {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", fmt.Errorf("creating debug directory: %w", err)
	}
	return filepath.Join(d.dir, name), nil
}

// DumpCalibration writes the projection matrix, the per-pair reprojection
// table and a plot of measured against predicted projector points.
func (d *DebugDumper) DumpCalibration(m ProjectionMatrix, pairs []PointPair) error {
	matrixPath, err := d.path("projection-matrix.txt")
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, row := range m {
		fmt.Fprintf(&buf, "%.9g %.9g %.9g %.9g\n", row[0], row[1], row[2], row[3])
	}
	if err := os.WriteFile(matrixPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing projection matrix: %w", err)
	}

	buf.Reset()
	for _, p := range pairs {
		q, ok := m.Project(p.World)
		dist := q.Sub(p.Projector).Norm()
		if !ok {
			dist = -1
		}
		fmt.Fprintf(&buf, "%.3f %.3f %.3f %.3f %.3f %.3f %.3f %.3f\n",
			p.World.X, p.World.Y, p.World.Z, p.Projector.X, p.Projector.Y, q.X, q.Y, dist)
	}
	fmt.Fprintf(&buf, "mean %.3f\n", ReprojectionError(m, pairs))
	tablePath, err := d.path("reprojection-error.txt")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tablePath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing reprojection table: %w", err)
	}

	plotPath, err := d.path("reprojection.png")
	if err != nil {
		return err
	}
	return saveReprojectionPlot(m, pairs, plotPath)
}

func saveReprojectionPlot(m ProjectionMatrix, pairs []PointPair, file string) error {
	p := plot.New()
	p.Title.Text = "Calibration reprojection"
	p.X.Label.Text = "projector x (px)"
	p.Y.Label.Text = "projector y (px)"
	p.Add(plotter.NewGrid())

	measured := make(plotter.XYs, 0, len(pairs))
	predicted := make(plotter.XYs, 0, len(pairs))
	for _, pair := range pairs {
		measured = append(measured, plotter.XY{X: pair.Projector.X, Y: pair.Projector.Y})
		if q, ok := m.Project(pair.World); ok {
			predicted = append(predicted, plotter.XY{X: q.X, Y: q.Y})
		}
	}

	ms, err := plotter.NewScatter(measured)
	if err != nil {
		return fmt.Errorf("measured scatter: %w", err)
	}
	ms.GlyphStyle.Color = color.RGBA{R: 30, G: 120, B: 220, A: 255}
	ms.GlyphStyle.Shape = draw.CircleGlyph{}
	ms.GlyphStyle.Radius = vg.Points(3)
	p.Add(ms)
	p.Legend.Add("measured", ms)

	if len(predicted) > 0 {
		ps, err := plotter.NewScatter(predicted)
		if err != nil {
			return fmt.Errorf("predicted scatter: %w", err)
		}
		ps.GlyphStyle.Color = color.RGBA{R: 220, G: 60, B: 30, A: 255}
		ps.GlyphStyle.Shape = draw.CrossGlyph{}
		ps.GlyphStyle.Radius = vg.Points(3)
		p.Add(ps)
		p.Legend.Add("predicted", ps)
	}

	if err := p.Save(10*vg.Inch, 7.5*vg.Inch, file); err != nil {
		return fmt.Errorf("save reprojection plot: %w", err)
	}
	return nil
}

// DumpPattern writes the gray image used for chessboard search for target
// index, with any detected corners marked.
func (d *DebugDumper) DumpPattern(index int, gray *image.Gray, corners []r2.Point, found bool) {
	state := "notfound"
	if found {
		state = "found"
	}
	path, err := d.path(fmt.Sprintf("chessboard-%02d-%s.png", index, state))
	if err != nil {
		log.Printf("[DEBUG] %v", err)
		return
	}

	b := gray.Bounds()
	img := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := gray.GrayAt(x, y).Y
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	mark := color.RGBA{R: 255, A: 255}
	for _, c := range corners {
		cx, cy := int(c.X+0.5), int(c.Y+0.5)
		for k := -3; k <= 3; k++ {
			img.Set(cx+k, cy, mark)
			img.Set(cx, cy+k, mark)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		log.Printf("[DEBUG] Failed to create %s: %v", path, err)
		return
	}
	if err := png.Encode(f, img); err != nil {
		log.Printf("[DEBUG] Failed to encode %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		log.Printf("[DEBUG] Failed to close %s: %v", path, err)
	}
}
