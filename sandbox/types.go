package sandbox

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// RawDepthFrame is one frame of sensor depth samples in millimeters.
// A sample of 0 means the sensor had no reading for that pixel.
type RawDepthFrame struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Data   []uint16 `json:"-"`
}

// NewRawDepthFrame allocates a zeroed frame.
func NewRawDepthFrame(width, height int) *RawDepthFrame {
	return &RawDepthFrame{Width: width, Height: height, Data: make([]uint16, width*height)}
}

// At returns the sample at (x, y).
func (f *RawDepthFrame) At(x, y int) uint16 {
	return f.Data[y*f.Width+x]
}

// Set writes the sample at (x, y).
func (f *RawDepthFrame) Set(x, y int, v uint16) {
	f.Data[y*f.Width+x] = v
}

// Fill sets every sample to v.
func (f *RawDepthFrame) Fill(v uint16) {
	for i := range f.Data {
		f.Data[i] = v
	}
}

// DepthFrame is a stabilized height field, one float per sensor pixel.
type DepthFrame struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Data   []float32 `json:"-"`
}

// NewDepthFrame allocates a zeroed frame.
func NewDepthFrame(width, height int) *DepthFrame {
	return &DepthFrame{Width: width, Height: height, Data: make([]float32, width*height)}
}

// At returns the value at (x, y).
func (f *DepthFrame) At(x, y int) float32 {
	return f.Data[y*f.Width+x]
}

// Set writes the value at (x, y).
func (f *DepthFrame) Set(x, y int, v float32) {
	f.Data[y*f.Width+x] = v
}

// Clone returns a deep copy of the frame.
func (f *DepthFrame) Clone() *DepthFrame {
	if f == nil {
		return nil
	}
	c := &DepthFrame{Width: f.Width, Height: f.Height, Data: make([]float32, len(f.Data))}
	copy(c.Data, f.Data)
	return c
}

// Bounds returns the frame rectangle.
func (f *DepthFrame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// GradientField is a coarse grid of surface slopes. Cell (i, j) covers
// sensor pixels [i*Resolution, (i+1)*Resolution) x [j*Resolution, (j+1)*Resolution).
type GradientField struct {
	Cols       int        `json:"cols"`
	Rows       int        `json:"rows"`
	Resolution int        `json:"resolution"`
	Vectors    []r2.Point `json:"vectors"`
}

// NewGradientField allocates a zeroed field covering a width x height frame.
func NewGradientField(width, height, resolution int) *GradientField {
	if resolution < 1 {
		resolution = 1
	}
	cols, rows := width/resolution, height/resolution
	return &GradientField{Cols: cols, Rows: rows, Resolution: resolution, Vectors: make([]r2.Point, cols*rows)}
}

// At returns the vector of cell (i, j).
func (g *GradientField) At(i, j int) r2.Point {
	return g.Vectors[j*g.Cols+i]
}

// Clone returns a deep copy of the field.
func (g *GradientField) Clone() *GradientField {
	if g == nil {
		return nil
	}
	c := *g
	c.Vectors = make([]r2.Point, len(g.Vectors))
	copy(c.Vectors, g.Vectors)
	return &c
}

// Plane is ax+by+cz+d=0 in world space with (a,b,c) a unit normal.
// The zero Plane means "no plane" (a failed fit).
type Plane struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
	D float64 `json:"d"`
}

// PlaneFromPointNormal builds the plane through p with normal n.
// A zero normal yields the zero Plane.
func PlaneFromPointNormal(p, n r3.Vector) Plane {
	norm := n.Norm()
	if norm == 0 {
		return Plane{}
	}
	n = n.Mul(1 / norm)
	return Plane{A: n.X, B: n.Y, C: n.Z, D: -n.Dot(p)}
}

// IsZero reports whether the plane is the failed-fit sentinel.
func (p Plane) IsZero() bool {
	return p.A == 0 && p.B == 0 && p.C == 0 && p.D == 0
}

// Normal returns (a, b, c).
func (p Plane) Normal() r3.Vector {
	return r3.Vector{X: p.A, Y: p.B, Z: p.C}
}

// Eval returns ax+by+cz+d, the signed distance of v along the normal.
func (p Plane) Eval(v r3.Vector) float64 {
	return p.A*v.X + p.B*v.Y + p.C*v.Z + p.D
}

// ProjectionMatrix maps homogeneous world points to homogeneous projector
// pixels. The bottom-right element is fixed to 1 by the solver.
type ProjectionMatrix [3][4]float64

// IsZero reports whether the matrix has never been computed.
func (m ProjectionMatrix) IsZero() bool {
	return m == ProjectionMatrix{}
}

// Project maps a world point to projector pixels. It returns false when the
// homogeneous divisor is exactly zero.
func (m ProjectionMatrix) Project(p r3.Vector) (r2.Point, bool) {
	var h [3]float64
	for r := 0; r < 3; r++ {
		h[r] = m[r][0]*p.X + m[r][1]*p.Y + m[r][2]*p.Z + m[r][3]
	}
	if h[2] == 0 {
		return r2.Point{}, false
	}
	return r2.Point{X: h[0] / h[2], Y: h[1] / h[2]}, true
}

// PointPair is one calibration correspondence.
type PointPair struct {
	World     r3.Vector `json:"world"`
	Projector r2.Point  `json:"projector"`
}

// ClampROI intersects r with the width x height frame.
func ClampROI(r image.Rectangle, width, height int) image.Rectangle {
	return r.Canon().Intersect(image.Rect(0, 0, width, height))
}

// ScaleROI shrinks (or grows) r about its center by factor s.
func ScaleROI(r image.Rectangle, s float64) image.Rectangle {
	cx := float64(r.Min.X+r.Max.X) / 2
	cy := float64(r.Min.Y+r.Max.Y) / 2
	hw := float64(r.Dx()) * s / 2
	hh := float64(r.Dy()) * s / 2
	return image.Rect(
		int(math.Round(cx-hw)), int(math.Round(cy-hh)),
		int(math.Round(cx+hw)), int(math.Round(cy+hh)),
	)
}
