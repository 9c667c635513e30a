package sandbox

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Intrinsics is the pinhole model of the depth sensor.
type Intrinsics struct {
	Fx float64 `yaml:"fx" json:"fx"`
	Fy float64 `yaml:"fy" json:"fy"`
	Cx float64 `yaml:"cx" json:"cx"`
	Cy float64 `yaml:"cy" json:"cy"`
}

// DefaultIntrinsics returns a typical structured-light sensor model for a
// width x height depth image.
func DefaultIntrinsics(width, height int) Intrinsics {
	f := 575.8157 * float64(width) / 640
	return Intrinsics{
		Fx: f,
		Fy: f,
		Cx: float64(width)/2 - 0.5,
		Cy: float64(height)/2 - 0.5,
	}
}

// CoordinateTransformer converts between sensor pixels, world millimeters
// and projector pixels. It is a value: the calibration engine publishes a
// new one whenever the plane or projection changes.
type CoordinateTransformer struct {
	Intrinsics Intrinsics       `json:"intrinsics"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Plane      Plane            `json:"plane"`
	Projection ProjectionMatrix `json:"projection"`
}

// NewCoordinateTransformer returns a transformer with no plane or projection.
func NewCoordinateTransformer(width, height int, intr Intrinsics) CoordinateTransformer {
	return CoordinateTransformer{Intrinsics: intr, Width: width, Height: height}
}

// WithPlane returns a copy using plane p.
func (t CoordinateTransformer) WithPlane(p Plane) CoordinateTransformer {
	t.Plane = p
	return t
}

// WithProjection returns a copy using projection m.
func (t CoordinateTransformer) WithProjection(m ProjectionMatrix) CoordinateTransformer {
	t.Projection = m
	return t
}

// clampPixel keeps (x, y) inside the sensor frame.
func (t CoordinateTransformer) clampPixel(x, y int) (int, int) {
	if x < 0 {
		x = 0
	}
	if x >= t.Width {
		x = t.Width - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= t.Height {
		y = t.Height - 1
	}
	return x, y
}

// PixelToWorld back-projects pixel (x, y) at depth z.
func (t CoordinateTransformer) PixelToWorld(x, y, z float64) r3.Vector {
	return r3.Vector{
		X: (x - t.Intrinsics.Cx) * z / t.Intrinsics.Fx,
		Y: (y - t.Intrinsics.Cy) * z / t.Intrinsics.Fy,
		Z: z,
	}
}

// SensorToWorld reads the depth at (x, y) and returns the world point.
// Out-of-range pixels are clamped to the frame.
func (t CoordinateTransformer) SensorToWorld(depth *DepthFrame, x, y int) r3.Vector {
	x, y = t.clampPixel(x, y)
	return t.PixelToWorld(float64(x), float64(y), float64(depth.At(x, y)))
}

// WorldToProjector maps a world point to a projector pixel. It returns false
// when the homogeneous divisor is zero.
func (t CoordinateTransformer) WorldToProjector(p r3.Vector) (r2.Point, bool) {
	return t.Projection.Project(p)
}

// ProjectorAndWorldZToWorld finds the world point at height z that projects
// to projector pixel (px, py). It returns the zero vector and false when the
// system is singular.
func (t CoordinateTransformer) ProjectorAndWorldZToWorld(px, py, z float64) (r3.Vector, bool) {
	m := t.Projection
	a := m[0][0] - px*m[2][0]
	b := m[0][1] - px*m[2][1]
	c := px*(m[2][2]*z+m[2][3]) - (m[0][2]*z + m[0][3])
	d := m[1][0] - py*m[2][0]
	e := m[1][1] - py*m[2][1]
	f := py*(m[2][2]*z+m[2][3]) - (m[1][2]*z + m[1][3])

	det := a*e - b*d
	if det == 0 {
		return r3.Vector{}, false
	}
	return r3.Vector{
		X: (c*e - b*f) / det,
		Y: (a*f - c*d) / det,
		Z: z,
	}, true
}

// Elevation returns the height of world point p above the reference plane.
func (t CoordinateTransformer) Elevation(p r3.Vector) float64 {
	return -t.Plane.Eval(p)
}

// ElevationAt returns the height above the reference plane of the
// stabilized surface at sensor pixel (x, y).
func (t CoordinateTransformer) ElevationAt(depth *DepthFrame, x, y int) float64 {
	return t.Elevation(t.SensorToWorld(depth, x, y))
}

// RotateX rotates v about the X axis by deg degrees.
func RotateX(v r3.Vector, deg float64) r3.Vector {
	s, c := math.Sincos(deg * math.Pi / 180)
	return r3.Vector{X: v.X, Y: c*v.Y - s*v.Z, Z: s*v.Y + c*v.Z}
}

// RotateY rotates v about the Y axis by deg degrees.
func RotateY(v r3.Vector, deg float64) r3.Vector {
	s, c := math.Sincos(deg * math.Pi / 180)
	return r3.Vector{X: c*v.X + s*v.Z, Y: v.Y, Z: -s*v.X + c*v.Z}
}
