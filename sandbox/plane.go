package sandbox

import (
	"image"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// degenerateRatio is the smallest ratio between the middle and largest
// principal variances for a point set to span a plane.
const degenerateRatio = 1e-9

// FitPlane returns the least-squares plane (orthogonal distance) through
// points. Empty, coincident or collinear input yields the zero Plane.
// The normal is oriented with C >= 0 (pointing away from the sensor).
func FitPlane(points []r3.Vector) Plane {
	if len(points) < 3 {
		return Plane{}
	}
	c := Centroid(points)

	var xx, xy, xz, yy, yz, zz float64
	for _, p := range points {
		d := p.Sub(c)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})

	var es mat.EigenSym
	if ok := es.Factorize(cov, true); !ok {
		return Plane{}
	}
	// Ascending order: values[0] is the normal direction.
	values := es.Values(nil)
	if values[2] <= 0 || values[1] <= degenerateRatio*values[2] {
		return Plane{}
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if n.Z < 0 {
		n = n.Mul(-1)
	}
	return PlaneFromPointNormal(c, n)
}

// Centroid returns the mean of points, or the zero vector for no points.
func Centroid(points []r3.Vector) r3.Vector {
	var sum r3.Vector
	if len(points) == 0 {
		return sum
	}
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

// worldPointsIn back-projects every pixel of region that carries a usable
// depth value.
func worldPointsIn(t CoordinateTransformer, depth *DepthFrame, region image.Rectangle, usable func(float32) bool) []r3.Vector {
	region = region.Intersect(depth.Bounds())
	points := make([]r3.Vector, 0, region.Dx()*region.Dy())
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			v := depth.At(x, y)
			if !usable(v) {
				continue
			}
			points = append(points, t.PixelToWorld(float64(x), float64(y), float64(v)))
		}
	}
	return points
}
