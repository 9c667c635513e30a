package sandbox

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestDefaultIntrinsics(t *testing.T) {
	in := DefaultIntrinsics(640, 480)
	if math.Abs(in.Fx-575.8157) > 1e-9 || in.Fx != in.Fy {
		t.Errorf("unexpected focal length %v/%v", in.Fx, in.Fy)
	}
	if in.Cx != 319.5 || in.Cy != 239.5 {
		t.Errorf("unexpected principal point (%v, %v)", in.Cx, in.Cy)
	}

	half := DefaultIntrinsics(320, 240)
	if math.Abs(half.Fx-in.Fx/2) > 1e-9 {
		t.Errorf("focal length should scale with width, got %v", half.Fx)
	}
}

func TestPixelToWorld(t *testing.T) {
	tr := NewCoordinateTransformer(640, 480, Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240})

	tests := []struct {
		name    string
		x, y, z float64
		want    r3.Vector
	}{
		{"principal point", 320, 240, 1000, r3.Vector{X: 0, Y: 0, Z: 1000}},
		{"right of center", 370, 240, 1000, r3.Vector{X: 100, Y: 0, Z: 1000}},
		{"below center", 320, 340, 500, r3.Vector{X: 0, Y: 100, Z: 500}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.PixelToWorld(tt.x, tt.y, tt.z)
			if got.Sub(tt.want).Norm() > 1e-9 {
				t.Errorf("PixelToWorld(%v, %v, %v) = %v, want %v", tt.x, tt.y, tt.z, got, tt.want)
			}
		})
	}
}

func TestSensorToWorld_ClampsPixels(t *testing.T) {
	tr := NewCoordinateTransformer(4, 3, Intrinsics{Fx: 1, Fy: 1, Cx: 0, Cy: 0})
	depth := NewDepthFrame(4, 3)
	depth.Set(0, 0, 10)
	depth.Set(3, 2, 20)

	if got := tr.SensorToWorld(depth, -5, -5); got != (r3.Vector{X: 0, Y: 0, Z: 10}) {
		t.Errorf("clamped top-left = %v", got)
	}
	if got := tr.SensorToWorld(depth, 99, 99); got != (r3.Vector{X: 60, Y: 40, Z: 20}) {
		t.Errorf("clamped bottom-right = %v", got)
	}
}

func TestProjectorAndWorldZToWorld_InvertsProjection(t *testing.T) {
	tr := NewCoordinateTransformer(640, 480, DefaultIntrinsics(640, 480)).WithProjection(knownProjection)

	for _, w := range []r3.Vector{
		{X: 50, Y: -30, Z: 800},
		{X: -180, Y: 120, Z: 760},
		{X: 0, Y: 0, Z: 900},
	} {
		p, ok := tr.WorldToProjector(w)
		if !ok {
			t.Fatalf("WorldToProjector(%v) failed", w)
		}
		got, ok := tr.ProjectorAndWorldZToWorld(p.X, p.Y, w.Z)
		if !ok {
			t.Fatalf("ProjectorAndWorldZToWorld(%v) reported a singular system", p)
		}
		if got.Sub(w).Norm() > 1e-6 {
			t.Errorf("round trip of %v gave %v", w, got)
		}
	}
}

func TestProjectorAndWorldZToWorld_Singular(t *testing.T) {
	tr := NewCoordinateTransformer(640, 480, DefaultIntrinsics(640, 480))
	got, ok := tr.ProjectorAndWorldZToWorld(100, 100, 800)
	if ok {
		t.Error("zero projection should be singular")
	}
	if got != (r3.Vector{}) {
		t.Errorf("singular result should be the zero vector, got %v", got)
	}
}

func TestElevation(t *testing.T) {
	base := PlaneFromPointNormal(r3.Vector{Z: 1000}, r3.Vector{Z: 1})
	tr := NewCoordinateTransformer(4, 4, Intrinsics{Fx: 500, Fy: 500, Cx: 2, Cy: 2}).WithPlane(base)

	if e := tr.Elevation(r3.Vector{Z: 900}); math.Abs(e-100) > 1e-9 {
		t.Errorf("point 100mm nearer the sensor should be 100 high, got %v", e)
	}
	if e := tr.Elevation(r3.Vector{X: 40, Y: -40, Z: 1050}); math.Abs(e+50) > 1e-9 {
		t.Errorf("point below the plane should be negative, got %v", e)
	}

	depth := NewDepthFrame(4, 4)
	depth.Set(2, 2, 950)
	if e := tr.ElevationAt(depth, 2, 2); math.Abs(e-50) > 1e-9 {
		t.Errorf("ElevationAt = %v, want 50", e)
	}
}

func TestWithPlaneAndProjectionReturnCopies(t *testing.T) {
	tr := NewCoordinateTransformer(4, 4, DefaultIntrinsics(4, 4))
	withPlane := tr.WithPlane(Plane{C: 1, D: -1})
	if !tr.Plane.IsZero() {
		t.Error("WithPlane must not modify the receiver")
	}
	if withPlane.Plane.IsZero() {
		t.Error("WithPlane lost the plane")
	}
	withProj := tr.WithProjection(knownProjection)
	if !tr.Projection.IsZero() || withProj.Projection.IsZero() {
		t.Error("WithProjection must return a modified copy")
	}
}

func TestRotations(t *testing.T) {
	near := func(a, b r3.Vector) bool { return a.Sub(b).Norm() < 1e-12 }

	if got := RotateX(r3.Vector{Y: 1}, 90); !near(got, r3.Vector{Z: 1}) {
		t.Errorf("RotateX(Y, 90) = %v", got)
	}
	if got := RotateY(r3.Vector{X: 1}, 90); !near(got, r3.Vector{Z: -1}) {
		t.Errorf("RotateY(X, 90) = %v", got)
	}
	v := r3.Vector{X: 0.3, Y: -0.2, Z: 0.9}
	if got := RotateX(RotateX(v, 17), -17); !near(got, v) {
		t.Errorf("RotateX should be invertible, got %v", got)
	}
}

func TestPlaneHelpers(t *testing.T) {
	if p := PlaneFromPointNormal(r3.Vector{Z: 5}, r3.Vector{}); !p.IsZero() {
		t.Errorf("zero normal should give the zero plane, got %+v", p)
	}
	p := PlaneFromPointNormal(r3.Vector{Z: 5}, r3.Vector{Z: 3})
	if p.C != 1 || p.D != -5 {
		t.Errorf("normal should be normalized, got %+v", p)
	}
	if p.Eval(r3.Vector{Z: 7}) != 2 {
		t.Errorf("Eval = %v, want 2", p.Eval(r3.Vector{Z: 7}))
	}
}

func TestProjectionMatrix_Project(t *testing.T) {
	if _, ok := (ProjectionMatrix{}).Project(r3.Vector{X: 1}); ok {
		t.Error("zero matrix cannot project")
	}
	if !(ProjectionMatrix{}).IsZero() || knownProjection.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestClampAndScaleROI(t *testing.T) {
	if got := ClampROI(image.Rect(-10, 5, 50, 70), 40, 30); got != image.Rect(0, 5, 40, 30) {
		t.Errorf("ClampROI = %v", got)
	}
	if got := ClampROI(image.Rect(50, 50, 10, 10), 40, 30); got != image.Rect(10, 10, 40, 30) {
		t.Errorf("ClampROI should canonicalize, got %v", got)
	}
	if got := ScaleROI(image.Rect(0, 0, 100, 60), 0.5); got != image.Rect(25, 15, 75, 45) {
		t.Errorf("ScaleROI = %v", got)
	}
	if got := ScaleROI(image.Rect(10, 10, 20, 20), 1); got != image.Rect(10, 10, 20, 20) {
		t.Errorf("ScaleROI(1) should be identity, got %v", got)
	}
}
