package sandbox

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MinPointPairs is the fewest correspondences that determine the eleven
// unknowns of a projection matrix.
const MinPointPairs = 6

var (
	// ErrNoPointPairs is returned when calibration collected nothing.
	ErrNoPointPairs = errors.New("no calibration point pairs")
	// ErrTooFewPointPairs is returned for fewer than MinPointPairs pairs.
	ErrTooFewPointPairs = errors.New("too few calibration point pairs")
)

// SolveProjection computes the world-to-projector matrix from pairs by
// linear least squares with the bottom-right element fixed to 1.
//
// Each pair contributes the rows
//
//	[X Y Z 1 0 0 0 0 -uX -uY -uZ] = u
//	[0 0 0 0 X Y Z 1 -vX -vY -vZ] = v
func SolveProjection(pairs []PointPair) (ProjectionMatrix, error) {
	if len(pairs) == 0 {
		return ProjectionMatrix{}, ErrNoPointPairs
	}
	if len(pairs) < MinPointPairs {
		return ProjectionMatrix{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewPointPairs, len(pairs), MinPointPairs)
	}

	n := len(pairs)
	A := mat.NewDense(2*n, 11, nil)
	b := mat.NewVecDense(2*n, nil)
	for i, p := range pairs {
		X, Y, Z := p.World.X, p.World.Y, p.World.Z
		u, v := p.Projector.X, p.Projector.Y
		A.SetRow(2*i, []float64{X, Y, Z, 1, 0, 0, 0, 0, -u * X, -u * Y, -u * Z})
		A.SetRow(2*i+1, []float64{0, 0, 0, 0, X, Y, Z, 1, -v * X, -v * Y, -v * Z})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var qr mat.QR
	qr.Factorize(A)
	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, b); err != nil {
		return ProjectionMatrix{}, fmt.Errorf("solving projection: %w", err)
	}

	var m ProjectionMatrix
	for k := 0; k < 11; k++ {
		m[k/4][k%4] = params.AtVec(k)
	}
	m[2][3] = 1
	return m, nil
}

// ReprojectionError returns the mean distance in projector pixels between
// each pair's measured projector point and its projected world point.
// Pairs that cannot be projected count as failures and make the result +Inf.
func ReprojectionError(m ProjectionMatrix, pairs []PointPair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var total float64
	for _, p := range pairs {
		q, ok := m.Project(p.World)
		if !ok {
			return math.Inf(1)
		}
		total += q.Sub(p.Projector).Norm()
	}
	return total / float64(len(pairs))
}
