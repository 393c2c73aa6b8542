package recon

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/capture"
)

// Triangulate intersects the rays through pixel a of camera p1 and pixel b
// of camera p2 (3x4 projection matrices) with the linear DLT method.
func Triangulate(p1, p2 mat.Matrix, a, b capture.Point2) (r3.Vec, bool) {
	A := mat.NewDense(4, 4, nil)
	for c := 0; c < 4; c++ {
		A.Set(0, c, a.X*p1.At(2, c)-p1.At(0, c))
		A.Set(1, c, a.Y*p1.At(2, c)-p1.At(1, c))
		A.Set(2, c, b.X*p2.At(2, c)-p2.At(0, c))
		A.Set(3, c, b.Y*p2.At(2, c)-p2.At(1, c))
	}
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return r3.Vec{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vec{}, false
	}
	return r3.Vec{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, true
}
