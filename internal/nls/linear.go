package nls

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	minDiagonal = 1e-6
	maxDiagonal = 1e32
)

// dampingDiagonal clamps diag(J^T J) so damping stays meaningful for weakly
// constrained variables.
func dampingDiagonal(diag []float64) []float64 {
	d := make([]float64, len(diag))
	for i, v := range diag {
		d[i] = math.Min(math.Max(v, minDiagonal), maxDiagonal)
	}
	return d
}

// denseSystem is J^T J held as the upper triangle of a row-major matrix.
type denseSystem struct {
	n    int
	h    []float64
	damp []float64
}

func newDenseSystem(ev *evaluation) *denseSystem {
	n := ev.jac.Cols
	h := ev.normalDense()
	diag := make([]float64, n)
	for i := 0; i < n; i++ {
		diag[i] = h[i*n+i]
	}
	return &denseSystem{n: n, h: h, damp: dampingDiagonal(diag)}
}

// checkRank rejects a normal matrix whose eigenvalue spread exceeds 1/tol.
func (d *denseSystem) checkRank(tol float64) error {
	a := make([]float64, len(d.h))
	copy(a, d.h)
	var es mat.EigenSym
	if ok := es.Factorize(mat.NewSymDense(d.n, a), false); !ok {
		return fmt.Errorf("%w: eigen decomposition failed", ErrDegenerate)
	}
	vals := es.Values(nil)
	lo, hi := floats.Min(vals), floats.Max(vals)
	if hi <= 0 {
		return fmt.Errorf("%w: zero normal matrix", ErrDegenerate)
	}
	if lo <= tol*hi {
		return fmt.Errorf("%w: eigenvalue ratio %.3g below %.3g", ErrDegenerate, lo/hi, tol)
	}
	return nil
}

// solve returns the step for (J^T J + lambda D) dx = -g.
func (d *denseSystem) solve(g []float64, lambda float64) ([]float64, bool) {
	n := d.n
	a := make([]float64, len(d.h))
	copy(a, d.h)
	for i := 0; i < n; i++ {
		a[i*n+i] += lambda * d.damp[i]
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(n, a)); !ok {
		return nil, false
	}
	b := make([]float64, n)
	for i := range b {
		b[i] = -g[i]
	}
	var dx mat.VecDense
	if err := chol.SolveVecTo(&dx, mat.NewVecDense(n, b)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, false
		}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = dx.AtVec(i)
	}
	return out, finite(out)
}

// sparseSystem solves the damped normal equations matrix-free with Jacobi
// preconditioned conjugate gradients.
type sparseSystem struct {
	jac     *Jacobian
	diag    []float64
	damp    []float64
	maxIter int
	tol     float64
}

func newSparseSystem(ev *evaluation, maxIter int, tol float64) *sparseSystem {
	diag := ev.jac.ColumnNorms2()
	return &sparseSystem{jac: ev.jac, diag: diag, damp: dampingDiagonal(diag), maxIter: maxIter, tol: tol}
}

func (s *sparseSystem) apply(dst, v, tmp []float64, lambda float64) {
	s.jac.MulVec(tmp, v)
	s.jac.MulTransVec(dst, tmp)
	for i := range dst {
		dst[i] += lambda * s.damp[i] * v[i]
	}
}

func (s *sparseSystem) solve(g []float64, lambda float64) ([]float64, bool) {
	n := len(g)
	x := make([]float64, n)
	r := make([]float64, n)
	for i := range r {
		r[i] = -g[i]
	}
	bnorm := floats.Norm(r, 2)
	if bnorm == 0 {
		return x, true
	}
	minv := make([]float64, n)
	for i := range minv {
		m := s.diag[i] + lambda*s.damp[i]
		if m <= 0 {
			m = 1
		}
		minv[i] = 1 / m
	}
	z := make([]float64, n)
	floats.MulTo(z, minv, r)
	p := make([]float64, n)
	copy(p, z)
	ap := make([]float64, n)
	tmp := make([]float64, s.jac.Rows)
	rz := floats.Dot(r, z)

	maxIter := s.maxIter
	if maxIter <= 0 {
		maxIter = 2 * n
	}
	for it := 0; it < maxIter; it++ {
		s.apply(ap, p, tmp, lambda)
		pap := floats.Dot(p, ap)
		if pap <= 0 {
			break
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		if floats.Norm(r, 2) <= s.tol*bnorm {
			break
		}
		floats.MulTo(z, minv, r)
		rzNew := floats.Dot(r, z)
		beta := rzNew / rz
		rz = rzNew
		for i := range p {
			p[i] = z[i] + beta*p[i]
		}
	}
	return x, finite(x)
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
