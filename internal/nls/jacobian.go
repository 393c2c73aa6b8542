package nls

import (
	"fmt"
	"math"
)

// Jacobian is a compressed-row sparse matrix with robust row scaling applied.
type Jacobian struct {
	Rows, Cols int
	RowPtr     []int
	ColIdx     []int
	Val        []float64
}

// MulVec computes dst = J v.
func (j *Jacobian) MulVec(dst, v []float64) {
	for r := 0; r < j.Rows; r++ {
		var s float64
		for k := j.RowPtr[r]; k < j.RowPtr[r+1]; k++ {
			s += j.Val[k] * v[j.ColIdx[k]]
		}
		dst[r] = s
	}
}

// MulTransVec computes dst = J^T v.
func (j *Jacobian) MulTransVec(dst, v []float64) {
	for i := range dst {
		dst[i] = 0
	}
	for r := 0; r < j.Rows; r++ {
		vr := v[r]
		if vr == 0 {
			continue
		}
		for k := j.RowPtr[r]; k < j.RowPtr[r+1]; k++ {
			dst[j.ColIdx[k]] += j.Val[k] * vr
		}
	}
}

// ColumnNorms2 returns the squared norm of every column, the diagonal of J^T J.
func (j *Jacobian) ColumnNorms2() []float64 {
	d := make([]float64, j.Cols)
	for k, c := range j.ColIdx {
		d[c] += j.Val[k] * j.Val[k]
	}
	return d
}

// evaluation is the linearization of the problem at one point.
type evaluation struct {
	cost     float64
	termCost map[string]float64
	resid    []float64 // sqrt(weight * rho') scaled residuals
	jac      *Jacobian
}

func (p *Problem) blockLoss(b *ResidualBlock, def Loss) Loss {
	if b.Loss != nil {
		return b.Loss
	}
	if def != nil {
		return def
	}
	return Trivial{}
}

// evaluate computes cost, scaled residuals and (when withJacobian) the sparse
// Jacobian at x.
func (p *Problem) evaluate(x []float64, def Loss, withJacobian bool) (*evaluation, error) {
	ev := &evaluation{termCost: make(map[string]float64)}
	if withJacobian {
		ev.resid = make([]float64, p.nres)
		ev.jac = &Jacobian{
			Rows:   p.nres,
			Cols:   p.n,
			RowPtr: make([]int, p.nres+1),
			ColIdx: make([]int, 0, p.nnz),
			Val:    make([]float64, 0, p.nnz),
		}
	}

	var (
		xb  []float64
		rb  []float64
		jb  []float64
		row int
	)
	for bi := range p.blocks {
		b := &p.blocks[bi]
		m := b.Cost.NumResiduals()
		nv := len(b.Vars)
		xb = resize(xb, nv)
		rb = resize(rb, m)
		for k, v := range b.Vars {
			xb[k] = x[v]
		}
		var jarg []float64
		if withJacobian {
			jb = resize(jb, m*nv)
			for k := range jb {
				jb[k] = 0
			}
			jarg = jb
		}
		if err := b.Cost.Evaluate(xb, rb, jarg); err != nil {
			return nil, fmt.Errorf("nls: evaluate %s block %d: %w", b.Term, bi, err)
		}

		var s float64
		for _, r := range rb {
			s += r * r
		}
		s *= b.Weight
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("nls: %s block %d produced non-finite residuals", b.Term, bi)
		}
		rho, rho1 := p.blockLoss(b, def).Evaluate(s)
		ev.cost += 0.5 * rho
		ev.termCost[b.Term] += 0.5 * rho

		if !withJacobian {
			continue
		}
		scale := math.Sqrt(b.Weight * math.Max(rho1, 0))
		for i := 0; i < m; i++ {
			ev.resid[row] = scale * rb[i]
			for k, v := range b.Vars {
				ev.jac.ColIdx = append(ev.jac.ColIdx, v)
				ev.jac.Val = append(ev.jac.Val, scale*jb[i*nv+k])
			}
			row++
			ev.jac.RowPtr[row] = len(ev.jac.ColIdx)
		}
	}
	return ev, nil
}

// gradient returns J^T r.
func (ev *evaluation) gradient() []float64 {
	g := make([]float64, ev.jac.Cols)
	ev.jac.MulTransVec(g, ev.resid)
	return g
}

// normalDense accumulates the upper triangle of J^T J into a row-major n x n slice.
func (ev *evaluation) normalDense() []float64 {
	n := ev.jac.Cols
	h := make([]float64, n*n)
	j := ev.jac
	for r := 0; r < j.Rows; r++ {
		lo, hi := j.RowPtr[r], j.RowPtr[r+1]
		for a := lo; a < hi; a++ {
			ca, va := j.ColIdx[a], j.Val[a]
			if va == 0 {
				continue
			}
			for b := lo; b < hi; b++ {
				cb := j.ColIdx[b]
				if cb < ca {
					continue
				}
				h[ca*n+cb] += va * j.Val[b]
			}
		}
	}
	return h
}

func resize(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}
