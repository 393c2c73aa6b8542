package mesh

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Basis maps a coefficient vector to per-vertex displacements from the
// neutral shape. Blendshape and skinning deformers both satisfy it.
type Basis interface {
	Kind() string
	Dim() int
	VertexCount() int
	Names() []string
	// Bounds returns per-coefficient limits; nil slices mean unbounded.
	Bounds() (lo, hi []float64)
	// Displace returns the displacement of vertex v.
	Displace(v int, c []float64) r3.Vec
	// Jacobian writes d Displace(v) / d c as a row-major 3 x Dim matrix.
	Jacobian(v int, c []float64, dst []float64)
	// Invert returns the coefficients whose displacements best explain disp.
	Invert(disp []r3.Vec) ([]float64, error)
}

// Blendshapes is a linear basis of per-vertex delta shapes.
type Blendshapes struct {
	names  []string
	deltas [][]r3.Vec // [shape][vertex]
	lower  []float64
	upper  []float64
}

// NewBlendshapes validates and builds a blendshape basis.
func NewBlendshapes(names []string, deltas [][]r3.Vec, lower, upper []float64) (*Blendshapes, error) {
	if len(names) != len(deltas) {
		return nil, fmt.Errorf("blendshapes: %d names for %d shapes", len(names), len(deltas))
	}
	if len(deltas) == 0 {
		return nil, errors.New("blendshapes: empty basis")
	}
	nv := len(deltas[0])
	for k, d := range deltas {
		if len(d) != nv {
			return nil, fmt.Errorf("blendshapes: shape %q has %d vertices, want %d", names[k], len(d), nv)
		}
	}
	if err := checkBounds(len(names), lower, upper); err != nil {
		return nil, err
	}
	return &Blendshapes{names: names, deltas: deltas, lower: lower, upper: upper}, nil
}

func (b *Blendshapes) Kind() string     { return "blendshape" }
func (b *Blendshapes) Dim() int         { return len(b.deltas) }
func (b *Blendshapes) VertexCount() int { return len(b.deltas[0]) }
func (b *Blendshapes) Names() []string  { return append([]string(nil), b.names...) }

func (b *Blendshapes) Bounds() ([]float64, []float64) { return b.lower, b.upper }

// Delta returns shape k's displacement at vertex v.
func (b *Blendshapes) Delta(k, v int) r3.Vec { return b.deltas[k][v] }

func (b *Blendshapes) Displace(v int, c []float64) r3.Vec {
	var d r3.Vec
	for k, w := range c {
		if w == 0 {
			continue
		}
		d = r3.Add(d, r3.Scale(w, b.deltas[k][v]))
	}
	return d
}

func (b *Blendshapes) Jacobian(v int, _ []float64, dst []float64) {
	k := len(b.deltas)
	for i, s := range b.deltas {
		dv := s[v]
		dst[i] = dv.X
		dst[k+i] = dv.Y
		dst[2*k+i] = dv.Z
	}
}

func (b *Blendshapes) Invert(disp []r3.Vec) ([]float64, error) {
	return invertLinear(b, disp)
}

// Skinning is a linear blend of joint translations: each joint contributes
// three coefficients and moves vertices by its per-vertex weight.
type Skinning struct {
	joints  []string
	weights [][]float64 // [vertex][joint]
	limit   float64
}

// NewSkinning builds a translational skinning basis. limit bounds each
// translation component; zero leaves them unbounded.
func NewSkinning(joints []string, weights [][]float64, limit float64) (*Skinning, error) {
	if len(joints) == 0 {
		return nil, errors.New("skinning: no joints")
	}
	if len(weights) == 0 {
		return nil, errors.New("skinning: no vertices")
	}
	for v, w := range weights {
		if len(w) != len(joints) {
			return nil, fmt.Errorf("skinning: vertex %d has %d weights, want %d", v, len(w), len(joints))
		}
	}
	if limit < 0 {
		return nil, fmt.Errorf("skinning: negative limit %v", limit)
	}
	return &Skinning{joints: joints, weights: weights, limit: limit}, nil
}

func (s *Skinning) Kind() string     { return "skinning" }
func (s *Skinning) Dim() int         { return 3 * len(s.joints) }
func (s *Skinning) VertexCount() int { return len(s.weights) }

func (s *Skinning) Names() []string {
	out := make([]string, 0, s.Dim())
	for _, j := range s.joints {
		out = append(out, j+".tx", j+".ty", j+".tz")
	}
	return out
}

func (s *Skinning) Bounds() ([]float64, []float64) {
	if s.limit == 0 {
		return nil, nil
	}
	lo := make([]float64, s.Dim())
	hi := make([]float64, s.Dim())
	for i := range lo {
		lo[i], hi[i] = -s.limit, s.limit
	}
	return lo, hi
}

func (s *Skinning) Displace(v int, c []float64) r3.Vec {
	var d r3.Vec
	for j, w := range s.weights[v] {
		if w == 0 {
			continue
		}
		d = r3.Add(d, r3.Scale(w, r3.Vec{X: c[3*j], Y: c[3*j+1], Z: c[3*j+2]}))
	}
	return d
}

func (s *Skinning) Jacobian(v int, _ []float64, dst []float64) {
	k := s.Dim()
	for i := range dst[:3*k] {
		dst[i] = 0
	}
	for j, w := range s.weights[v] {
		dst[3*j] = w
		dst[k+3*j+1] = w
		dst[2*k+3*j+2] = w
	}
}

func (s *Skinning) Invert(disp []r3.Vec) ([]float64, error) {
	return invertLinear(s, disp)
}

// invertLinear solves the normal equations of a linear basis with a tiny
// ridge term so that unused coefficients resolve to zero.
func invertLinear(b Basis, disp []r3.Vec) ([]float64, error) {
	if len(disp) != b.VertexCount() {
		return nil, fmt.Errorf("%w: %d displacements for %d vertices", ErrDimensionMismatch, len(disp), b.VertexCount())
	}
	k := b.Dim()
	ata := make([]float64, k*k)
	atb := make([]float64, k)
	jac := make([]float64, 3*k)
	zero := make([]float64, k)
	for v, d := range disp {
		b.Jacobian(v, zero, jac)
		comp := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			row := jac[r*k : (r+1)*k]
			for i, ai := range row {
				if ai == 0 {
					continue
				}
				atb[i] += ai * comp[r]
				for j := i; j < k; j++ {
					ata[i*k+j] += ai * row[j]
				}
			}
		}
	}
	var scale float64
	for i := 0; i < k; i++ {
		scale = math.Max(scale, ata[i*k+i])
	}
	if scale == 0 {
		return make([]float64, k), nil
	}
	for i := 0; i < k; i++ {
		ata[i*k+i] += 1e-12 * scale
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(k, ata)); !ok {
		return nil, errors.New("basis inversion: normal matrix not positive definite")
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(k, atb)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	out := make([]float64, k)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, nil
}

func checkBounds(k int, lo, hi []float64) error {
	if lo == nil && hi == nil {
		return nil
	}
	if len(lo) != k || len(hi) != k {
		return fmt.Errorf("basis bounds: want %d limits, got %d/%d", k, len(lo), len(hi))
	}
	for i := range lo {
		if lo[i] > hi[i] {
			return fmt.Errorf("basis bounds: coefficient %d has empty range [%v,%v]", i, lo[i], hi[i])
		}
	}
	return nil
}
