package nrr

import (
	"gonum.org/v1/gonum/spatial/r3"

	"meshtrack/internal/mesh"
	"meshtrack/internal/nls"
)

type varKind uint8

const (
	varCoef varKind = iota
	varRot
	varTrans
	varOffset
)

// varKey names one scalar of the deformation state. Offsets are indexed
// 3*vertex + axis.
type varKey struct {
	kind varKind
	i    int
}

func (k varKey) get(s mesh.State) float64 {
	switch k.kind {
	case varCoef:
		return s.Coefficients[k.i]
	case varRot:
		return component(s.Rotation, k.i)
	case varTrans:
		return component(s.Translation, k.i)
	default:
		if s.Offsets == nil {
			return 0
		}
		return component(s.Offsets[k.i/3], k.i%3)
	}
}

func (k varKey) set(s *mesh.State, v float64) {
	switch k.kind {
	case varCoef:
		s.Coefficients[k.i] = v
	case varRot:
		setComponent(&s.Rotation, k.i, v)
	case varTrans:
		setComponent(&s.Translation, k.i, v)
	default:
		setComponent(&s.Offsets[k.i/3], k.i%3, v)
	}
}

func component(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func setComponent(v *r3.Vec, i int, x float64) {
	switch i {
	case 0:
		v.X = x
	case 1:
		v.Y = x
	default:
		v.Z = x
	}
}

func axis(i int) r3.Vec {
	var v r3.Vec
	setComponent(&v, i, 1)
	return v
}

// model is the state being refined in one solve: the fixed values of every
// scalar and which groups are free.
type model struct {
	m       *mesh.Mesh
	base    mesh.State
	rigid   bool
	offsets bool
	active  [][]int // coefficients with a non-zero displacement per vertex
}

func newModel(m *mesh.Mesh, base mesh.State, rigid, offsets bool, active [][]int) *model {
	return &model{m: m, base: base, rigid: rigid, offsets: offsets, active: active}
}

// activeCoefficients lists, per vertex, the coefficients that move it.
func activeCoefficients(m *mesh.Mesh) [][]int {
	b := m.Basis()
	k := b.Dim()
	jac := make([]float64, 3*k)
	zero := make([]float64, k)
	out := make([][]int, m.VertexCount())
	for v := range out {
		b.Jacobian(v, zero, jac)
		for i := 0; i < k; i++ {
			if jac[i] != 0 || jac[k+i] != 0 || jac[2*k+i] != 0 {
				out[v] = append(out[v], i)
			}
		}
	}
	return out
}

// vertexKeys returns the free scalars that influence vertex v.
func (md *model) vertexKeys(v int) []varKey {
	keys := make([]varKey, 0, len(md.active[v])+9)
	for _, c := range md.active[v] {
		keys = append(keys, varKey{varCoef, c})
	}
	if md.rigid {
		for i := 0; i < 3; i++ {
			keys = append(keys, varKey{varRot, i})
		}
		for i := 0; i < 3; i++ {
			keys = append(keys, varKey{varTrans, i})
		}
	}
	if md.offsets {
		for i := 0; i < 3; i++ {
			keys = append(keys, varKey{varOffset, 3*v + i})
		}
	}
	return keys
}

// position evaluates vertex v with the block values x substituted for keys.
// When d is non-nil it receives the derivative of the world position with
// respect to each block value.
func (md *model) position(v int, keys []varKey, x []float64, d []r3.Vec) r3.Vec {
	s := md.base
	c := append([]float64(nil), s.Coefficients...)
	w, t := s.Rotation, s.Translation
	var off r3.Vec
	if s.Offsets != nil {
		off = s.Offsets[v]
	}
	for i, k := range keys {
		switch k.kind {
		case varCoef:
			c[k.i] = x[i]
		case varRot:
			setComponent(&w, k.i, x[i])
		case varTrans:
			setComponent(&t, k.i, x[i])
		case varOffset:
			setComponent(&off, k.i%3, x[i])
		}
	}
	b := md.m.Basis()
	local := r3.Add(r3.Add(md.m.Neutral(v), b.Displace(v, c)), off)
	world := r3.Add(mesh.Rotate(w, local), t)
	if d == nil {
		return world
	}

	dim := b.Dim()
	jb := make([]float64, 3*dim)
	b.Jacobian(v, c, jb)
	var rj [3]r3.Vec
	if md.rigid {
		rj = mesh.RotationJacobian(w, local)
	}
	for i, k := range keys {
		switch k.kind {
		case varCoef:
			d[i] = mesh.Rotate(w, r3.Vec{X: jb[k.i], Y: jb[dim+k.i], Z: jb[2*dim+k.i]})
		case varRot:
			d[i] = rj[k.i]
		case varTrans:
			d[i] = axis(k.i)
		case varOffset:
			d[i] = mesh.Rotate(w, axis(k.i%3))
		}
	}
	return world
}

// pointCost pulls a vertex onto a target position.
type pointCost struct {
	md     *model
	v      int
	keys   []varKey
	target r3.Vec
}

func (c *pointCost) NumResiduals() int { return 3 }

func (c *pointCost) Evaluate(x, res, jac []float64) error {
	var d []r3.Vec
	if jac != nil {
		d = make([]r3.Vec, len(x))
	}
	p := c.md.position(c.v, c.keys, x, d)
	r := r3.Sub(p, c.target)
	res[0], res[1], res[2] = r.X, r.Y, r.Z
	if jac != nil {
		n := len(x)
		for i, di := range d {
			jac[i] = di.X
			jac[n+i] = di.Y
			jac[2*n+i] = di.Z
		}
	}
	return nil
}

// planeCost measures the distance of a vertex to the tangent plane of its
// target point.
type planeCost struct {
	md     *model
	v      int
	keys   []varKey
	target r3.Vec
	normal r3.Vec
}

func (c *planeCost) NumResiduals() int { return 1 }

func (c *planeCost) Evaluate(x, res, jac []float64) error {
	var d []r3.Vec
	if jac != nil {
		d = make([]r3.Vec, len(x))
	}
	p := c.md.position(c.v, c.keys, x, d)
	res[0] = r3.Dot(c.normal, r3.Sub(p, c.target))
	for i, di := range d {
		jac[i] = r3.Dot(c.normal, di)
	}
	return nil
}

// LaplacianCost penalises the uniform Laplacian of an offset field at one
// vertex. Variables are the vertex's three offset components followed by
// each neighbour's.
type LaplacianCost struct {
	Neighbors int
}

func laplacianKeys(v int, nb []int) []varKey {
	keys := make([]varKey, 0, 3*(len(nb)+1))
	for i := 0; i < 3; i++ {
		keys = append(keys, varKey{varOffset, 3*v + i})
	}
	for _, u := range nb {
		for i := 0; i < 3; i++ {
			keys = append(keys, varKey{varOffset, 3*u + i})
		}
	}
	return keys
}

func (c LaplacianCost) NumResiduals() int { return 3 }

func (c LaplacianCost) Evaluate(x, res, jac []float64) error {
	inv := 1 / float64(c.Neighbors)
	n := len(x)
	for a := 0; a < 3; a++ {
		var mean float64
		for u := 0; u < c.Neighbors; u++ {
			mean += x[3*(u+1)+a]
		}
		res[a] = x[a] - inv*mean
		if jac != nil {
			row := jac[a*n : (a+1)*n]
			for i := range row {
				row[i] = 0
			}
			row[a] = 1
			for u := 0; u < c.Neighbors; u++ {
				row[3*(u+1)+a] = -inv
			}
		}
	}
	return nil
}

// PriorCost pulls each variable toward a fixed value.
type PriorCost struct {
	Target []float64
}

func (c PriorCost) NumResiduals() int { return len(c.Target) }

func (c PriorCost) Evaluate(x, res, jac []float64) error {
	n := len(x)
	for i := range x {
		res[i] = x[i] - c.Target[i]
	}
	if jac != nil {
		for i := range jac {
			jac[i] = 0
		}
		for i := 0; i < n; i++ {
			jac[i*n+i] = 1
		}
	}
	return nil
}

// builder collects residual blocks over state scalars and numbers only the
// scalars some block references, so unobserved parts of the state stay
// fixed instead of making the problem singular.
type builder struct {
	index   map[varKey]int
	keys    []varKey
	pending []pendingBlock
	data    int
}

type pendingBlock struct {
	term   string
	keys   []varKey
	cost   nls.CostFunction
	weight float64
	loss   nls.Loss
}

func newBuilder() *builder {
	return &builder{index: make(map[varKey]int)}
}

func (b *builder) add(term string, keys []varKey, cost nls.CostFunction, weight float64, loss nls.Loss) {
	if weight <= 0 || len(keys) == 0 {
		return
	}
	for _, k := range keys {
		if _, ok := b.index[k]; !ok {
			b.index[k] = len(b.keys)
			b.keys = append(b.keys, k)
		}
	}
	if term == termFit || term == termLandmark {
		b.data++
	}
	b.pending = append(b.pending, pendingBlock{term: term, keys: keys, cost: cost, weight: weight, loss: loss})
}

// problem materialises the nls problem, the initial vector and the
// coefficient bounds.
func (b *builder) problem(s mesh.State, lo, hi []float64) (*nls.Problem, []float64, error) {
	p := nls.NewProblem(len(b.keys))
	for _, blk := range b.pending {
		vars := make([]int, len(blk.keys))
		for i, k := range blk.keys {
			vars[i] = b.index[k]
		}
		if err := p.AddResidualBlock(nls.ResidualBlock{
			Term:   blk.term,
			Vars:   vars,
			Cost:   blk.cost,
			Weight: blk.weight,
			Loss:   blk.loss,
		}); err != nil {
			return nil, nil, err
		}
	}
	x := make([]float64, len(b.keys))
	for i, k := range b.keys {
		x[i] = k.get(s)
		if k.kind == varCoef && lo != nil {
			if err := p.SetBounds(i, lo[k.i], hi[k.i]); err != nil {
				return nil, nil, err
			}
		}
	}
	return p, x, nil
}

// apply writes solved values back into a copy of s. Offsets must already be
// allocated when any offset scalar is free.
func (b *builder) apply(s mesh.State, x []float64) mesh.State {
	out := s.Clone()
	for i, k := range b.keys {
		k.set(&out, x[i])
	}
	return out
}
